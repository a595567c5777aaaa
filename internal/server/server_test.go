package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"phab-go/internal/conduit"
	"phab-go/internal/tree"
)

type fakeRepo struct {
	mu    sync.Mutex
	roots int
	tasks map[string]*conduit.Task
}

func (f *fakeRepo) FetchRoot(ctx context.Context, id string) (*conduit.Task, error) {
	f.mu.Lock()
	f.roots++
	f.mu.Unlock()
	t, ok := f.tasks[conduit.CleanID(id)]
	if !ok {
		return nil, &conduit.Error{Kind: conduit.KindNotFound, Op: "test"}
	}
	return t, nil
}

func (f *fakeRepo) FetchChildren(ctx context.Context, task *conduit.Task) ([]*conduit.Task, error) {
	var out []*conduit.Task
	for _, id := range task.ChildIDs {
		if t, ok := f.tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeRepo) rootCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roots
}

func newTestServer() (*fakeRepo, *httptest.Server) {
	f := &fakeRepo{tasks: map[string]*conduit.Task{
		"100": {ID: "100", Name: "Root", Status: "open", Priority: "High", ChildIDs: []string{"101"}},
		"101": {ID: "101", Name: "Child", Status: "open", Priority: "Low"},
	}}
	s := New(tree.NewBuilder(f), nil)
	return f, httptest.NewServer(s.Routes())
}

func TestHealth(t *testing.T) {
	_, srv := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestTreeJSON(t *testing.T) {
	_, srv := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/tasks/100/tree")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var root struct {
		ID       string `json:"id"`
		Children []any  `json:"children"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&root); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if root.ID != "100" || len(root.Children) != 1 {
		t.Errorf("root = %+v", root)
	}
}

func TestTreeText(t *testing.T) {
	_, srv := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/tasks/T100/tree?format=text")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "[T100 open - High point: 0] Root") {
		t.Errorf("body:\n%s", body)
	}
}

func TestTreeUnknownRootIs404(t *testing.T) {
	_, srv := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/tasks/999999/tree")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestTreeResponseIsCached(t *testing.T) {
	f, srv := newTestServer()
	defer srv.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.Get(srv.URL + "/tasks/100/tree?format=text")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}
	if got := f.rootCalls(); got != 1 {
		t.Errorf("root fetched %d times, want 1 (cache miss only)", got)
	}
}

func TestWatchlistsWithoutStore(t *testing.T) {
	_, srv := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/watchlists")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}

	resp2, err := http.Post(srv.URL+"/watchlists", "application/json", strings.NewReader(`{"name":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("post status = %d, want 503", resp2.StatusCode)
	}
}
