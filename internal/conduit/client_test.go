package conduit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func row(id int, name, status, priority string, points any, children ...int) map[string]any {
	sub := []any{}
	for _, c := range children {
		sub = append(sub, c)
	}
	fields := map[string]any{
		"name":         name,
		"description":  map[string]any{"raw": "about " + name},
		"status":       map[string]any{"value": status},
		"priority":     map[string]any{"name": priority},
		"authorPHID":   "PHID-USER-author",
		"ownerPHID":    "PHID-USER-owner",
		"dateCreated":  1700000000,
		"dateModified": 1700000100,
	}
	if points != nil {
		fields["points"] = points
	}
	return map[string]any{
		"id":          id,
		"phid":        fmt.Sprintf("PHID-TASK-%d", id),
		"fields":      fields,
		"attachments": map[string]any{"subtasks": map[string]any{"ids": sub}},
	}
}

// stub answers maniphest.search from an in-memory id -> row table.
func stub(t *testing.T, rows map[string]map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/maniphest.search" {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		if r.PostFormValue("api.token") == "" || !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var data []any
		for i := 0; ; i++ {
			id := r.PostFormValue(fmt.Sprintf("constraints[ids][%d]", i))
			if id == "" {
				break
			}
			if row, ok := rows[id]; ok {
				data = append(data, row)
			}
		}
		if data == nil {
			data = []any{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"data": data}})
	}))
}

func mustClient(t *testing.T, host string) *Client {
	t.Helper()
	c, err := NewClient(Config{Host: host, APIToken: "api-test-token"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestCleanID(t *testing.T) {
	cases := []struct{ in, want string }{
		{"T1234", "1234"},
		{"1234", "1234"},
		{"TT12", "12"},
		{"", ""},
	}
	for _, c := range cases {
		if got := CleanID(c.in); got != c.want {
			t.Errorf("CleanID(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestGetTaskParsesFields(t *testing.T) {
	srv := stub(t, map[string]map[string]any{
		"100": row(100, "Root task", "open", "High", 3.0, 101, 102),
	})
	defer srv.Close()

	task, err := mustClient(t, srv.URL).GetTask(context.Background(), "T100")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.ID != "100" || task.Name != "Root task" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.Status != "open" || task.Priority != "High" {
		t.Errorf("status/priority = %q/%q", task.Status, task.Priority)
	}
	if task.Points == nil || *task.Points != 3 {
		t.Errorf("points = %v, want 3", task.Points)
	}
	if len(task.ChildIDs) != 2 || task.ChildIDs[0] != "101" || task.ChildIDs[1] != "102" {
		t.Errorf("child ids = %v, want [101 102]", task.ChildIDs)
	}
	if task.OwnerPHID != "PHID-USER-owner" || task.AuthorPHID != "PHID-USER-author" {
		t.Errorf("owner/author = %q/%q", task.OwnerPHID, task.AuthorPHID)
	}
	if task.CreatedAt != 1700000000 || task.UpdatedAt != 1700000100 {
		t.Errorf("timestamps = %d/%d", task.CreatedAt, task.UpdatedAt)
	}
}

func TestGetTasksBatch(t *testing.T) {
	srv := stub(t, map[string]map[string]any{
		"101": row(101, "First", "open", "Normal", nil),
		"102": row(102, "Second", "resolved", "Low", nil),
	})
	defer srv.Close()

	tasks, err := mustClient(t, srv.URL).GetTasks(context.Background(), []string{"T101", "102"})
	if err != nil {
		t.Fatalf("GetTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	if tasks["101"].Name != "First" || tasks["102"].Name != "Second" {
		t.Errorf("unexpected batch: %v", tasks)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv := stub(t, nil)
	defer srv.Close()

	_, err := mustClient(t, srv.URL).GetTask(context.Background(), "999999")
	if KindOf(err) != KindNotFound {
		t.Fatalf("kind = %q, err = %v, want not_found", KindOf(err), err)
	}
}

func TestUnauthorizedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := mustClient(t, srv.URL).GetTask(context.Background(), "100")
	if KindOf(err) != KindUnauthorized {
		t.Fatalf("kind = %q, want unauthorized", KindOf(err))
	}
}

func TestUnauthorizedConduitCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result":     nil,
			"error_code": "ERR-INVALID-AUTH",
			"error_info": "API token is invalid",
		})
	}))
	defer srv.Close()

	_, err := mustClient(t, srv.URL).GetTask(context.Background(), "100")
	if KindOf(err) != KindUnauthorized {
		t.Fatalf("kind = %q, err = %v, want unauthorized", KindOf(err), err)
	}
}

func TestDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	_, err := mustClient(t, srv.URL).GetTask(context.Background(), "100")
	if KindOf(err) != KindDecode {
		t.Fatalf("kind = %q, want decode", KindOf(err))
	}
}

func TestServerErrorIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := mustClient(t, srv.URL).GetTask(context.Background(), "100")
	if KindOf(err) != KindTransport {
		t.Fatalf("kind = %q, want transport", KindOf(err))
	}
}

func TestConnectionRefusedIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := mustClient(t, url).GetTask(context.Background(), "100")
	if KindOf(err) != KindTransport {
		t.Fatalf("kind = %q, want transport", KindOf(err))
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{APIToken: "x"}); err == nil {
		t.Error("empty host accepted")
	}
	if _, err := NewClient(Config{Host: "http://localhost"}); err == nil {
		t.Error("empty token accepted")
	}
}

func TestNewClientInvalidPKCS12Path(t *testing.T) {
	_, err := NewClient(Config{
		Host:     "http://localhost",
		APIToken: "x",
		CertIdentity: &CertIdentityConfig{
			PKCS12Path:     "/path/to/invalid/config",
			PKCS12Password: "testpassword",
		},
	})
	if err == nil {
		t.Fatal("invalid pkcs12 path accepted")
	}
	if !strings.Contains(err.Error(), "read pkcs12 from /path/to/invalid/config") {
		t.Errorf("unexpected error: %v", err)
	}
}
