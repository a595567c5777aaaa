package conduit

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/pkcs12"
)

const searchOp = "maniphest.search"

type CertIdentityConfig struct {
	PKCS12Path     string `yaml:"pkcs12_path"`
	PKCS12Password string `yaml:"pkcs12_password"`
}

type Config struct {
	Host         string
	APIToken     string
	CertIdentity *CertIdentityConfig
}

// Task is one maniphest row as returned by the service. Values are fixed at
// fetch time; a fresh fetch produces a new Task.
type Task struct {
	ID          string   `json:"id"`
	PHID        string   `json:"phid"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	Priority    string   `json:"priority"`
	AuthorPHID  string   `json:"author_phid,omitempty"`
	OwnerPHID   string   `json:"owner_phid,omitempty"`
	Points      *float64 `json:"points,omitempty"`
	ChildIDs    []string `json:"child_ids,omitempty"`
	CreatedAt   int64    `json:"created_at,omitempty"`
	UpdatedAt   int64    `json:"updated_at,omitempty"`
}

type Client struct {
	http  *http.Client
	host  string
	token string
}

// CleanID 去掉任务 id 前导的 'T'，这样从 url 复制的 T1234 也能直接用
func CleanID(id string) string {
	return strings.TrimLeft(id, "T")
}

func NewClient(cfg Config) (*Client, error) {
	host := strings.TrimRight(cfg.Host, "/")
	if host == "" {
		return nil, errors.New("conduit: host must not be empty")
	}
	if cfg.APIToken == "" {
		return nil, errors.New("conduit: api token must not be empty")
	}
	hc := &http.Client{Timeout: 30 * time.Second}
	if cfg.CertIdentity != nil {
		cert, err := loadIdentity(cfg.CertIdentity)
		if err != nil {
			return nil, err
		}
		hc.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		}
	}
	return &Client{http: hc, host: host, token: cfg.APIToken}, nil
}

func loadIdentity(cfg *CertIdentityConfig) (tls.Certificate, error) {
	raw, err := os.ReadFile(cfg.PKCS12Path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read pkcs12 from %s: %w", cfg.PKCS12Path, err)
	}
	key, cert, err := pkcs12.Decode(raw, cfg.PKCS12Password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decode pkcs12 %s: %w", cfg.PKCS12Path, err)
	}
	return tls.Certificate{Certificate: [][]byte{cert.Raw}, PrivateKey: key, Leaf: cert}, nil
}

// GetTask fetches a single task. A well-formed response without the task
// reports KindNotFound.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	tasks, err := c.GetTasks(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	t, ok := tasks[CleanID(id)]
	if !ok {
		return nil, newError(KindNotFound, searchOp, fmt.Errorf("task %s unknown to %s", CleanID(id), c.host))
	}
	return t, nil
}

// GetTasks fetches a batch of tasks in one round trip, keyed by cleaned id.
// Ids the service does not know are simply absent from the result.
func (c *Client) GetTasks(ctx context.Context, ids []string) (map[string]*Task, error) {
	form := url.Values{}
	form.Set("api.token", c.token)
	form.Set("order", "oldest")
	form.Set("attachments[subtasks]", "true")
	for i, id := range ids {
		form.Set(fmt.Sprintf("constraints[ids][%d]", i), CleanID(id))
	}

	body, err := c.post(ctx, "/api/"+searchOp, form)
	if err != nil {
		return nil, err
	}
	rows, err := resultData(body)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*Task, len(rows))
	for _, r := range rows {
		row, ok := r.(map[string]any)
		if !ok {
			return nil, newError(KindDecode, searchOp, fmt.Errorf("task row is not an object: %v", r))
		}
		t, err := taskFromRow(row)
		if err != nil {
			return nil, err
		}
		out[t.ID] = t
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, newError(KindTransport, path, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, newError(KindTransport, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(KindTransport, path, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, newError(KindUnauthorized, path, fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, newError(KindTransport, path, fmt.Errorf("http %d", resp.StatusCode))
	}
	return body, nil
}

// resultData unwraps the {"result":{"data":[...]}} envelope and surfaces
// conduit-level errors reported in-band.
func resultData(body []byte) ([]any, error) {
	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, newError(KindDecode, searchOp, err)
	}
	if code := getString(root, "error_code"); code != "" {
		info := getString(root, "error_info")
		if code == "ERR-INVALID-AUTH" {
			return nil, newError(KindUnauthorized, searchOp, errors.New(info))
		}
		return nil, newError(KindDecode, searchOp, fmt.Errorf("%s: %s", code, info))
	}
	result, ok := root["result"].(map[string]any)
	if !ok {
		return nil, newError(KindDecode, searchOp, fmt.Errorf("missing result envelope in %s", body))
	}
	data, ok := result["data"].([]any)
	if !ok {
		return nil, newError(KindDecode, searchOp, fmt.Errorf("missing result.data in %s", body))
	}
	return data, nil
}

func taskFromRow(row map[string]any) (*Task, error) {
	id := jsonID(row["id"])
	if id == "" {
		return nil, newError(KindDecode, searchOp, fmt.Errorf("task row has no id: %v", row))
	}
	fields := getMap(row, "fields")
	t := &Task{
		ID:          id,
		PHID:        getString(row, "phid"),
		Name:        getString(fields, "name"),
		Description: getString(getMap(fields, "description"), "raw"),
		Status:      getString(getMap(fields, "status"), "value"),
		Priority:    getString(getMap(fields, "priority"), "name"),
		AuthorPHID:  getString(fields, "authorPHID"),
		OwnerPHID:   getString(fields, "ownerPHID"),
		CreatedAt:   getInt(fields, "dateCreated"),
		UpdatedAt:   getInt(fields, "dateModified"),
	}
	if pts, ok := fields["points"].(float64); ok {
		t.Points = &pts
	}
	subtasks := getMap(getMap(row, "attachments"), "subtasks")
	for _, v := range getSlice(subtasks, "ids") {
		if child := jsonID(v); child != "" {
			t.ChildIDs = append(t.ChildIDs, child)
		}
	}
	return t, nil
}

// id 字段可能是数字也可能是字符串，统一转成干净的字符串 id
func jsonID(v any) string {
	switch x := v.(type) {
	case string:
		return CleanID(x)
	case float64:
		return strconv.FormatInt(int64(x), 10)
	}
	return ""
}

func getMap(m map[string]any, k string) map[string]any {
	if v, ok := m[k].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

func getSlice(m map[string]any, k string) []any {
	if v, ok := m[k].([]any); ok {
		return v
	}
	return nil
}

func getString(m map[string]any, k string) string {
	if v, ok := m[k].(string); ok {
		return v
	}
	return ""
}

func getInt(m map[string]any, k string) int64 {
	if v, ok := m[k].(float64); ok {
		return int64(v)
	}
	return 0
}
