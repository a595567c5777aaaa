package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"phab-go/internal/conduit"
	"phab-go/internal/render"
	"phab-go/internal/store"
	"phab-go/internal/tree"
	"phab-go/pkg/cache"
)

const treeCacheTTL = 30 * time.Second

type Server struct {
	builder *tree.Builder
	store   *store.Store // nil when no DSN is configured
	cache   *cache.MemoryCache
}

func New(builder *tree.Builder, st *store.Store) *Server {
	return &Server{builder: builder, store: st, cache: cache.NewMemory(treeCacheTTL)}
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: s.Routes()}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()
	return server.ListenAndServe()
}

func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/tree", s.handleTree).Methods(http.MethodGet)
	r.HandleFunc("/watchlists", s.handleListWatchlists).Methods(http.MethodGet)
	r.HandleFunc("/watchlists", s.handleCreateWatchlist).Methods(http.MethodPost)
	r.HandleFunc("/watchlists/{id}", s.handleShowWatchlist).Methods(http.MethodGet)
	return r
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	key := id + "|" + format
	if body, ok := s.cache.Get(key); ok {
		writeRendered(w, format, body)
		return
	}

	t, err := s.builder.Build(r.Context(), id)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	body, err := render.Render(t, format)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	s.cache.Set(key, body)
	writeRendered(w, format, body)
}

func (s *Server) handleListWatchlists(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeErr(w, http.StatusServiceUnavailable, errStr("watchlist store not configured"))
		return
	}
	lists, err := s.store.Watchlists(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, lists)
}

func (s *Server) handleCreateWatchlist(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeErr(w, http.StatusServiceUnavailable, errStr("watchlist store not configured"))
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		writeErr(w, http.StatusBadRequest, errStr("name is required"))
		return
	}
	wl, err := s.store.CreateWatchlist(r.Context(), req.Name)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, wl)
}

func (s *Server) handleShowWatchlist(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeErr(w, http.StatusServiceUnavailable, errStr("watchlist store not configured"))
		return
	}
	wl, err := s.store.WatchlistByID(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, wl)
}

// statusFor maps upstream failure kinds onto response codes. Anything the
// remote service rejected or garbled is a gateway problem from the caller's
// point of view.
func statusFor(err error) int {
	switch conduit.KindOf(err) {
	case conduit.KindNotFound:
		return http.StatusNotFound
	case conduit.KindUnauthorized, conduit.KindTransport, conduit.KindDecode:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeRendered(w http.ResponseWriter, format string, body []byte) {
	switch format {
	case "json":
		w.Header().Set("Content-Type", "application/json")
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
	case "pdf":
		w.Header().Set("Content-Type", "application/pdf")
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

type errStr string

func (e errStr) Error() string { return string(e) }
