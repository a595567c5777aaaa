package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"phab-go/internal/conduit"
)

type Store struct {
	db *sql.DB
}

func NewDefaultStore() (*Store, error) {
	dsn := os.Getenv("PHAB_STORE_DSN")
	if dsn == "" {
		dsn = "root:123456@tcp(127.0.0.1:3306)/phab?parseTime=true"
	}
	return New(dsn)
}

func New(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	// create tables (single statements)
	createWatchlists := `CREATE TABLE IF NOT EXISTS watchlists (
    id VARCHAR(36) PRIMARY KEY,
    name VARCHAR(200) NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_name (name)
)`
	if _, err := s.db.ExecContext(ctx, createWatchlists); err != nil {
		return err
	}
	createMembers := `CREATE TABLE IF NOT EXISTS watchlist_tasks (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    watchlist_id VARCHAR(36) NOT NULL,
    task_id VARCHAR(20) NOT NULL,
    title VARCHAR(500),
    status VARCHAR(50),
    priority VARCHAR(50),
    owner_phid VARCHAR(64),
    points FLOAT NULL,
    position INT NOT NULL,
    added_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_member (watchlist_id, task_id)
)`
	if _, err := s.db.ExecContext(ctx, createMembers); err != nil {
		return err
	}
	// indexes: MySQL lacks IF NOT EXISTS for CREATE INDEX in some versions; ignore duplicates
	_ = s.execIgnoreDupIndex(ctx, `CREATE INDEX idx_member_position ON watchlist_tasks(watchlist_id, position)`)
	return nil
}

func (s *Store) execIgnoreDupIndex(ctx context.Context, ddl string) error {
	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		e := err.Error()
		if strings.Contains(e, "Duplicate key name") || strings.Contains(e, "1061") {
			return nil
		}
	}
	return err
}

// ---- Data types ----

type Watchlist struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Tasks     []Member
}

type Member struct {
	TaskID    string
	Title     string
	Status    string
	Priority  string
	OwnerPHID string
	Points    *float64
	Position  int
}

var ErrNotFound = errors.New("not found")

func (s *Store) CreateWatchlist(ctx context.Context, name string) (*Watchlist, error) {
	w := &Watchlist{ID: uuid.NewString(), Name: name, CreatedAt: time.Now()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watchlists (id, name, created_at) VALUES (?,?,?)`,
		w.ID, w.Name, w.CreatedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// AddTask appends a snapshot of the task to the watchlist. Re-adding an
// existing member refreshes its snapshot and keeps its position.
func (s *Store) AddTask(ctx context.Context, watchlistID string, t *conduit.Task) error {
	if _, err := s.WatchlistByID(ctx, watchlistID); err != nil {
		return err
	}
	var next int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) + 1 FROM watchlist_tasks WHERE watchlist_id=?`,
		watchlistID).Scan(&next); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO watchlist_tasks
    (watchlist_id, task_id, title, status, priority, owner_phid, points, position)
    VALUES(?,?,?,?,?,?,?,?)
    ON DUPLICATE KEY UPDATE
      title=VALUES(title),
      status=VALUES(status),
      priority=VALUES(priority),
      owner_phid=VALUES(owner_phid),
      points=VALUES(points)`,
		watchlistID, t.ID, t.Name, t.Status, t.Priority, t.OwnerPHID, t.Points, next)
	return err
}

func (s *Store) Watchlists(ctx context.Context) ([]Watchlist, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM watchlists ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Watchlist
	for rows.Next() {
		var w Watchlist
		if err := rows.Scan(&w.ID, &w.Name, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) WatchlistByID(ctx context.Context, id string) (*Watchlist, error) {
	var w Watchlist
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM watchlists WHERE id=?`, id).
		Scan(&w.ID, &w.Name, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT task_id, title, status, priority, owner_phid, points, position
    FROM watchlist_tasks WHERE watchlist_id=? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var m Member
		var points sql.NullFloat64
		if err := rows.Scan(&m.TaskID, &m.Title, &m.Status, &m.Priority, &m.OwnerPHID, &points, &m.Position); err != nil {
			return nil, err
		}
		if points.Valid {
			p := points.Float64
			m.Points = &p
		}
		w.Tasks = append(w.Tasks, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &w, nil
}
