package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/tagfarm/pkg/api"
)

// Store is a SQLite-backed run history. The orchestrators only append to
// it; nothing here feeds back into scheduling.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		schema, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(schema)); err != nil {
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func statusOf(ok bool) api.RunStatus {
	if ok {
		return api.RunSucceeded
	}
	return api.RunFailed
}

// RecordBake appends a bake report and returns the new run id.
func (s *Store) RecordBake(ctx context.Context, started time.Time, r api.BakeReport) (string, error) {
	return s.insert(ctx, api.RunRecord{
		Kind:      api.RunBake,
		Profile:   r.Profile + "/" + r.Quality,
		Status:    statusOf(r.OK),
		Message:   r.Message,
		StartedAt: started,
		Duration:  r.Duration,
	})
}

// RecordFarm appends a farm report and returns the new run id.
func (s *Store) RecordFarm(ctx context.Context, started time.Time, r api.FarmReport, runErr error) (string, error) {
	msg := fmt.Sprintf("Farm Completed in %d seconds", int(r.DurationSeconds))
	if runErr != nil {
		msg = runErr.Error()
	}
	return s.insert(ctx, api.RunRecord{
		Kind:      api.RunFarm,
		Status:    statusOf(runErr == nil && r.TextureFailures == 0 && r.MaterialFailures == 0),
		Message:   msg,
		Textures:  r.TexturesProcessed,
		Materials: r.MaterialsProcessed,
		StartedAt: started,
		Duration:  time.Duration(r.DurationSeconds * float64(time.Second)),
	})
}

func (s *Store) insert(ctx context.Context, rec api.RunRecord) (string, error) {
	rec.ID = uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, profile, status, message, textures, materials, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Kind), rec.Profile, string(rec.Status), rec.Message,
		rec.Textures, rec.Materials, rec.StartedAt.UnixMilli(), rec.Duration.Milliseconds())
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return rec.ID, nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]api.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, profile, status, message, textures, materials, started_at, duration_ms
		 FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []api.RunRecord
	for rows.Next() {
		var (
			rec              api.RunRecord
			kind, status     string
			startedMs, durMs int64
		)
		if err := rows.Scan(&rec.ID, &kind, &rec.Profile, &status, &rec.Message, &rec.Textures, &rec.Materials, &startedMs, &durMs); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.Kind = api.RunKind(kind)
		rec.Status = api.RunStatus(status)
		rec.StartedAt = time.UnixMilli(startedMs)
		rec.Duration = time.Duration(durMs) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}
