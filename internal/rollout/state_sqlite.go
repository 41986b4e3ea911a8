// File: internal/rollout/state_sqlite.go
// Brief: SQLite-backed run history under the workspace root.

package rollout

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const stateSQLiteRelPath = ".rollctl/state.sqlite"

// StateStore persists run records and their event streams so that past runs
// can be listed and inspected after the process exits.
type StateStore struct {
	db       *sql.DB
	path     string
	readOnly bool
}

// RunIndexEntry is one row of the run history listing.
type RunIndexEntry struct {
	RunID       string `json:"runId"`
	Environment string `json:"environment"`
	PlanName    string `json:"planName"`
	Status      string `json:"status"`
	StartedAt   string `json:"startedAt"`
	UpdatedAt   string `json:"updatedAt"`
	Deployed    int    `json:"deployed"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
}

func OpenStateStore(root string, readOnly bool) (*StateStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(absRoot, stateSQLiteRelPath)
	if readOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	dsn := path
	if readOnly {
		u := url.URL{Scheme: "file", Path: path}
		q := u.Query()
		q.Set("mode", "ro")
		q.Set("_busy_timeout", "5000")
		u.RawQuery = q.Encode()
		dsn = u.String()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &StateStore{db: db, path: path, readOnly: readOnly}
	if !readOnly {
		if err := s.initSchema(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *StateStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *StateStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS rollctl_runs (
  run_id TEXT PRIMARY KEY,
  environment TEXT NOT NULL,
  plan_name TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at_ns INTEGER NOT NULL,
  updated_at_ns INTEGER NOT NULL,
  report_json TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS rollctl_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  ts_ns INTEGER NOT NULL,
  stack TEXT NOT NULL,
  type TEXT NOT NULL,
  attempt INTEGER NOT NULL,
  message TEXT NOT NULL,
  error_class TEXT NOT NULL,
  error_message TEXT NOT NULL,
  FOREIGN KEY (run_id) REFERENCES rollctl_runs(run_id) ON DELETE CASCADE
);`,
		`CREATE INDEX IF NOT EXISTS idx_rollctl_events_run_id_id ON rollctl_events(run_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *StateStore) CreateRun(ctx context.Context, runID, environment, planName string) error {
	now := time.Now().UTC().UnixNano()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO rollctl_runs (run_id, environment, plan_name, status, created_at_ns, updated_at_ns, report_json)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, runID, environment, planName, "running", now, now, "{}")
	return err
}

func (s *StateStore) AppendEvent(ctx context.Context, ev Event) error {
	ts, err := time.Parse(time.RFC3339Nano, ev.TS)
	if err != nil {
		ts = time.Now().UTC()
	}
	errClass := ""
	errMsg := ""
	if ev.Error != nil {
		errClass = strings.TrimSpace(ev.Error.Class)
		errMsg = strings.TrimSpace(ev.Error.Message)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO rollctl_events (run_id, ts_ns, stack, type, attempt, message, error_class, error_message)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, ev.RunID, ts.UnixNano(), ev.Stack, string(ev.Type), ev.Attempt, strings.TrimSpace(ev.Message), errClass, errMsg)
	if err != nil {
		return err
	}
	_, _ = s.db.ExecContext(ctx, `UPDATE rollctl_runs SET updated_at_ns = ? WHERE run_id = ?`,
		time.Now().UTC().UnixNano(), ev.RunID)
	return nil
}

// FinalizeRun stores the terminal report and status for a run.
func (s *StateStore) FinalizeRun(ctx context.Context, report *Report) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE rollctl_runs SET status = ?, report_json = ?, updated_at_ns = ? WHERE run_id = ?
`, report.Status, string(raw), time.Now().UTC().UnixNano(), report.RunID)
	return err
}

func (s *StateStore) GetReport(ctx context.Context, runID string) (*Report, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT report_json FROM rollctl_runs WHERE run_id = ?`, runID).Scan(&raw)
	if err != nil {
		return nil, err
	}
	var report Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (s *StateStore) MostRecentRunID(ctx context.Context) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, `SELECT run_id FROM rollctl_runs ORDER BY created_at_ns DESC LIMIT 1`).Scan(&runID)
	return runID, err
}

func (s *StateStore) ListRuns(ctx context.Context, limit int) ([]RunIndexEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, environment, plan_name, status, report_json
FROM rollctl_runs
ORDER BY created_at_ns DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunIndexEntry
	for rows.Next() {
		var id, env, planName, status, raw string
		if err := rows.Scan(&id, &env, &planName, &status, &raw); err != nil {
			return nil, err
		}
		entry := RunIndexEntry{RunID: id, Environment: env, PlanName: planName, Status: status}
		var report Report
		if err := json.Unmarshal([]byte(raw), &report); err == nil && !report.StartedAt.IsZero() {
			entry.StartedAt = report.StartedAt.Format(time.RFC3339)
			entry.UpdatedAt = report.FinishedAt.Format(time.RFC3339)
			for _, st := range report.Stacks {
				switch st.Status {
				case "deployed":
					entry.Deployed++
				case "failed":
					entry.Failed++
				case "skipped":
					entry.Skipped++
				}
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
