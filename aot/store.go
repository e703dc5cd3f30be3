package aot

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoRuns indicates the store holds no recorded runs.
var ErrNoRuns = errors.New("no recorded runs")

// Store persists prelink results in SQLite so runs can be compared.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens the result database, creating it and its directory if
// needed.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS prelink_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			started_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS prelink_results (
			run_id INTEGER NOT NULL REFERENCES prelink_runs(id),
			descriptor TEXT NOT NULL,
			container TEXT NOT NULL,
			status TEXT NOT NULL,
			verdict TEXT NOT NULL,
			ok INTEGER NOT NULL,
			failure TEXT NOT NULL,
			elapsed_us INTEGER NOT NULL,
			PRIMARY KEY (run_id, descriptor)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating tables: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// BeginRun records a new run and returns its id.
func (s *Store) BeginRun(startedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"INSERT INTO prelink_runs (started_at) VALUES (?)",
		startedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("recording run: %w", err)
	}
	return res.LastInsertId()
}

// Record persists one class result under the given run.
func (s *Store) Record(runID int64, r Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO prelink_results
		 (run_id, descriptor, container, status, verdict, ok, failure, elapsed_us)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, r.Descriptor, r.Container, r.Status, r.Verdict, r.OK, r.Failure,
		r.Elapsed.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("recording %s: %w", r.Descriptor, err)
	}
	return nil
}

// LatestRun returns the id of the most recent run.
func (s *Store) LatestRun() (int64, error) {
	var id int64
	err := s.db.QueryRow("SELECT id FROM prelink_runs ORDER BY id DESC LIMIT 1").Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoRuns
	}
	if err != nil {
		return 0, fmt.Errorf("querying runs: %w", err)
	}
	return id, nil
}

// PreviousRun returns the id of the run immediately before the given
// one.
func (s *Store) PreviousRun(before int64) (int64, error) {
	var id int64
	err := s.db.QueryRow(
		"SELECT id FROM prelink_runs WHERE id < ? ORDER BY id DESC LIMIT 1", before,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoRuns
	}
	if err != nil {
		return 0, fmt.Errorf("querying runs: %w", err)
	}
	return id, nil
}

// StatusCounts returns the number of classes per settled status for a
// run.
func (s *Store) StatusCounts(runID int64) (map[string]int, error) {
	rows, err := s.db.Query(
		"SELECT status, COUNT(*) FROM prelink_results WHERE run_id = ? GROUP BY status", runID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning counts: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// FailedClasses returns the classes that did not prelink cleanly in a
// run, ordered by descriptor.
func (s *Store) FailedClasses(runID int64) ([]Result, error) {
	rows, err := s.db.Query(
		`SELECT descriptor, container, status, verdict, failure, elapsed_us
		 FROM prelink_results WHERE run_id = ? AND ok = 0 ORDER BY descriptor`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying failures: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var us int64
		if err := rows.Scan(&r.Descriptor, &r.Container, &r.Status, &r.Verdict, &r.Failure, &us); err != nil {
			return nil, fmt.Errorf("scanning failures: %w", err)
		}
		r.Elapsed = time.Duration(us) * time.Microsecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// Change describes a class whose settled status differs between two
// runs. An empty side means the class was absent from that run.
type Change struct {
	Descriptor string
	From       string
	To         string
}

// Changes compares two runs and returns the classes whose outcome
// differs, ordered by descriptor.
func (s *Store) Changes(fromRun, toRun int64) ([]Change, error) {
	from, err := s.runStatuses(fromRun)
	if err != nil {
		return nil, err
	}
	to, err := s.runStatuses(toRun)
	if err != nil {
		return nil, err
	}

	var out []Change
	for desc, st := range from {
		if to[desc] != st {
			out = append(out, Change{Descriptor: desc, From: st, To: to[desc]})
		}
	}
	for desc, st := range to {
		if _, ok := from[desc]; !ok {
			out = append(out, Change{Descriptor: desc, To: st})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor < out[j].Descriptor })
	return out, nil
}

func (s *Store) runStatuses(runID int64) (map[string]string, error) {
	rows, err := s.db.Query(
		"SELECT descriptor, status FROM prelink_results WHERE run_id = ?", runID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying run %d: %w", runID, err)
	}
	defer rows.Close()

	statuses := make(map[string]string)
	for rows.Next() {
		var desc, status string
		if err := rows.Scan(&desc, &status); err != nil {
			return nil, fmt.Errorf("scanning run %d: %w", runID, err)
		}
		statuses[desc] = status
	}
	return statuses, rows.Err()
}
