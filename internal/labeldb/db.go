// Package labeldb keeps a SQLite log of every classified window, grouped by
// pipeline run.
package labeldb

import (
	"compress/gzip"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/mindlink/internal/dispatch"
	"github.com/banshee-data/mindlink/internal/httputil"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// ErrRunNotFound is returned when a run ID is not present in the runs table.
var ErrRunNotFound = errors.New("run not found")

// MigrationsFS returns the embedded migration files rooted at the migrations
// directory.
func MigrationsFS() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		// the embed pattern guarantees the directory exists
		panic(err)
	}
	return sub
}

type DB struct {
	*sql.DB
	path string
}

// dsnPragmas are applied by the driver to every pooled connection.
var dsnPragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(ON)",
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range dsnPragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// OpenDB opens the database without touching the schema. The migrate
// subcommand uses it so migrations stay in control.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// NewDB opens the database and applies every pending migration.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string { return db.path }

// Run is one dispatcher session against one source.
type Run struct {
	ID           string     `json:"run_id"`
	Pipeline     string     `json:"pipeline"`
	Source       string     `json:"source"`
	Channels     []string   `json:"channels"`
	SampleRate   float64    `json:"sample_rate"`
	WindowLength int        `json:"window_length"`
	StepLength   int        `json:"step_length"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// StartRun inserts r, assigning a new ID and start time when they are unset.
func (db *DB) StartRun(r *Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	channels, err := json.Marshal(r.Channels)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO runs (run_id, pipeline, source_name, channels_json, sample_rate,
			window_length, step_length, started_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Pipeline, r.Source, string(channels), r.SampleRate,
		r.WindowLength, r.StepLength, r.StartedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", r.ID, err)
	}
	return nil
}

// EndRun stamps the run's end time.
func (db *DB) EndRun(id string, at time.Time) error {
	res, err := db.Exec(`UPDATE runs SET ended_unix_nanos = ? WHERE run_id = ?`, at.UnixNano(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// Runs returns every run, newest first.
func (db *DB) Runs() ([]Run, error) {
	rows, err := db.Query(`
		SELECT run_id, pipeline, source_name, channels_json, sample_rate,
			window_length, step_length, started_unix_nanos, ended_unix_nanos
		FROM runs ORDER BY started_unix_nanos DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			channels string
			started  int64
			ended    sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Pipeline, &r.Source, &channels, &r.SampleRate,
			&r.WindowLength, &r.StepLength, &started, &ended); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(channels), &r.Channels); err != nil {
			return nil, fmt.Errorf("run %s: bad channels_json: %w", r.ID, err)
		}
		r.StartedAt = time.Unix(0, started)
		if ended.Valid {
			t := time.Unix(0, ended.Int64)
			r.EndedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Classification is one persisted window result.
type Classification struct {
	ID            int64              `json:"id"`
	RunID         string             `json:"run_id"`
	Window        uint64             `json:"window"`
	Label         string             `json:"label"`
	Probabilities map[string]float64 `json:"probabilities"`
	EndSample     int64              `json:"end_sample"`
	CreatedAt     time.Time          `json:"created_at"`
}

// RecordClassification inserts c and fills in its ID.
func (db *DB) RecordClassification(c *Classification) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	probs, err := json.Marshal(c.Probabilities)
	if err != nil {
		return err
	}
	res, err := db.Exec(`
		INSERT INTO classifications (run_id, window_index, label, probabilities_json,
			end_sample, created_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.RunID, c.Window, c.Label, string(probs), c.EndSample, c.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record window %d of run %s: %w", c.Window, c.RunID, err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

const defaultRecent = 100

// Recent returns up to n classifications, newest first. An empty runID
// matches every run.
func (db *DB) Recent(runID string, n int) ([]Classification, error) {
	if n <= 0 {
		n = defaultRecent
	}
	query := `
		SELECT classification_id, run_id, window_index, label, probabilities_json,
			end_sample, created_unix_nanos
		FROM classifications`
	args := []interface{}{}
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY created_unix_nanos DESC, classification_id DESC LIMIT ?`
	args = append(args, n)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Classification
	for rows.Next() {
		var (
			c       Classification
			probs   string
			created int64
		)
		if err := rows.Scan(&c.ID, &c.RunID, &c.Window, &c.Label, &probs, &c.EndSample, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(probs), &c.Probabilities); err != nil {
			return nil, fmt.Errorf("classification %d: bad probabilities_json: %w", c.ID, err)
		}
		c.CreatedAt = time.Unix(0, created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// LabelCounts returns how many windows of a run received each label.
func (db *DB) LabelCounts(runID string) (map[string]int, error) {
	rows, err := db.Query(`
		SELECT label, COUNT(*) FROM classifications WHERE run_id = ? GROUP BY label`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, err
		}
		counts[label] = n
	}
	return counts, rows.Err()
}

// Sink records every publication under its run ID.
type Sink struct {
	DB *DB
}

func (s Sink) Publish(p dispatch.Publication) error {
	return s.DB.RecordClassification(&Classification{
		RunID:         p.RunID,
		Window:        p.Window,
		Label:         p.Label,
		Probabilities: p.Probabilities,
		EndSample:     p.EndSample,
		CreatedAt:     p.Time,
	})
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Label DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.HandleFunc("labels", "Most recent classifications (JSON, ?run=&n=)", func(w http.ResponseWriter, r *http.Request) {
		n, err := httputil.QueryInt(r, "n", defaultRecent, 1, 10000)
		if err != nil {
			httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		recent, err := db.Recent(r.URL.Query().Get("run"), n)
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to query classifications: %v", err))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, recent)
	})

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		backupPath := filepath.Join(os.TempDir(), name)
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer backupFile.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
		w.Header().Set("Content-Type", "application/octet-stream")

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			log.Printf("backup: copy failed: %v", err)
		}
	}))
}
