package labeldb

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mindlink/internal/dispatch"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "labels.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func startTestRun(t *testing.T, db *DB) *Run {
	t.Helper()
	r := &Run{
		Pipeline:     "main",
		Source:       "obci_eeg1",
		Channels:     []string{"C3", "Cz", "C4"},
		SampleRate:   250,
		WindowLength: 1000,
		StepLength:   250,
	}
	require.NoError(t, db.StartRun(r))
	return r
}

func TestMigrations(t *testing.T) {
	db := newTestDB(t)

	status, err := db.GetMigrationStatus(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(2), status.Current)
	assert.Equal(t, uint(2), status.Latest)
	assert.False(t, status.Dirty)
	assert.Zero(t, status.Pending())

	require.NoError(t, db.MigrateDown(MigrationsFS()))
	v, _, err := db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'classifications'`).Scan(&n))
	assert.Zero(t, n)

	require.NoError(t, db.MigrateUp(MigrationsFS()))
	// idempotent
	require.NoError(t, db.MigrateUp(MigrationsFS()))
	v, _, err = db.MigrateVersion(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
}

func TestOpenDBLeavesSchemaAlone(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	defer db.Close()

	status, err := db.GetMigrationStatus(MigrationsFS())
	require.NoError(t, err)
	assert.Equal(t, uint(0), status.Current)
	assert.Equal(t, uint(2), status.Pending())
	assert.Equal(t, "version 0 of 2", status.String())
}

func TestRuns(t *testing.T) {
	db := newTestDB(t)
	r := startTestRun(t, db)
	assert.NotEmpty(t, r.ID)

	end := r.StartedAt.Add(time.Minute)
	require.NoError(t, db.EndRun(r.ID, end))
	assert.ErrorIs(t, db.EndRun("nope", end), ErrRunNotFound)

	runs, err := db.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	got := runs[0]
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, []string{"C3", "Cz", "C4"}, got.Channels)
	assert.Equal(t, 250.0, got.SampleRate)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, end.UnixNano(), got.EndedAt.UnixNano())
}

func TestSinkAndRecent(t *testing.T) {
	db := newTestDB(t)
	r := startTestRun(t, db)
	sink := Sink{DB: db}

	base := time.Unix(1700000000, 0)
	labels := []string{"left", "right", "left"}
	for i, label := range labels {
		require.NoError(t, sink.Publish(dispatch.Publication{
			RunID:         r.ID,
			Window:        uint64(i + 1),
			Label:         label,
			Probabilities: map[string]float64{"left": 0.5, "right": 0.5},
			EndSample:     int64(1000 + 250*i),
			Time:          base.Add(time.Duration(i) * time.Second),
		}))
	}

	recent, err := db.Recent(r.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(3), recent[0].Window)
	assert.Equal(t, uint64(2), recent[1].Window)
	assert.Equal(t, int64(1500), recent[0].EndSample)
	if diff := cmp.Diff(map[string]float64{"left": 0.5, "right": 0.5}, recent[0].Probabilities); diff != "" {
		t.Errorf("probabilities mismatch (-want +got):\n%s", diff)
	}

	all, err := db.Recent("", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	counts, err := db.LabelCounts(r.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"left": 2, "right": 1}, counts)
}

func TestDuplicateWindowRejected(t *testing.T) {
	db := newTestDB(t)
	r := startTestRun(t, db)
	c := &Classification{RunID: r.ID, Window: 1, Label: "a", Probabilities: map[string]float64{"a": 1}}
	require.NoError(t, db.RecordClassification(c))
	assert.NotZero(t, c.ID)

	dup := &Classification{RunID: r.ID, Window: 1, Label: "b", Probabilities: map[string]float64{"b": 1}}
	assert.Error(t, db.RecordClassification(dup))
}

func TestRecordRequiresRun(t *testing.T) {
	db := newTestDB(t)
	err := db.RecordClassification(&Classification{RunID: "missing", Window: 1, Label: "a"})
	assert.Error(t, err, "foreign key should reject unknown runs")
}

func TestAttachAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	r := startTestRun(t, db)
	require.NoError(t, db.RecordClassification(&Classification{
		RunID: r.ID, Window: 1, Label: "left", Probabilities: map[string]float64{"left": 1},
	}))

	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "127.0.0.1:12345"
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		return w
	}

	t.Run("labels", func(t *testing.T) {
		w := get("/debug/labels?run=" + r.ID + "&n=5")
		require.Equal(t, http.StatusOK, w.Code)
		var got []Classification
		require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
		require.Len(t, got, 1)
		assert.Equal(t, "left", got[0].Label)
	})

	t.Run("labels bad n", func(t *testing.T) {
		w := get("/debug/labels?n=zero")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), `"error"`)
	})

	t.Run("backup", func(t *testing.T) {
		w := get("/debug/backup")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
		zr, err := gzip.NewReader(bytes.NewReader(w.Body.Bytes()))
		require.NoError(t, err)
		raw, err := io.ReadAll(zr)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(raw, []byte("SQLite format 3")))
	})

	t.Run("tailsql", func(t *testing.T) {
		w := get("/debug/tailsql/")
		assert.NotEqual(t, http.StatusNotFound, w.Code)
	})
}

func TestRunMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")

	var out bytes.Buffer
	require.NoError(t, RunMigrateCommand(&out, []string{"status"}, path))
	assert.Contains(t, out.String(), "2 migration(s) pending")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, []string{"up"}, path))
	assert.Contains(t, out.String(), "Current version: 2")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, []string{"version", "1"}, path))
	assert.Contains(t, out.String(), "Migrated to version 1")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, []string{"force", "2"}, path))

	assert.Error(t, RunMigrateCommand(&out, []string{"version", "x"}, path))
	assert.Error(t, RunMigrateCommand(&out, []string{"bogus"}, path))
	assert.Error(t, RunMigrateCommand(&out, nil, path))

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, []string{"help"}, path))
	assert.Contains(t, out.String(), "Usage: mindlink migrate")
}
