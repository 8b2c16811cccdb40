package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // Registers the sqlite3 driver.

	"github.com/oshokin/lab-monitor/internal/domain/monitor"
)

// Repository stores and lists dispatch outcomes.
type Repository interface {
	Save(ctx context.Context, outcome *monitor.Outcome) error
	List(ctx context.Context, limit int) ([]*monitor.Outcome, error)
}

// ErrDisabled is returned by reads when no journal is configured.
var ErrDisabled = errors.New("journal disabled")

// Disabled is the repository used without a database.
type Disabled struct{}

// Save drops the outcome.
func (Disabled) Save(context.Context, *monitor.Outcome) error {
	return nil
}

// List always fails with ErrDisabled.
func (Disabled) List(context.Context, int) ([]*monitor.Outcome, error) {
	return nil, ErrDisabled
}

const (
	// DefaultListLimit is used when List is called with a non-positive limit.
	DefaultListLimit = 50
	// MaxListLimit caps a single List call.
	MaxListLimit = 1000
)

const schema = `
CREATE TABLE IF NOT EXISTS outcomes (
	id                TEXT PRIMARY KEY,
	kind              TEXT    NOT NULL,
	has_detections    INTEGER NOT NULL,
	started_at        INTEGER NOT NULL,
	notify_status     TEXT    NOT NULL,
	notify_error      TEXT    NOT NULL DEFAULT '',
	notify_duration   INTEGER NOT NULL DEFAULT 0,
	record_status     TEXT    NOT NULL,
	record_error      TEXT    NOT NULL DEFAULT '',
	record_duration   INTEGER NOT NULL DEFAULT 0,
	snapshot_status   TEXT    NOT NULL,
	snapshot_error    TEXT    NOT NULL DEFAULT '',
	snapshot_duration INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS outcomes_started_at ON outcomes (started_at DESC);
`

const insertOutcome = `
INSERT INTO outcomes (
	id, kind, has_detections, started_at,
	notify_status, notify_error, notify_duration,
	record_status, record_error, record_duration,
	snapshot_status, snapshot_error, snapshot_duration
) VALUES (
	:id, :kind, :has_detections, :started_at,
	:notify_status, :notify_error, :notify_duration,
	:record_status, :record_error, :record_duration,
	:snapshot_status, :snapshot_error, :snapshot_duration
)`

const selectOutcomes = `
SELECT * FROM outcomes ORDER BY started_at DESC, id LIMIT ?`

// SQLiteRepository keeps outcomes in a SQLite database.
type SQLiteRepository struct {
	// db is the database handle.
	db *sqlx.DB
}

// Open opens or creates the journal database at path.
func Open(ctx context.Context, path string) (*SQLiteRepository, error) {
	path = filepath.Clean(path)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := sqlx.ConnectContext(ctx, "sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	// SQLite allows one writer, serialise through a single connection.
	db.SetMaxOpenConns(1)

	if _, err = db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// Save inserts the outcome.
func (r *SQLiteRepository) Save(ctx context.Context, outcome *monitor.Outcome) error {
	if _, err := r.db.NamedExecContext(ctx, insertOutcome, toRow(outcome)); err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}

	return nil
}

// List returns up to limit outcomes, newest first.
func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]*monitor.Outcome, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	limit = min(limit, MaxListLimit)

	var rows []outcomeRow
	if err := r.db.SelectContext(ctx, &rows, selectOutcomes, limit); err != nil {
		return nil, fmt.Errorf("select outcomes: %w", err)
	}

	outcomes := make([]*monitor.Outcome, 0, len(rows))
	for i := range rows {
		outcomes = append(outcomes, rows[i].toOutcome())
	}

	return outcomes, nil
}

// Close closes the database.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// outcomeRow is the flattened table layout of monitor.Outcome.
type outcomeRow struct {
	ID               string `db:"id"`
	Kind             string `db:"kind"`
	HasDetections    bool   `db:"has_detections"`
	StartedAt        int64  `db:"started_at"`
	NotifyStatus     string `db:"notify_status"`
	NotifyError      string `db:"notify_error"`
	NotifyDuration   int64  `db:"notify_duration"`
	RecordStatus     string `db:"record_status"`
	RecordError      string `db:"record_error"`
	RecordDuration   int64  `db:"record_duration"`
	SnapshotStatus   string `db:"snapshot_status"`
	SnapshotError    string `db:"snapshot_error"`
	SnapshotDuration int64  `db:"snapshot_duration"`
}

func toRow(o *monitor.Outcome) outcomeRow {
	return outcomeRow{
		ID:               o.ID,
		Kind:             string(o.Kind),
		HasDetections:    o.HasDetections,
		StartedAt:        o.StartedAt.UnixNano(),
		NotifyStatus:     string(o.Notify.Status),
		NotifyError:      o.Notify.Error,
		NotifyDuration:   int64(o.Notify.Duration),
		RecordStatus:     string(o.Record.Status),
		RecordError:      o.Record.Error,
		RecordDuration:   int64(o.Record.Duration),
		SnapshotStatus:   string(o.Snapshot.Status),
		SnapshotError:    o.Snapshot.Error,
		SnapshotDuration: int64(o.Snapshot.Duration),
	}
}

func (r *outcomeRow) toOutcome() *monitor.Outcome {
	return &monitor.Outcome{
		ID:            r.ID,
		Kind:          monitor.Kind(r.Kind),
		HasDetections: r.HasDetections,
		StartedAt:     time.Unix(0, r.StartedAt).UTC(),
		Notify: monitor.ActionResult{
			Status:   monitor.ActionStatus(r.NotifyStatus),
			Error:    r.NotifyError,
			Duration: time.Duration(r.NotifyDuration),
		},
		Record: monitor.ActionResult{
			Status:   monitor.ActionStatus(r.RecordStatus),
			Error:    r.RecordError,
			Duration: time.Duration(r.RecordDuration),
		},
		Snapshot: monitor.ActionResult{
			Status:   monitor.ActionStatus(r.SnapshotStatus),
			Error:    r.SnapshotError,
			Duration: time.Duration(r.SnapshotDuration),
		},
	}
}
