package state

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/yufeng1707/Depth-Estimation/internal/best"
	"github.com/yufeng1707/Depth-Estimation/internal/metrics"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_id   TEXT PRIMARY KEY,
	parent_id     TEXT,
	run_id        TEXT NOT NULL,
	global_step   INTEGER NOT NULL,
	best_values   BLOB NOT NULL,
	best_steps    BLOB NOT NULL,
	metrics_json  TEXT,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (parent_id) REFERENCES snapshots(snapshot_id)
);

CREATE TABLE IF NOT EXISTS provenance_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	snapshot_id   TEXT NOT NULL,
	global_step   INTEGER NOT NULL,
	trigger_type  TEXT NOT NULL,
	decision      TEXT NOT NULL,
	improved      TEXT,
	record_json   TEXT,
	reason        TEXT,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (snapshot_id) REFERENCES snapshots(snapshot_id)
);

CREATE TABLE IF NOT EXISTS active_state (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	snapshot_id   TEXT NOT NULL,
	FOREIGN KEY (snapshot_id) REFERENCES snapshots(snapshot_id)
);
`

// timeFormat is fixed width so created_at sorts as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const snapshotColumns = `snapshot_id, parent_id, run_id, global_step, best_values, best_steps, metrics_json, created_at`

// #endregion schema

// #region store-struct
// Store journals training-state snapshots in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// pragmas are per connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion constructor

// #region new-snapshot
// NewSnapshot returns a child of parent at step with the given records and
// metric vector. It is not stored until committed.
func NewSnapshot(parent Snapshot, step int64, records best.Records, v *metrics.Vector) (Snapshot, error) {
	snap := Snapshot{
		SnapshotID: uuid.New().String(),
		ParentID:   parent.SnapshotID,
		RunID:      parent.RunID,
		GlobalStep: step,
		Best:       records,
		CreatedAt:  time.Now().UTC(),
	}
	if v != nil {
		b, err := encodeMetrics(*v)
		if err != nil {
			return Snapshot{}, err
		}
		snap.MetricsJSON = b
	}
	return snap, nil
}

// #endregion new-snapshot

// #region create-initial
// CreateInitialState journals a root snapshot for a new run. An empty runID
// gets a fresh one.
func (s *Store) CreateInitialState(runID string, step int64, records best.Records) (Snapshot, error) {
	if runID == "" {
		runID = uuid.New().String()
	}
	snap := Snapshot{
		SnapshotID: uuid.New().String(),
		RunID:      runID,
		GlobalStep: step,
		Best:       records,
		CreatedAt:  time.Now().UTC(),
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertSnapshot(tx, snap); err != nil {
		return Snapshot{}, err
	}
	_, err = tx.Exec(
		`INSERT INTO active_state (id, snapshot_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET snapshot_id = excluded.snapshot_id`,
		snap.SnapshotID,
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("set active: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Snapshot{}, fmt.Errorf("commit: %w", err)
	}
	return snap, nil
}

// #endregion create-initial

// #region get-current
// GetCurrent reads the active snapshot.
func (s *Store) GetCurrent() (Snapshot, error) {
	var id string
	err := s.db.QueryRow(`SELECT snapshot_id FROM active_state WHERE id = 1`).Scan(&id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get active: %w", err)
	}
	return s.GetVersion(id)
}

// GetVersion retrieves a snapshot by ID.
func (s *Store) GetVersion(id string) (Snapshot, error) {
	row := s.db.QueryRow(`SELECT `+snapshotColumns+` FROM snapshots WHERE snapshot_id = ?`, id)
	snap, err := scanSnapshot(row)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get version %s: %w", id, err)
	}
	return snap, nil
}

// #endregion get-current

// #region commit-state
// CommitState inserts a snapshot and moves the active pointer to it atomically.
func (s *Store) CommitState(snap Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertSnapshot(tx, snap); err != nil {
		return err
	}
	res, err := tx.Exec(`UPDATE active_state SET snapshot_id = ? WHERE id = 1`, snap.SnapshotID)
	if err != nil {
		return fmt.Errorf("update active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.Exec(`INSERT INTO active_state (id, snapshot_id) VALUES (1, ?)`, snap.SnapshotID); err != nil {
			return fmt.Errorf("set active: %w", err)
		}
	}
	return tx.Commit()
}

// #endregion commit-state

// #region rollback
// Rollback sets the active pointer to a previous snapshot.
func (s *Store) Rollback(targetID string) error {
	var exists int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM snapshots WHERE snapshot_id = ?`, targetID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check version: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("version %s not found", targetID)
	}

	_, err = s.db.Exec(`UPDATE active_state SET snapshot_id = ? WHERE id = 1`, targetID)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// #endregion rollback

// #region list-versions
// ListVersions returns the most recent snapshots, newest first.
func (s *Store) ListVersions(limit int) ([]Snapshot, error) {
	rows, err := s.db.Query(
		`SELECT `+snapshotColumns+` FROM snapshots ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// ListVersionsWithProvenance returns the most recent snapshots with the
// fields of their latest provenance row, newest first.
func (s *Store) ListVersionsWithProvenance(limit int) ([]SnapshotWithProvenance, error) {
	rows, err := s.db.Query(
		`SELECT `+prefixed("s.")+`, p.trigger_type, p.decision, p.improved, p.record_json, p.reason
		 FROM snapshots s
		 LEFT JOIN provenance_log p ON p.id = (
			SELECT MAX(id) FROM provenance_log WHERE snapshot_id = s.snapshot_id)
		 ORDER BY s.created_at DESC, s.rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []SnapshotWithProvenance
	for rows.Next() {
		sp, err := scanWithProvenance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// GetVersionWithProvenance retrieves one snapshot with its latest provenance row.
func (s *Store) GetVersionWithProvenance(id string) (SnapshotWithProvenance, error) {
	row := s.db.QueryRow(
		`SELECT `+prefixed("s.")+`, p.trigger_type, p.decision, p.improved, p.record_json, p.reason
		 FROM snapshots s
		 LEFT JOIN provenance_log p ON p.id = (
			SELECT MAX(id) FROM provenance_log WHERE snapshot_id = s.snapshot_id)
		 WHERE s.snapshot_id = ?`, id,
	)
	sp, err := scanWithProvenance(row)
	if err != nil {
		return SnapshotWithProvenance{}, fmt.Errorf("get version %s: %w", id, err)
	}
	return sp, nil
}

// ListProvenance returns the provenance rows of a run's snapshots in
// insertion order. An empty runID lists every run.
func (s *Store) ListProvenance(runID string) ([]ProvenanceTag, error) {
	rows, err := s.db.Query(
		`SELECT p.snapshot_id, p.global_step, p.trigger_type, p.decision, p.improved, p.record_json, p.reason, p.created_at
		 FROM provenance_log p JOIN snapshots s ON s.snapshot_id = p.snapshot_id
		 WHERE ? = '' OR s.run_id = ?
		 ORDER BY p.id`, runID, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list provenance: %w", err)
	}
	defer rows.Close()

	var out []ProvenanceTag
	for rows.Next() {
		var tag ProvenanceTag
		var improved, record, reason sql.NullString
		var created string
		if err := rows.Scan(&tag.SnapshotID, &tag.GlobalStep, &tag.TriggerType, &tag.Decision,
			&improved, &record, &reason, &created); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		tag.Improved = improved.String
		tag.RecordJSON = record.String
		tag.Reason = reason.String
		tag.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, tag)
	}
	return out, rows.Err()
}

// #endregion list-versions

// #region row-helpers
type scanner interface {
	Scan(dest ...any) error
}

func prefixed(p string) string {
	return p + "snapshot_id, " + p + "parent_id, " + p + "run_id, " + p + "global_step, " +
		p + "best_values, " + p + "best_steps, " + p + "metrics_json, " + p + "created_at"
}

func snapshotDest(snap *Snapshot, parent, metricsJSON *sql.NullString, values, steps *[]byte, created *string) []any {
	return []any{&snap.SnapshotID, parent, &snap.RunID, &snap.GlobalStep, values, steps, metricsJSON, created}
}

func fillSnapshot(snap *Snapshot, parent, metricsJSON sql.NullString, values, steps []byte, created string) error {
	snap.ParentID = parent.String
	snap.MetricsJSON = metricsJSON.String
	r, err := decodeRecords(values, steps)
	if err != nil {
		return err
	}
	snap.Best = r
	snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return nil
}

func scanSnapshot(row scanner) (Snapshot, error) {
	var snap Snapshot
	var parent, metricsJSON sql.NullString
	var values, steps []byte
	var created string
	if err := row.Scan(snapshotDest(&snap, &parent, &metricsJSON, &values, &steps, &created)...); err != nil {
		return Snapshot{}, err
	}
	if err := fillSnapshot(&snap, parent, metricsJSON, values, steps, created); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func scanWithProvenance(row scanner) (SnapshotWithProvenance, error) {
	var sp SnapshotWithProvenance
	var parent, metricsJSON sql.NullString
	var values, steps []byte
	var created string
	var trigger, decision, improved, record, reason sql.NullString
	dest := append(snapshotDest(&sp.Snapshot, &parent, &metricsJSON, &values, &steps, &created),
		&trigger, &decision, &improved, &record, &reason)
	if err := row.Scan(dest...); err != nil {
		return SnapshotWithProvenance{}, err
	}
	if err := fillSnapshot(&sp.Snapshot, parent, metricsJSON, values, steps, created); err != nil {
		return SnapshotWithProvenance{}, err
	}
	sp.TriggerType = trigger.String
	sp.Decision = decision.String
	sp.Improved = improved.String
	sp.RecordJSON = record.String
	sp.Reason = reason.String
	return sp, nil
}

func insertSnapshot(tx *sql.Tx, snap Snapshot) error {
	var parentPtr any
	if snap.ParentID != "" {
		parentPtr = snap.ParentID
	}
	var metricsPtr any
	if snap.MetricsJSON != "" {
		metricsPtr = snap.MetricsJSON
	}
	values, steps := encodeRecords(snap.Best)
	_, err := tx.Exec(
		`INSERT INTO snapshots (`+snapshotColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.SnapshotID, parentPtr, snap.RunID, snap.GlobalStep, values, steps, metricsPtr,
		snap.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

// #endregion row-helpers

// #region record-encoding
func encodeRecords(r best.Records) (values, steps []byte) {
	values = make([]byte, len(r)*8)
	steps = make([]byte, len(r)*8)
	for i, rec := range r {
		binary.LittleEndian.PutUint64(values[i*8:], math.Float64bits(rec.Value))
		binary.LittleEndian.PutUint64(steps[i*8:], uint64(rec.Step))
	}
	return values, steps
}

func decodeRecords(values, steps []byte) (best.Records, error) {
	var r best.Records
	if len(values) != len(r)*8 || len(steps) != len(r)*8 {
		return r, fmt.Errorf("decode best records: %d value bytes, %d step bytes", len(values), len(steps))
	}
	for i := range r {
		r[i].Value = math.Float64frombits(binary.LittleEndian.Uint64(values[i*8:]))
		r[i].Step = int64(binary.LittleEndian.Uint64(steps[i*8:]))
	}
	return r, nil
}

// #endregion record-encoding
