// Package storage 将任务运行记录与设备快照持久化到本地 SQLite。
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/httprunner/EmuAgent/internal/config"
	"github.com/httprunner/EmuAgent/internal/device"
	"github.com/httprunner/EmuAgent/internal/event"
)

const (
	runsTable    = "task_runs"
	devicesTable = "devices"

	defaultDBDirName  = ".emuagent"
	defaultDBFileName = "emuagent.sqlite"
)

// RunStore keeps task run history and device snapshots inside SQLite.
type RunStore struct {
	db        *sql.DB
	upsertRun *sql.Stmt
	upsertDev *sql.Stmt
	path      string
}

// ResolveDatabasePath returns EMUAGENT_DB_PATH or ~/.emuagent/emuagent.sqlite,
// creating the parent directory if necessary.
func ResolveDatabasePath() (string, error) {
	if custom := config.String(config.EnvDBPath, ""); custom != "" {
		if err := ensureDirExists(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "storage: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDirExists(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

func ensureDirExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errors.Wrapf(err, "storage: create dir %s failed", path)
	}
	return nil
}

// Open opens (or creates) the database at path. An empty path resolves via
// ResolveDatabasePath.
func Open(path string) (*RunStore, error) {
	if strings.TrimSpace(path) == "" {
		resolved, err := ResolveDatabasePath()
		if err != nil {
			return nil, err
		}
		path = resolved
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	store := &RunStore{db: db, path: path}
	if store.upsertRun, err = db.Prepare(runUpsertSQL()); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "prepare task run upsert failed")
	}
	if store.upsertDev, err = db.Prepare(deviceUpsertSQL()); err != nil {
		store.upsertRun.Close()
		db.Close()
		return nil, errors.Wrap(err, "prepare device upsert failed")
	}
	return store, nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=60000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
"run_id" TEXT PRIMARY KEY,
"task_key" TEXT NOT NULL,
"scope" TEXT,
"task" TEXT,
"serial" TEXT,
"routine" TEXT,
"status" TEXT NOT NULL,
"outcome" TEXT,
"step" TEXT,
"message" TEXT,
"error" TEXT,
"host" TEXT,
"started_at" TEXT,
"finished_at" TEXT,
"elapsed_ms" INTEGER,
"updated_at" TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);`, quoteIdent(runsTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
"serial" TEXT PRIMARY KEY,
"status" TEXT,
"os_version" TEXT,
"is_root" TEXT,
"provider_uuid" TEXT,
"agent_version" TEXT,
"worker_state" TEXT,
"queue_depth" INTEGER,
"current_task" TEXT,
"last_seen_at" TEXT,
"updated_at" TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);`, quoteIdent(devicesTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s("task_key");`, quoteIdent("idx_"+runsTable+"_task_key"), quoteIdent(runsTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s("status");`, quoteIdent("idx_"+runsTable+"_status"), quoteIdent(runsTable)),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "create emuagent schema failed")
		}
	}
	// older databases predate the host column
	return ensureColumnExists(db, runsTable, "host", "TEXT")
}

var runColumns = []string{
	"run_id", "task_key", "scope", "task", "serial", "routine", "status", "outcome",
	"step", "message", "error", "host", "started_at", "finished_at", "elapsed_ms",
}

var deviceColumns = []string{
	"serial", "status", "os_version", "is_root", "provider_uuid", "agent_version",
	"worker_state", "queue_depth", "current_task", "last_seen_at",
}

func upsertSQL(table string, columns []string) string {
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	sets := make([]string, 0, len(columns))
	for i, col := range columns {
		quoted[i] = quoteIdent(col)
		placeholders[i] = "?"
		if i == 0 {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s=COALESCE(excluded.%s, %s)", quoteIdent(col), quoteIdent(col), quoteIdent(col)))
	}
	sets = append(sets, `"updated_at"=CURRENT_TIMESTAMP`)
	return fmt.Sprintf("INSERT INTO %s (%s, \"updated_at\") VALUES (%s, CURRENT_TIMESTAMP) ON CONFLICT(%s) DO UPDATE SET %s",
		quoteIdent(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "),
		quoteIdent(columns[0]), strings.Join(sets, ", "))
}

func runUpsertSQL() string { return upsertSQL(runsTable, runColumns) }
func deviceUpsertSQL() string { return upsertSQL(devicesTable, deviceColumns) }

// Path returns the database file path.
func (s *RunStore) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// RecordTask upserts one run row keyed by run id.
func (s *RunStore) RecordTask(ctx context.Context, ev event.Task) error {
	if s == nil {
		return nil
	}
	if strings.TrimSpace(ev.RunID) == "" {
		return errors.New("storage: task event missing run id")
	}
	elapsed := sql.NullInt64{}
	if ev.Elapsed > 0 {
		elapsed = sql.NullInt64{Int64: ev.Elapsed.Milliseconds(), Valid: true}
	}
	args := []any{
		ev.RunID,
		ev.Key,
		nullableString(ev.Scope),
		nullableString(ev.Task),
		nullableString(ev.Serial),
		nullableString(ev.Routine),
		string(ev.Status),
		nullableString(ev.Outcome),
		nullableString(ev.Step),
		nullableString(ev.Message),
		nullableString(ev.Error),
		nullableString(ev.Host),
		formatTime(ev.StartedAt),
		formatTime(ev.FinishedAt),
		elapsed,
	}
	_, err := s.upsertRun.ExecContext(ctx, args...)
	if err != nil {
		log.Debug().Str("sql", formatSQLForLog(runUpsertSQL(), args...)).Msg("storage: failed statement")
		return errors.Wrapf(err, "upsert task run %s failed", ev.RunID)
	}
	return nil
}

// UpsertDevices stores the latest device snapshots.
func (s *RunStore) UpsertDevices(ctx context.Context, devices []device.InfoUpdate) error {
	if s == nil {
		return nil
	}
	for _, d := range devices {
		if strings.TrimSpace(d.DeviceSerial) == "" {
			continue
		}
		args := []any{
			d.DeviceSerial,
			nullableString(d.Status),
			nullableString(d.OSVersion),
			nullableString(d.IsRoot),
			nullableString(d.ProviderUUID),
			nullableString(d.AgentVersion),
			nullableString(d.WorkerState),
			d.QueueDepth,
			nullableString(d.CurrentTask),
			formatTime(d.LastSeenAt),
		}
		if _, err := s.upsertDev.ExecContext(ctx, args...); err != nil {
			log.Debug().Str("sql", formatSQLForLog(deviceUpsertSQL(), args...)).Msg("storage: failed statement")
			return errors.Wrapf(err, "upsert device %s failed", d.DeviceSerial)
		}
	}
	return nil
}

// RunRow is one stored task run.
type RunRow struct {
	RunID      string
	Key        string
	Serial     string
	Routine    string
	Status     string
	Outcome    string
	Step       string
	Error      string
	StartedAt  string
	FinishedAt string
	ElapsedMS  int64
}

// RecentRuns returns the newest runs, optionally filtered by task key.
func (s *RunStore) RecentRuns(ctx context.Context, key string, limit int) ([]RunRow, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT "run_id", "task_key", COALESCE("serial", ''), COALESCE("routine", ''), "status",
COALESCE("outcome", ''), COALESCE("step", ''), COALESCE("error", ''), COALESCE("started_at", ''),
COALESCE("finished_at", ''), COALESCE("elapsed_ms", 0) FROM %s`, quoteIdent(runsTable))
	args := []any{}
	if strings.TrimSpace(key) != "" {
		query += ` WHERE "task_key" = ?`
		args = append(args, strings.TrimSpace(key))
	}
	query += ` ORDER BY "started_at" DESC, "updated_at" DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query task runs failed")
	}
	defer rows.Close()
	var out []RunRow
	for rows.Next() {
		var r RunRow
		if err := rows.Scan(&r.RunID, &r.Key, &r.Serial, &r.Routine, &r.Status, &r.Outcome,
			&r.Step, &r.Error, &r.StartedAt, &r.FinishedAt, &r.ElapsedMS); err != nil {
			return nil, errors.Wrap(err, "scan task run failed")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate task runs failed")
	}
	return out, nil
}

// Close releases sqlite resources.
func (s *RunStore) Close() error {
	if s == nil {
		return nil
	}
	if s.upsertRun != nil {
		s.upsertRun.Close()
	}
	if s.upsertDev != nil {
		s.upsertDev.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullableString(value string) sql.NullString {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: trimmed, Valid: true}
}

func formatTime(ts time.Time) sql.NullString {
	if ts.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: ts.UTC().Format(time.RFC3339Nano), Valid: true}
}

func ensureColumnExists(db *sql.DB, table, column, columnType string) error {
	exists, err := columnExists(db, table, column)
	if err != nil || exists {
		return err
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(table), quoteIdent(column), columnType)
	if _, err := db.Exec(stmt); err != nil {
		return errors.Wrapf(err, "add column %s to table %s failed", column, table)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s);", quoteIdent(table)))
	if err != nil {
		return false, errors.Wrap(err, "query table schema failed")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, errors.Wrap(err, "scan table schema failed")
		}
		if strings.EqualFold(strings.TrimSpace(name), column) {
			return true, nil
		}
	}
	return false, errors.Wrap(rows.Err(), "iterate table schema failed")
}

func quoteIdent(name string) string {
	escaped := strings.ReplaceAll(strings.TrimSpace(name), "\"", "\"\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
