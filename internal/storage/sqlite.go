package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "tokfresh/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migrations)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendDeployment(ctx context.Context, d Deployment) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	progress, err := json.Marshal(d.Progress)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deployments(id, started_at, finished_at, account_id, namespace_id, script_name, cron, timezone, notify, success, failed_step, err, progress)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.StartedAt.UnixMilli(), d.FinishedAt.UnixMilli(),
		nullStr(d.AccountID), nullStr(d.NamespaceID), nullStr(d.ScriptName),
		d.Cron, d.Timezone, nullStr(d.Notify), boolInt(d.Success),
		nullStr(d.FailedStep), nullStr(d.Error), string(progress),
	)
	return err
}

func (s *sqliteStore) ListDeployments(ctx context.Context, limit int) ([]Deployment, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, account_id, namespace_id, script_name, cron, timezone, notify, success, failed_step, err, progress
		 FROM deployments ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		var (
			d                           Deployment
			started, finished           int64
			account, ns, script, notify sql.NullString
			failed, errText             sql.NullString
			success                     int
			progress                    string
		)
		if err := rows.Scan(&d.ID, &started, &finished, &account, &ns, &script, &d.Cron, &d.Timezone,
			&notify, &success, &failed, &errText, &progress); err != nil {
			return nil, err
		}
		d.StartedAt = time.UnixMilli(started).UTC()
		d.FinishedAt = time.UnixMilli(finished).UTC()
		d.AccountID = account.String
		d.NamespaceID = ns.String
		d.ScriptName = script.String
		d.Notify = notify.String
		d.Success = success != 0
		d.FailedStep = failed.String
		d.Error = errText.String
		if err := json.Unmarshal([]byte(progress), &d.Progress); err != nil {
			return nil, fmt.Errorf("deployment %s: progress: %w", d.ID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Get(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrDisabled
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, strings.TrimSpace(key)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, key, value string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("kv key is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
