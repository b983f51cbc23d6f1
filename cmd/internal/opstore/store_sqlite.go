package opstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by a single SQLite file, for single-node
// deployments that do not want to run Postgres.
//
// Ownership model:
// - SQLiteStore owns its *sql.DB; Close releases it.
//
// Schema model:
//   - Open applies the embedded DDL, so a fresh file is ready immediately.
//     There is no migration tooling here; schema evolution for SQLite
//     deployments means recreating the file or altering it by hand.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS grants (
  key         TEXT PRIMARY KEY,
  grant_type  TEXT NOT NULL,
  subject_id  TEXT NOT NULL DEFAULT '',
  client_id   TEXT NOT NULL,
  session_id  TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  created_at  INTEGER NOT NULL,
  expiration  INTEGER,
  consumed_at INTEGER,
  data        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_grants_expiration ON grants (expiration);
CREATE INDEX IF NOT EXISTS idx_grants_consumed_at ON grants (consumed_at);
CREATE INDEX IF NOT EXISTS idx_grants_subject_client ON grants (subject_id, client_id);

CREATE TABLE IF NOT EXISTS device_codes (
  device_code TEXT PRIMARY KEY,
  user_code   TEXT NOT NULL UNIQUE,
  subject_id  TEXT NOT NULL DEFAULT '',
  client_id   TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  created_at  INTEGER NOT NULL,
  expiration  INTEGER NOT NULL,
  data        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_device_codes_expiration ON device_codes (expiration);
`

// OpenSQLiteStore opens (creating if needed) a SQLite-backed Store at
// path and applies the embedded schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("opstore: empty sqlite path")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// modernc's driver is in-process; a single connection avoids
	// SQLITE_BUSY churn between the janitor and the serving path.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// PutGrant upserts a grant by its key.
func (s *SQLiteStore) PutGrant(ctx context.Context, g Grant) error {
	if s == nil || s.db == nil {
		return errors.New("opstore: nil store")
	}
	if g.Key == "" || g.Type == "" || g.ClientID == "" {
		return errors.New("invalid grant")
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO grants (key, grant_type, subject_id, client_id, session_id, description, created_at, expiration, consumed_at, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
		   grant_type  = excluded.grant_type,
		   subject_id  = excluded.subject_id,
		   client_id   = excluded.client_id,
		   session_id  = excluded.session_id,
		   description = excluded.description,
		   expiration  = excluded.expiration,
		   consumed_at = excluded.consumed_at,
		   data        = excluded.data`,
		g.Key, g.Type, g.SubjectID, g.ClientID, g.SessionID, g.Description,
		toMillis(g.CreatedAt), toNullMillis(g.Expiration), toNullMillis(g.ConsumedAt), g.Data,
	)
	if err != nil {
		return fmt.Errorf("put grant: %w", err)
	}
	return nil
}

// GetGrant returns a grant by key, or ErrNotFound.
func (s *SQLiteStore) GetGrant(ctx context.Context, key string) (Grant, error) {
	if s == nil || s.db == nil {
		return Grant{}, errors.New("opstore: nil store")
	}
	if key == "" {
		return Grant{}, errors.New("missing key")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT key, grant_type, subject_id, client_id, session_id, description, created_at, expiration, consumed_at, data
		   FROM grants WHERE key = ?`, key)

	g, err := scanSQLiteGrant(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Grant{}, ErrNotFound
	}
	if err != nil {
		return Grant{}, err
	}
	return g, nil
}

// ListGrants returns grants matching the filter, oldest first.
func (s *SQLiteStore) ListGrants(ctx context.Context, f GrantFilter) ([]Grant, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("opstore: nil store")
	}

	where, args := sqliteGrantFilter(f)
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, grant_type, subject_id, client_id, session_id, description, created_at, expiration, consumed_at, data
		   FROM grants`+where+` ORDER BY created_at ASC, key ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSQLiteGrants(rows)
}

// RemoveGrant deletes a single grant, returning ErrNotFound if absent.
func (s *SQLiteStore) RemoveGrant(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return errors.New("opstore: nil store")
	}
	if key == "" {
		return errors.New("missing key")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE key = ?`, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveAllGrants deletes every grant matching the filter. Empty filters
// are rejected.
func (s *SQLiteStore) RemoveAllGrants(ctx context.Context, f GrantFilter) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("opstore: nil store")
	}
	if f.Empty() {
		return 0, ErrEmptyFilter
	}

	where, args := sqliteGrantFilter(f)
	res, err := s.db.ExecContext(ctx, `DELETE FROM grants`+where, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PutDeviceCode upserts a device-flow record by its device code.
func (s *SQLiteStore) PutDeviceCode(ctx context.Context, dc DeviceCode) error {
	if s == nil || s.db == nil {
		return errors.New("opstore: nil store")
	}
	if dc.DeviceCode == "" || dc.UserCode == "" || dc.ClientID == "" {
		return errors.New("invalid device code")
	}
	if dc.Expiration.IsZero() {
		return errors.New("missing device code expiration")
	}
	if dc.CreatedAt.IsZero() {
		dc.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_codes (device_code, user_code, subject_id, client_id, description, created_at, expiration, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (device_code) DO UPDATE SET
		   user_code   = excluded.user_code,
		   subject_id  = excluded.subject_id,
		   client_id   = excluded.client_id,
		   description = excluded.description,
		   expiration  = excluded.expiration,
		   data        = excluded.data`,
		dc.DeviceCode, dc.UserCode, dc.SubjectID, dc.ClientID, dc.Description,
		toMillis(dc.CreatedAt), toMillis(dc.Expiration), dc.Data,
	)
	if err != nil {
		return fmt.Errorf("put device code: %w", err)
	}
	return nil
}

// GetDeviceCodeByUserCode looks up the record bound to a user code.
func (s *SQLiteStore) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (DeviceCode, error) {
	return s.getDeviceCode(ctx, "user_code", userCode)
}

// GetDeviceCodeByDeviceCode looks up a record by its device code.
func (s *SQLiteStore) GetDeviceCodeByDeviceCode(ctx context.Context, deviceCode string) (DeviceCode, error) {
	return s.getDeviceCode(ctx, "device_code", deviceCode)
}

func (s *SQLiteStore) getDeviceCode(ctx context.Context, column, value string) (DeviceCode, error) {
	if s == nil || s.db == nil {
		return DeviceCode{}, errors.New("opstore: nil store")
	}
	if value == "" {
		return DeviceCode{}, errors.New("missing " + column)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT device_code, user_code, subject_id, client_id, description, created_at, expiration, data
		   FROM device_codes WHERE `+column+` = ?`, value)

	dc, err := scanSQLiteDeviceCode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return DeviceCode{}, ErrNotFound
	}
	if err != nil {
		return DeviceCode{}, err
	}
	return dc, nil
}

// UpdateDeviceCodeByUserCode replaces the mutable fields of the record
// bound to userCode, preserving identity fields.
func (s *SQLiteStore) UpdateDeviceCodeByUserCode(ctx context.Context, userCode string, dc DeviceCode) error {
	if s == nil || s.db == nil {
		return errors.New("opstore: nil store")
	}
	if userCode == "" {
		return errors.New("missing user code")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT device_code, user_code, subject_id, client_id, description, created_at, expiration, data
		   FROM device_codes WHERE user_code = ?`, userCode)
	cur, err := scanSQLiteDeviceCode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	cur.SubjectID = dc.SubjectID
	if dc.ClientID != "" {
		cur.ClientID = dc.ClientID
	}
	cur.Description = dc.Description
	cur.Data = dc.Data
	if !dc.Expiration.IsZero() {
		cur.Expiration = dc.Expiration
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE device_codes SET subject_id = ?, client_id = ?, description = ?, expiration = ?, data = ?
		  WHERE user_code = ?`,
		cur.SubjectID, cur.ClientID, cur.Description, toMillis(cur.Expiration), cur.Data, userCode,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveDeviceCode deletes a record by device code, ErrNotFound if absent.
func (s *SQLiteStore) RemoveDeviceCode(ctx context.Context, deviceCode string) error {
	if s == nil || s.db == nil {
		return errors.New("opstore: nil store")
	}
	if deviceCode == "" {
		return errors.New("missing device code")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM device_codes WHERE device_code = ?`, deviceCode)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// QueryExpiredGrants returns up to limit grants with a past expiration,
// ordered by expiration ascending.
func (s *SQLiteStore) QueryExpiredGrants(ctx context.Context, now time.Time, limit int) ([]Grant, error) {
	return s.queryGrants(ctx,
		` WHERE expiration IS NOT NULL AND expiration < ? ORDER BY expiration ASC, key ASC LIMIT ?`,
		now, limit)
}

// QueryConsumedGrants returns up to limit grants consumed in the past,
// ordered by consumed time ascending.
func (s *SQLiteStore) QueryConsumedGrants(ctx context.Context, now time.Time, limit int) ([]Grant, error) {
	return s.queryGrants(ctx,
		` WHERE consumed_at IS NOT NULL AND consumed_at < ? ORDER BY consumed_at ASC, key ASC LIMIT ?`,
		now, limit)
}

func (s *SQLiteStore) queryGrants(ctx context.Context, clause string, now time.Time, limit int) ([]Grant, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("opstore: nil store")
	}
	limit = clampLimit(limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, grant_type, subject_id, client_id, session_id, description, created_at, expiration, consumed_at, data
		   FROM grants`+clause,
		toMillis(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSQLiteGrants(rows)
}

// QueryExpiredDeviceCodes returns up to limit expired device-flow
// records, ordered by expiration ascending.
func (s *SQLiteStore) QueryExpiredDeviceCodes(ctx context.Context, now time.Time, limit int) ([]DeviceCode, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("opstore: nil store")
	}
	limit = clampLimit(limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT device_code, user_code, subject_id, client_id, description, created_at, expiration, data
		   FROM device_codes
		  WHERE expiration < ?
		  ORDER BY expiration ASC, device_code ASC
		  LIMIT ?`,
		toMillis(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]DeviceCode, 0, limit)
	for rows.Next() {
		dc, err := scanSQLiteDeviceCode(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteGrants removes a batch of grants in one transaction, all or
// nothing, reporting already-gone keys as a *ConflictError.
func (s *SQLiteStore) DeleteGrants(ctx context.Context, keys []string) error {
	return s.deleteBatch(ctx, "grants", "key", keys)
}

// DeleteDeviceCodes removes a batch of device-flow records with the same
// semantics as DeleteGrants.
func (s *SQLiteStore) DeleteDeviceCodes(ctx context.Context, codes []string) error {
	return s.deleteBatch(ctx, "device_codes", "device_code", codes)
}

func (s *SQLiteStore) deleteBatch(ctx context.Context, table, column string, keys []string) error {
	if s == nil || s.db == nil {
		return errors.New("opstore: nil store")
	}
	keys = dedupeKeys(keys)
	if len(keys) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	deleted := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+column+` = ?`, k)
		if err != nil {
			return fmt.Errorf("delete batch: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			deleted[k] = struct{}{}
		}
	}

	if missing := conflictKeySet(keys, deleted); len(missing) > 0 {
		return &ConflictError{Keys: missing}
	}

	return tx.Commit()
}

func sqliteGrantFilter(f GrantFilter) (string, []any) {
	conds := make([]string, 0, 4)
	args := make([]any, 0, 4)

	if f.SubjectID != "" {
		conds = append(conds, "subject_id = ?")
		args = append(args, f.SubjectID)
	}
	if f.ClientID != "" {
		conds = append(conds, "client_id = ?")
		args = append(args, f.ClientID)
	}
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = "?"
			args = append(args, t)
		}
		conds = append(conds, "grant_type IN ("+strings.Join(ph, ", ")+")")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanSQLiteGrant(scan func(dest ...any) error) (Grant, error) {
	var (
		g        Grant
		created  int64
		expires  sql.NullInt64
		consumed sql.NullInt64
	)
	if err := scan(
		&g.Key, &g.Type, &g.SubjectID, &g.ClientID, &g.SessionID, &g.Description,
		&created, &expires, &consumed, &g.Data,
	); err != nil {
		return Grant{}, err
	}
	g.CreatedAt = fromMillis(created)
	g.Expiration = fromNullMillis(expires)
	g.ConsumedAt = fromNullMillis(consumed)
	return g, nil
}

func collectSQLiteGrants(rows *sql.Rows) ([]Grant, error) {
	out := make([]Grant, 0, 16)
	for rows.Next() {
		g, err := scanSQLiteGrant(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanSQLiteDeviceCode(scan func(dest ...any) error) (DeviceCode, error) {
	var (
		dc      DeviceCode
		created int64
		expires int64
	)
	if err := scan(
		&dc.DeviceCode, &dc.UserCode, &dc.SubjectID, &dc.ClientID, &dc.Description,
		&created, &expires, &dc.Data,
	); err != nil {
		return DeviceCode{}, err
	}
	dc.CreatedAt = fromMillis(created)
	dc.Expiration = fromMillis(expires)
	return dc, nil
}
