package opstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Batch deletions run in one transaction with DELETE ... RETURNING, so a
//     missing target rolls the whole batch back and surfaces a ConflictError.
//     Overlapping janitors stay correct without any advisory locking.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "warden").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("opstore: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("opstore: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "warden",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("opstore: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const grantColumns = `key, grant_type, subject_id, client_id, session_id, description, created_at, expiration, consumed_at, data`

// PutGrant upserts a grant by its key.
func (s *PostgresStore) PutGrant(ctx context.Context, g Grant) error {
	if s == nil || s.pool == nil {
		return errors.New("opstore: nil store")
	}
	if g.Key == "" || g.Type == "" || g.ClientID == "" {
		return errors.New("invalid grant")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}

	grants := pgIdent(s.schema, "grants")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+grants+` (`+grantColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (key) DO UPDATE SET
		   grant_type  = EXCLUDED.grant_type,
		   subject_id  = EXCLUDED.subject_id,
		   client_id   = EXCLUDED.client_id,
		   session_id  = EXCLUDED.session_id,
		   description = EXCLUDED.description,
		   expiration  = EXCLUDED.expiration,
		   consumed_at = EXCLUDED.consumed_at,
		   data        = EXCLUDED.data`,
		g.Key, g.Type, g.SubjectID, g.ClientID, g.SessionID, g.Description,
		g.CreatedAt, g.Expiration, g.ConsumedAt, g.Data,
	)
	if err != nil {
		return fmt.Errorf("put grant: %w", err)
	}
	return nil
}

// GetGrant returns a grant by key, or ErrNotFound.
func (s *PostgresStore) GetGrant(ctx context.Context, key string) (Grant, error) {
	if s == nil || s.pool == nil {
		return Grant{}, errors.New("opstore: nil store")
	}
	if key == "" {
		return Grant{}, errors.New("missing key")
	}
	if err := ctx.Err(); err != nil {
		return Grant{}, err
	}

	grants := pgIdent(s.schema, "grants")

	var g Grant
	err := s.pool.QueryRow(ctx,
		`SELECT `+grantColumns+` FROM `+grants+` WHERE key = $1`,
		key,
	).Scan(
		&g.Key, &g.Type, &g.SubjectID, &g.ClientID, &g.SessionID, &g.Description,
		&g.CreatedAt, &g.Expiration, &g.ConsumedAt, &g.Data,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Grant{}, ErrNotFound
	}
	if err != nil {
		return Grant{}, err
	}
	return g, nil
}

// ListGrants returns grants matching the filter, oldest first.
func (s *PostgresStore) ListGrants(ctx context.Context, f GrantFilter) ([]Grant, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("opstore: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	grants := pgIdent(s.schema, "grants")
	where, args := grantFilterSQL(f)

	rows, err := s.pool.Query(ctx,
		`SELECT `+grantColumns+` FROM `+grants+where+` ORDER BY created_at ASC, key ASC`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanGrants(rows, 0)
}

// RemoveGrant deletes a single grant, returning ErrNotFound if absent.
func (s *PostgresStore) RemoveGrant(ctx context.Context, key string) error {
	if s == nil || s.pool == nil {
		return errors.New("opstore: nil store")
	}
	if key == "" {
		return errors.New("missing key")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	grants := pgIdent(s.schema, "grants")

	tag, err := s.pool.Exec(ctx, `DELETE FROM `+grants+` WHERE key = $1`, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveAllGrants deletes every grant matching the filter and reports
// the number of rows removed. Empty filters are rejected.
func (s *PostgresStore) RemoveAllGrants(ctx context.Context, f GrantFilter) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("opstore: nil store")
	}
	if f.Empty() {
		return 0, ErrEmptyFilter
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	grants := pgIdent(s.schema, "grants")
	where, args := grantFilterSQL(f)

	tag, err := s.pool.Exec(ctx, `DELETE FROM `+grants+where, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const deviceColumns = `device_code, user_code, subject_id, client_id, description, created_at, expiration, data`

// PutDeviceCode upserts a device-flow record by its device code. The
// user code is unique while the record lives, which the table enforces.
func (s *PostgresStore) PutDeviceCode(ctx context.Context, dc DeviceCode) error {
	if s == nil || s.pool == nil {
		return errors.New("opstore: nil store")
	}
	if dc.DeviceCode == "" || dc.UserCode == "" || dc.ClientID == "" {
		return errors.New("invalid device code")
	}
	if dc.Expiration.IsZero() {
		return errors.New("missing device code expiration")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if dc.CreatedAt.IsZero() {
		dc.CreatedAt = time.Now().UTC()
	}

	devices := pgIdent(s.schema, "device_codes")

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+devices+` (`+deviceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (device_code) DO UPDATE SET
		   user_code   = EXCLUDED.user_code,
		   subject_id  = EXCLUDED.subject_id,
		   client_id   = EXCLUDED.client_id,
		   description = EXCLUDED.description,
		   expiration  = EXCLUDED.expiration,
		   data        = EXCLUDED.data`,
		dc.DeviceCode, dc.UserCode, dc.SubjectID, dc.ClientID, dc.Description,
		dc.CreatedAt, dc.Expiration, dc.Data,
	)
	if err != nil {
		return fmt.Errorf("put device code: %w", err)
	}
	return nil
}

// GetDeviceCodeByUserCode looks up the record bound to a user code.
func (s *PostgresStore) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (DeviceCode, error) {
	return s.getDeviceCode(ctx, "user_code", userCode)
}

// GetDeviceCodeByDeviceCode looks up a record by its device code.
func (s *PostgresStore) GetDeviceCodeByDeviceCode(ctx context.Context, deviceCode string) (DeviceCode, error) {
	return s.getDeviceCode(ctx, "device_code", deviceCode)
}

func (s *PostgresStore) getDeviceCode(ctx context.Context, column, value string) (DeviceCode, error) {
	if s == nil || s.pool == nil {
		return DeviceCode{}, errors.New("opstore: nil store")
	}
	if value == "" {
		return DeviceCode{}, errors.New("missing " + column)
	}
	if err := ctx.Err(); err != nil {
		return DeviceCode{}, err
	}

	devices := pgIdent(s.schema, "device_codes")

	var dc DeviceCode
	err := s.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM `+devices+` WHERE `+column+` = $1`,
		value,
	).Scan(
		&dc.DeviceCode, &dc.UserCode, &dc.SubjectID, &dc.ClientID, &dc.Description,
		&dc.CreatedAt, &dc.Expiration, &dc.Data,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return DeviceCode{}, ErrNotFound
	}
	if err != nil {
		return DeviceCode{}, err
	}
	return dc, nil
}

// UpdateDeviceCodeByUserCode replaces the mutable fields of the record
// bound to userCode. Identity fields (device code, user code, creation
// time) keep their stored values.
func (s *PostgresStore) UpdateDeviceCodeByUserCode(ctx context.Context, userCode string, dc DeviceCode) error {
	if s == nil || s.pool == nil {
		return errors.New("opstore: nil store")
	}
	if userCode == "" {
		return errors.New("missing user code")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	devices := pgIdent(s.schema, "device_codes")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+devices+` SET
		   subject_id  = $2,
		   client_id   = COALESCE(NULLIF($3, ''), client_id),
		   description = $4,
		   expiration  = COALESCE($5, expiration),
		   data        = $6
		 WHERE user_code = $1`,
		userCode, dc.SubjectID, dc.ClientID, dc.Description, nullableTime(dc.Expiration), dc.Data,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveDeviceCode deletes a record by device code, ErrNotFound if absent.
func (s *PostgresStore) RemoveDeviceCode(ctx context.Context, deviceCode string) error {
	if s == nil || s.pool == nil {
		return errors.New("opstore: nil store")
	}
	if deviceCode == "" {
		return errors.New("missing device code")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	devices := pgIdent(s.schema, "device_codes")

	tag, err := s.pool.Exec(ctx, `DELETE FROM `+devices+` WHERE device_code = $1`, deviceCode)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// QueryExpiredGrants returns up to limit grants with a past expiration,
// ordered by expiration ascending.
func (s *PostgresStore) QueryExpiredGrants(ctx context.Context, now time.Time, limit int) ([]Grant, error) {
	return s.queryGrants(ctx,
		` WHERE expiration IS NOT NULL AND expiration < $1 ORDER BY expiration ASC, key ASC LIMIT $2`,
		now, limit)
}

// QueryConsumedGrants returns up to limit grants consumed in the past,
// ordered by consumed time ascending.
func (s *PostgresStore) QueryConsumedGrants(ctx context.Context, now time.Time, limit int) ([]Grant, error) {
	return s.queryGrants(ctx,
		` WHERE consumed_at IS NOT NULL AND consumed_at < $1 ORDER BY consumed_at ASC, key ASC LIMIT $2`,
		now, limit)
}

func (s *PostgresStore) queryGrants(ctx context.Context, clause string, now time.Time, limit int) ([]Grant, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("opstore: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	grants := pgIdent(s.schema, "grants")

	rows, err := s.pool.Query(ctx, `SELECT `+grantColumns+` FROM `+grants+clause, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanGrants(rows, limit)
}

// QueryExpiredDeviceCodes returns up to limit expired device-flow
// records, ordered by expiration ascending.
func (s *PostgresStore) QueryExpiredDeviceCodes(ctx context.Context, now time.Time, limit int) ([]DeviceCode, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("opstore: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	devices := pgIdent(s.schema, "device_codes")

	rows, err := s.pool.Query(ctx,
		`SELECT `+deviceColumns+` FROM `+devices+`
		  WHERE expiration < $1
		  ORDER BY expiration ASC, device_code ASC
		  LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]DeviceCode, 0, limit)
	for rows.Next() {
		var dc DeviceCode
		if err := rows.Scan(
			&dc.DeviceCode, &dc.UserCode, &dc.SubjectID, &dc.ClientID, &dc.Description,
			&dc.CreatedAt, &dc.Expiration, &dc.Data,
		); err != nil {
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
// nothing. When any requested key is already gone the transaction rolls
// back and the call returns a *ConflictError naming the missing keys.
func (s *PostgresStore) DeleteGrants(ctx context.Context, keys []string) error {
	return s.deleteBatch(ctx, "grants", "key", keys)
}

// DeleteDeviceCodes removes a batch of device-flow records with the same
// transactional all-or-nothing semantics as DeleteGrants.
func (s *PostgresStore) DeleteDeviceCodes(ctx context.Context, codes []string) error {
	return s.deleteBatch(ctx, "device_codes", "device_code", codes)
}

func (s *PostgresStore) deleteBatch(ctx context.Context, table, column string, keys []string) error {
	if s == nil || s.pool == nil {
		return errors.New("opstore: nil store")
	}
	keys = dedupeKeys(keys)
	if len(keys) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	target := pgIdent(s.schema, table)

	rows, err := tx.Query(ctx,
		`DELETE FROM `+target+` WHERE `+column+` = ANY($1) RETURNING `+column,
		keys,
	)
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}

	deleted := make(map[string]struct{}, len(keys))
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return err
		}
		deleted[k] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	// A concurrently removed row makes the batch incomplete. Roll back
	// (via the deferred Rollback) and report the losers.
	if missing := conflictKeySet(keys, deleted); len(missing) > 0 {
		return &ConflictError{Keys: missing}
	}

	return tx.Commit(ctx)
}

func grantFilterSQL(f GrantFilter) (string, []any) {
	conds := make([]string, 0, 4)
	args := make([]any, 0, 4)

	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.SubjectID != "" {
		add("subject_id = $%d", f.SubjectID)
	}
	if f.ClientID != "" {
		add("client_id = $%d", f.ClientID)
	}
	if f.SessionID != "" {
		add("session_id = $%d", f.SessionID)
	}
	if len(f.Types) > 0 {
		add("grant_type = ANY($%d)", f.Types)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanGrants(rows pgx.Rows, sizeHint int) ([]Grant, error) {
	if sizeHint <= 0 {
		sizeHint = 16
	}
	out := make([]Grant, 0, sizeHint)
	for rows.Next() {
		var g Grant
		if err := rows.Scan(
			&g.Key, &g.Type, &g.SubjectID, &g.ClientID, &g.SessionID, &g.Description,
			&g.CreatedAt, &g.Expiration, &g.ConsumedAt, &g.Data,
		); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
