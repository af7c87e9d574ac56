package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/correl/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB

	// q is the db outside a transaction, the tx inside one.
	q querier
}

// querier is the subset of *sql.DB and *sql.Tx the store needs.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// definitionTables maps each artifact kind to its version table.
var definitionTables = map[api.DefinitionKind]string{
	api.KindProcess: "process_definitions",
	api.KindCase:    "case_definitions",
	api.KindEvent:   "event_definitions",
	api.KindChannel: "channel_definitions",
}

func definitionTable(kind api.DefinitionKind) (string, error) {
	table, ok := definitionTables[kind]
	if !ok {
		return "", fmt.Errorf("unknown definition kind: %q", kind)
	}
	return table, nil
}

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, q: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS event_subscriptions (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			correlation_key TEXT NOT NULL DEFAULT '',
			scope_kind TEXT NOT NULL DEFAULT '',
			scope_definition_id TEXT NOT NULL DEFAULT '',
			scope_definition_key TEXT NOT NULL DEFAULT '',
			scope_id TEXT NOT NULL DEFAULT '',
			element_id TEXT NOT NULL DEFAULT '',
			tenant_id TEXT NOT NULL DEFAULT '',
			created_time INTEGER NOT NULL,
			lock_owner TEXT NOT NULL DEFAULT '',
			lock_time INTEGER NOT NULL DEFAULT 0,
			lock_expiry INTEGER NOT NULL DEFAULT 0,
			configuration TEXT NOT NULL DEFAULT '',
			auto_update INTEGER NOT NULL DEFAULT 0,
			unique_start INTEGER NOT NULL DEFAULT 0
		);`,
	)
	if err != nil {
		return err
	}

	for _, table := range definitionTables {
		_, err = s.db.Exec(`
			CREATE TABLE IF NOT EXISTS ` + table + ` (
				id TEXT PRIMARY KEY,
				def_key TEXT NOT NULL,
				version INTEGER NOT NULL,
				tenant_id TEXT NOT NULL DEFAULT '',
				spec BLOB,
				deployed_at INTEGER NOT NULL,
				UNIQUE (def_key, version, tenant_id)
			);`,
		)
		if err != nil {
			return err
		}
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS change_marker (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			marker INTEGER NOT NULL
		);`,
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR IGNORE INTO change_marker (id, marker) VALUES (1, 0)`)
	return err
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(Store) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		// Nested: run in the enclosing transaction.
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&SQLiteStore{db: s.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) CreateSubscription(ctx context.Context, sub *api.EventSubscription) error {
	config, err := encodeParameterNames(sub.CorrelationParameterNames)
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO event_subscriptions
			(id, event_type, correlation_key, scope_kind, scope_definition_id, scope_definition_key,
			 scope_id, element_id, tenant_id, created_time, lock_owner, lock_time, lock_expiry,
			 configuration, auto_update, unique_start)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.EventType,
		sub.CorrelationKey,
		string(sub.ScopeKind),
		sub.ScopeDefinitionID,
		sub.ScopeDefinitionKey,
		sub.ScopeID,
		sub.ElementID,
		sub.TenantID,
		sub.CreatedTime.UnixNano(),
		sub.LockOwner,
		nanosOrZero(sub.LockTime),
		nanosOrZero(sub.LockExpiry),
		config,
		boolToInt(sub.AutoUpdate),
		boolToInt(sub.UniqueStart),
	)
	return err
}

const subscriptionColumns = `id, event_type, correlation_key, scope_kind, scope_definition_id,
	scope_definition_key, scope_id, element_id, tenant_id, created_time, lock_owner, lock_time,
	lock_expiry, configuration, auto_update, unique_start`

func (s *SQLiteStore) GetSubscription(ctx context.Context, id string) (*api.EventSubscription, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM event_subscriptions
		WHERE id = ?`,
		id,
	)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*api.EventSubscription, error) {
	var sub api.EventSubscription
	var scopeKind, config string
	var createdTime, lockTime, lockExpiry int64
	var autoUpdate, uniqueStart int

	if err := row.Scan(
		&sub.ID,
		&sub.EventType,
		&sub.CorrelationKey,
		&scopeKind,
		&sub.ScopeDefinitionID,
		&sub.ScopeDefinitionKey,
		&sub.ScopeID,
		&sub.ElementID,
		&sub.TenantID,
		&createdTime,
		&sub.LockOwner,
		&lockTime,
		&lockExpiry,
		&config,
		&autoUpdate,
		&uniqueStart,
	); err != nil {
		return nil, err
	}

	sub.ScopeKind = api.ScopeKind(scopeKind)
	sub.CreatedTime = time.Unix(0, createdTime)
	if lockTime > 0 {
		sub.LockTime = time.Unix(0, lockTime)
	}
	if lockExpiry > 0 {
		sub.LockExpiry = time.Unix(0, lockExpiry)
	}
	names, err := decodeParameterNames(config)
	if err != nil {
		return nil, err
	}
	sub.CorrelationParameterNames = names
	sub.AutoUpdate = autoUpdate != 0
	sub.UniqueStart = uniqueStart != 0

	return &sub, nil
}

// subscriptionWhere builds the WHERE clause for a SubscriptionQuery.
func subscriptionWhere(q api.SubscriptionQuery) (string, []any) {
	var clauses []string
	var args []any

	if q.EventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, q.EventType)
	}
	if q.ScopeKind != api.ScopeNone {
		clauses = append(clauses, "scope_kind = ?")
		args = append(args, string(q.ScopeKind))
	}
	if q.ScopeDefinitionID != "" {
		clauses = append(clauses, "scope_definition_id = ?")
		args = append(args, q.ScopeDefinitionID)
	}
	if q.ScopeID != "" {
		clauses = append(clauses, "scope_id = ?")
		args = append(args, q.ScopeID)
	}
	if q.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, q.TenantID)
	}
	if q.CorrelationKey != "" {
		clauses = append(clauses, "correlation_key = ?")
		args = append(args, q.CorrelationKey)
	}
	if !q.CreatedBefore.IsZero() {
		clauses = append(clauses, "created_time < ?")
		args = append(args, q.CreatedBefore.UnixNano())
	}
	if !q.CreatedAfter.IsZero() {
		clauses = append(clauses, "created_time > ?")
		args = append(args, q.CreatedAfter.UnixNano())
	}
	if q.ExcludeLocked {
		clauses = append(clauses, "(lock_owner = '' OR lock_expiry <= ?)")
		args = append(args, time.Now().UnixNano())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *SQLiteStore) FindSubscriptions(ctx context.Context, q api.SubscriptionQuery) ([]*api.EventSubscription, error) {
	where, args := subscriptionWhere(q)
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM event_subscriptions`+where+`
		ORDER BY created_time, id`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*api.EventSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *SQLiteStore) UpdateSubscription(ctx context.Context, sub *api.EventSubscription) error {
	config, err := encodeParameterNames(sub.CorrelationParameterNames)
	if err != nil {
		return err
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE event_subscriptions
		SET event_type = ?, correlation_key = ?, scope_kind = ?, scope_definition_id = ?,
		    scope_definition_key = ?, scope_id = ?, element_id = ?, tenant_id = ?,
		    lock_owner = ?, lock_time = ?, lock_expiry = ?, configuration = ?,
		    auto_update = ?, unique_start = ?
		WHERE id = ?`,
		sub.EventType,
		sub.CorrelationKey,
		string(sub.ScopeKind),
		sub.ScopeDefinitionID,
		sub.ScopeDefinitionKey,
		sub.ScopeID,
		sub.ElementID,
		sub.TenantID,
		sub.LockOwner,
		nanosOrZero(sub.LockTime),
		nanosOrZero(sub.LockExpiry),
		config,
		boolToInt(sub.AutoUpdate),
		boolToInt(sub.UniqueStart),
		sub.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM event_subscriptions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteSubscriptions(ctx context.Context, q api.SubscriptionQuery) (int, error) {
	where, args := subscriptionWhere(q)
	res, err := s.q.ExecContext(ctx, `DELETE FROM event_subscriptions`+where, args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *SQLiteStore) TryLockSubscription(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.q.ExecContext(ctx, `
		UPDATE event_subscriptions
		SET lock_owner = ?, lock_time = ?, lock_expiry = ?
		WHERE id = ?
		AND (
			lock_owner = ''
			OR lock_expiry <= ?
			OR lock_owner = ?
		)`,
		owner, now.UnixNano(), now.Add(ttl).UnixNano(), id, now.UnixNano(), owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) UnlockSubscription(ctx context.Context, id, owner string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE event_subscriptions
		SET lock_owner = '', lock_time = 0, lock_expiry = 0
		WHERE id = ? AND (lock_owner = '' OR lock_owner = ?)`,
		id, owner,
	)
	return err
}

func (s *SQLiteStore) SaveDefinition(ctx context.Context, def api.Definition) error {
	table, err := definitionTable(def.Kind)
	if err != nil {
		return err
	}

	// Uniqueness pre-check; deploys run inside InTx, so this pairs
	// atomically with the insert. The UNIQUE constraint is the backstop.
	var n int
	row := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM `+table+`
		WHERE def_key = ? AND version = ? AND tenant_id = ?`,
		def.Key, def.Version, def.TenantID,
	)
	if err := row.Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return ErrDuplicateDefinition
	}

	spec, err := json.Marshal(def)
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO `+table+` (id, def_key, version, tenant_id, spec, deployed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		def.ID, def.Key, def.Version, def.TenantID, spec, def.DeployedAt.UnixNano(),
	)
	return err
}

func scanDefinition(row rowScanner) (*api.Definition, error) {
	var spec []byte
	if err := row.Scan(&spec); err != nil {
		return nil, err
	}
	var def api.Definition
	if err := json.Unmarshal(spec, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *SQLiteStore) GetDefinition(ctx context.Context, kind api.DefinitionKind, id string) (*api.Definition, error) {
	table, err := definitionTable(kind)
	if err != nil {
		return nil, err
	}
	def, err := scanDefinition(s.q.QueryRowContext(ctx, `
		SELECT spec FROM `+table+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDefinitionNotFound
		}
		return nil, err
	}
	return def, nil
}

func (s *SQLiteStore) LatestDefinition(ctx context.Context, kind api.DefinitionKind, key, tenantID string) (*api.Definition, error) {
	table, err := definitionTable(kind)
	if err != nil {
		return nil, err
	}
	def, err := scanDefinition(s.q.QueryRowContext(ctx, `
		SELECT spec FROM `+table+`
		WHERE def_key = ? AND tenant_id = ?
		ORDER BY version DESC
		LIMIT 1`,
		key, tenantID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDefinitionNotFound
		}
		return nil, err
	}
	return def, nil
}

func (s *SQLiteStore) FindDefinition(ctx context.Context, kind api.DefinitionKind, key string, version int, tenantID string) (*api.Definition, error) {
	table, err := definitionTable(kind)
	if err != nil {
		return nil, err
	}
	def, err := scanDefinition(s.q.QueryRowContext(ctx, `
		SELECT spec FROM `+table+`
		WHERE def_key = ? AND version = ? AND tenant_id = ?`,
		key, version, tenantID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDefinitionNotFound
		}
		return nil, err
	}
	return def, nil
}

func (s *SQLiteStore) ListDefinitions(ctx context.Context, kind api.DefinitionKind) ([]*api.Definition, error) {
	table, err := definitionTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT spec FROM `+table+`
		ORDER BY def_key, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*api.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *SQLiteStore) DeleteDefinition(ctx context.Context, kind api.DefinitionKind, id string) error {
	table, err := definitionTable(kind)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDefinitionNotFound
	}
	return nil
}

func (s *SQLiteStore) ChangeMarker(ctx context.Context) (int64, error) {
	var marker int64
	err := s.q.QueryRowContext(ctx, `SELECT marker FROM change_marker WHERE id = 1`).Scan(&marker)
	return marker, err
}

func (s *SQLiteStore) BumpChangeMarker(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, `UPDATE change_marker SET marker = marker + 1 WHERE id = 1`)
	return err
}

func encodeParameterNames(names []string) (string, error) {
	if len(names) == 0 {
		return "", nil
	}
	b, err := json.Marshal(names)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeParameterNames(config string) ([]string, error) {
	if config == "" {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(config), &names); err != nil {
		return nil, err
	}
	return names, nil
}

func nanosOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
