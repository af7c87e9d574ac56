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

// PostgresStore is a Store backed by PostgreSQL.
//
// It expects an *sql.DB opened with a PostgreSQL driver (for example,
// the database/sql adapter of "github.com/jackc/pgx/v5"):
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
type PostgresStore struct {
	db *sql.DB
	q  querier
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given database
// and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db, q: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
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
			created_time BIGINT NOT NULL,
			lock_owner TEXT NOT NULL DEFAULT '',
			lock_time BIGINT NOT NULL DEFAULT 0,
			lock_expiry BIGINT NOT NULL DEFAULT 0,
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
				spec BYTEA,
				deployed_at BIGINT NOT NULL,
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
			marker BIGINT NOT NULL
		);`,
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO change_marker (id, marker) VALUES (1, 0)
		ON CONFLICT (id) DO NOTHING`)
	return err
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(Store) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&PostgresStore{db: s.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *api.EventSubscription) error {
	config, err := encodeParameterNames(sub.CorrelationParameterNames)
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO event_subscriptions
			(id, event_type, correlation_key, scope_kind, scope_definition_id, scope_definition_key,
			 scope_id, element_id, tenant_id, created_time, lock_owner, lock_time, lock_expiry,
			 configuration, auto_update, unique_start)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
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

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*api.EventSubscription, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM event_subscriptions
		WHERE id = $1`,
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

// pgSubscriptionWhere builds the WHERE clause for a SubscriptionQuery using
// positional placeholders.
func pgSubscriptionWhere(q api.SubscriptionQuery) (string, []any) {
	var clauses []string
	var args []any

	add := func(expr string, arg any) {
		clauses = append(clauses, fmt.Sprintf(expr, len(args)+1))
		args = append(args, arg)
	}

	if q.EventType != "" {
		add("event_type = $%d", q.EventType)
	}
	if q.ScopeKind != api.ScopeNone {
		add("scope_kind = $%d", string(q.ScopeKind))
	}
	if q.ScopeDefinitionID != "" {
		add("scope_definition_id = $%d", q.ScopeDefinitionID)
	}
	if q.ScopeID != "" {
		add("scope_id = $%d", q.ScopeID)
	}
	if q.TenantID != "" {
		add("tenant_id = $%d", q.TenantID)
	}
	if q.CorrelationKey != "" {
		add("correlation_key = $%d", q.CorrelationKey)
	}
	if !q.CreatedBefore.IsZero() {
		add("created_time < $%d", q.CreatedBefore.UnixNano())
	}
	if !q.CreatedAfter.IsZero() {
		add("created_time > $%d", q.CreatedAfter.UnixNano())
	}
	if q.ExcludeLocked {
		add("(lock_owner = '' OR lock_expiry <= $%d)", time.Now().UnixNano())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *PostgresStore) FindSubscriptions(ctx context.Context, q api.SubscriptionQuery) ([]*api.EventSubscription, error) {
	where, args := pgSubscriptionWhere(q)
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

func (s *PostgresStore) UpdateSubscription(ctx context.Context, sub *api.EventSubscription) error {
	config, err := encodeParameterNames(sub.CorrelationParameterNames)
	if err != nil {
		return err
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE event_subscriptions
		SET event_type = $1, correlation_key = $2, scope_kind = $3, scope_definition_id = $4,
		    scope_definition_key = $5, scope_id = $6, element_id = $7, tenant_id = $8,
		    lock_owner = $9, lock_time = $10, lock_expiry = $11, configuration = $12,
		    auto_update = $13, unique_start = $14
		WHERE id = $15`,
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

func (s *PostgresStore) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM event_subscriptions WHERE id = $1`, id)
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

func (s *PostgresStore) DeleteSubscriptions(ctx context.Context, q api.SubscriptionQuery) (int, error) {
	where, args := pgSubscriptionWhere(q)
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

func (s *PostgresStore) TryLockSubscription(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.q.ExecContext(ctx, `
		UPDATE event_subscriptions
		SET lock_owner = $1, lock_time = $2, lock_expiry = $3
		WHERE id = $4
		AND (
			lock_owner = ''
			OR lock_expiry <= $5
			OR lock_owner = $6
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

func (s *PostgresStore) UnlockSubscription(ctx context.Context, id, owner string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE event_subscriptions
		SET lock_owner = '', lock_time = 0, lock_expiry = 0
		WHERE id = $1 AND (lock_owner = '' OR lock_owner = $2)`,
		id, owner,
	)
	return err
}

func (s *PostgresStore) SaveDefinition(ctx context.Context, def api.Definition) error {
	table, err := definitionTable(def.Kind)
	if err != nil {
		return err
	}

	var n int
	row := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM `+table+`
		WHERE def_key = $1 AND version = $2 AND tenant_id = $3`,
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
		VALUES ($1, $2, $3, $4, $5, $6)`,
		def.ID, def.Key, def.Version, def.TenantID, spec, def.DeployedAt.UnixNano(),
	)
	return err
}

func (s *PostgresStore) GetDefinition(ctx context.Context, kind api.DefinitionKind, id string) (*api.Definition, error) {
	table, err := definitionTable(kind)
	if err != nil {
		return nil, err
	}
	def, err := scanDefinition(s.q.QueryRowContext(ctx, `
		SELECT spec FROM `+table+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDefinitionNotFound
		}
		return nil, err
	}
	return def, nil
}

func (s *PostgresStore) LatestDefinition(ctx context.Context, kind api.DefinitionKind, key, tenantID string) (*api.Definition, error) {
	table, err := definitionTable(kind)
	if err != nil {
		return nil, err
	}
	def, err := scanDefinition(s.q.QueryRowContext(ctx, `
		SELECT spec FROM `+table+`
		WHERE def_key = $1 AND tenant_id = $2
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

func (s *PostgresStore) FindDefinition(ctx context.Context, kind api.DefinitionKind, key string, version int, tenantID string) (*api.Definition, error) {
	table, err := definitionTable(kind)
	if err != nil {
		return nil, err
	}
	def, err := scanDefinition(s.q.QueryRowContext(ctx, `
		SELECT spec FROM `+table+`
		WHERE def_key = $1 AND version = $2 AND tenant_id = $3`,
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

func (s *PostgresStore) ListDefinitions(ctx context.Context, kind api.DefinitionKind) ([]*api.Definition, error) {
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

func (s *PostgresStore) DeleteDefinition(ctx context.Context, kind api.DefinitionKind, id string) error {
	table, err := definitionTable(kind)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
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

func (s *PostgresStore) ChangeMarker(ctx context.Context) (int64, error) {
	var marker int64
	err := s.q.QueryRowContext(ctx, `SELECT marker FROM change_marker WHERE id = 1`).Scan(&marker)
	return marker, err
}

func (s *PostgresStore) BumpChangeMarker(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, `UPDATE change_marker SET marker = marker + 1 WHERE id = 1`)
	return err
}
