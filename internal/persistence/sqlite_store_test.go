package persistence

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/correl/pkg/api"

	_ "modernc.org/sqlite"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	// The in-memory database lives and dies with one connection.
	db.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = db.Close()
	})

	s, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return s
}

func TestSQLiteStore_SubscriptionRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	created := time.Now().UTC().Truncate(time.Microsecond)
	sub := &api.EventSubscription{
		ID:                        "sub-1",
		EventType:                 "order.created",
		CorrelationKey:            "customerId=C-1&orderId=A-1",
		ScopeKind:                 api.ScopeProcessDefinition,
		ScopeDefinitionID:         "def-1",
		ScopeDefinitionKey:        "invoice",
		TenantID:                  "acme",
		CreatedTime:               created,
		CorrelationParameterNames: []string{"customerId", "orderId"},
		AutoUpdate:                true,
		UniqueStart:               true,
	}

	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	got, err := s.GetSubscription(ctx, "sub-1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if got.EventType != sub.EventType ||
		got.CorrelationKey != sub.CorrelationKey ||
		got.ScopeKind != sub.ScopeKind ||
		got.ScopeDefinitionID != sub.ScopeDefinitionID ||
		got.ScopeDefinitionKey != sub.ScopeDefinitionKey ||
		got.TenantID != sub.TenantID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.CreatedTime.Equal(created) {
		t.Fatalf("created time mismatch: want %v, got %v", created, got.CreatedTime)
	}
	if len(got.CorrelationParameterNames) != 2 ||
		got.CorrelationParameterNames[0] != "customerId" ||
		got.CorrelationParameterNames[1] != "orderId" {
		t.Fatalf("parameter names mismatch: %v", got.CorrelationParameterNames)
	}
	if !got.AutoUpdate || !got.UniqueStart {
		t.Fatalf("flags lost in round trip: %+v", got)
	}
	if got.LockOwner != "" || !got.LockTime.IsZero() || !got.LockExpiry.IsZero() {
		t.Fatalf("fresh subscription carries lock state: %+v", got)
	}

	if _, err := s.GetSubscription(ctx, "missing"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestSQLiteStore_FindAndDeleteByQuery(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	subs := []*api.EventSubscription{
		{ID: "a", EventType: "order.created", ScopeKind: api.ScopeProcessDefinition, CreatedTime: base},
		{ID: "b", EventType: "order.created", ScopeKind: api.ScopeProcessDefinition, TenantID: "acme", CreatedTime: base.Add(time.Millisecond)},
		{ID: "c", EventType: "payment.received", ScopeKind: api.ScopeProcessInstance, ScopeID: "inst-1", CreatedTime: base.Add(2 * time.Millisecond)},
	}
	for _, sub := range subs {
		if err := s.CreateSubscription(ctx, sub); err != nil {
			t.Fatalf("CreateSubscription %s failed: %v", sub.ID, err)
		}
	}

	byType, err := s.FindSubscriptions(ctx, api.SubscriptionQuery{EventType: "order.created"})
	if err != nil {
		t.Fatalf("FindSubscriptions failed: %v", err)
	}
	if len(byType) != 2 || byType[0].ID != "a" || byType[1].ID != "b" {
		t.Fatalf("expected [a b], got %v", byType)
	}

	byScope, err := s.FindSubscriptions(ctx, api.SubscriptionQuery{ScopeKind: api.ScopeProcessInstance})
	if err != nil {
		t.Fatalf("FindSubscriptions by scope failed: %v", err)
	}
	if len(byScope) != 1 || byScope[0].ID != "c" {
		t.Fatalf("expected [c], got %v", byScope)
	}

	if ok, err := s.TryLockSubscription(ctx, "a", "owner-1", time.Minute); err != nil || !ok {
		t.Fatalf("TryLockSubscription failed: ok=%v err=%v", ok, err)
	}
	unlocked, err := s.FindSubscriptions(ctx, api.SubscriptionQuery{EventType: "order.created", ExcludeLocked: true})
	if err != nil {
		t.Fatalf("FindSubscriptions ExcludeLocked failed: %v", err)
	}
	if len(unlocked) != 1 || unlocked[0].ID != "b" {
		t.Fatalf("expected locked a to be excluded, got %v", unlocked)
	}

	n, err := s.DeleteSubscriptions(ctx, api.SubscriptionQuery{ScopeID: "inst-1"})
	if err != nil {
		t.Fatalf("DeleteSubscriptions failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
	if _, err := s.GetSubscription(ctx, "c"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("expected c to be gone, got %v", err)
	}
}

func TestSQLiteStore_TryLockSubscription(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	sub := &api.EventSubscription{ID: "sub-1", EventType: "order.created", CreatedTime: time.Now()}
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	ok, err := s.TryLockSubscription(ctx, "sub-1", "owner-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}
	ok, err = s.TryLockSubscription(ctx, "sub-1", "owner-2", time.Minute)
	if err != nil {
		t.Fatalf("second lock errored: %v", err)
	}
	if ok {
		t.Fatalf("owner-2 stole a live lock")
	}
	ok, err = s.TryLockSubscription(ctx, "sub-1", "owner-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("re-entrant lock: ok=%v err=%v", ok, err)
	}

	if err := s.UnlockSubscription(ctx, "sub-1", "owner-1"); err != nil {
		t.Fatalf("UnlockSubscription failed: %v", err)
	}
	ok, err = s.TryLockSubscription(ctx, "sub-1", "owner-2", time.Minute)
	if err != nil || !ok {
		t.Fatalf("lock after unlock: ok=%v err=%v", ok, err)
	}

	// A lock on a missing row affects zero rows; not an error.
	ok, err = s.TryLockSubscription(ctx, "missing", "owner-1", time.Minute)
	if err != nil {
		t.Fatalf("lock on missing row errored: %v", err)
	}
	if ok {
		t.Fatalf("lock on missing row reported acquired")
	}
}

func TestSQLiteStore_LockExpiryTakeover(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	sub := &api.EventSubscription{ID: "sub-1", EventType: "order.created", CreatedTime: time.Now()}
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	ok, err := s.TryLockSubscription(ctx, "sub-1", "crashed-owner", 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("initial lock: ok=%v err=%v", ok, err)
	}

	time.Sleep(20 * time.Millisecond)

	ok, err = s.TryLockSubscription(ctx, "sub-1", "owner-2", time.Minute)
	if err != nil {
		t.Fatalf("takeover errored: %v", err)
	}
	if !ok {
		t.Fatalf("expected expired lock to be taken over")
	}
}

func TestSQLiteStore_InTxRollbackAndNesting(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx Store) error {
		if err := tx.SaveDefinition(ctx, api.Definition{ID: "d1", Kind: api.KindProcess, Key: "p", Version: 1}); err != nil {
			return err
		}
		// Nested InTx joins the enclosing transaction.
		if err := tx.InTx(ctx, func(inner Store) error {
			return inner.CreateSubscription(ctx, &api.EventSubscription{
				ID: "doomed", EventType: "order.created", CreatedTime: time.Now(),
			})
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := s.GetDefinition(ctx, api.KindProcess, "d1"); !errors.Is(err, ErrDefinitionNotFound) {
		t.Fatalf("rollback left definition behind: %v", err)
	}
	if _, err := s.GetSubscription(ctx, "doomed"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("rollback left nested subscription behind: %v", err)
	}

	// A successful transaction commits both writes.
	err = s.InTx(ctx, func(tx Store) error {
		if err := tx.SaveDefinition(ctx, api.Definition{ID: "d1", Kind: api.KindProcess, Key: "p", Version: 1}); err != nil {
			return err
		}
		return tx.BumpChangeMarker(ctx)
	})
	if err != nil {
		t.Fatalf("InTx commit failed: %v", err)
	}
	if _, err := s.GetDefinition(ctx, api.KindProcess, "d1"); err != nil {
		t.Fatalf("committed definition missing: %v", err)
	}
	marker, err := s.ChangeMarker(ctx)
	if err != nil {
		t.Fatalf("ChangeMarker failed: %v", err)
	}
	if marker != 1 {
		t.Fatalf("expected marker 1, got %d", marker)
	}
}

func TestSQLiteStore_DefinitionTablesPerKind(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	// The same key in different kind tables must not collide.
	defs := []api.Definition{
		{ID: "p1", Kind: api.KindProcess, Key: "invoice", Version: 1, DeployedAt: time.Now()},
		{ID: "e1", Kind: api.KindEvent, Key: "invoice", Version: 1, DeployedAt: time.Now(),
			CorrelationParameters: []api.CorrelationParameter{{Name: "orderId", Type: "string", Required: true}}},
		{ID: "c1", Kind: api.KindChannel, Key: "invoice", Version: 1, DeployedAt: time.Now()},
	}
	for _, def := range defs {
		if err := s.SaveDefinition(ctx, def); err != nil {
			t.Fatalf("SaveDefinition %s failed: %v", def.ID, err)
		}
	}

	event, err := s.GetDefinition(ctx, api.KindEvent, "e1")
	if err != nil {
		t.Fatalf("GetDefinition failed: %v", err)
	}
	if len(event.CorrelationParameters) != 1 || !event.CorrelationParameters[0].Required {
		t.Fatalf("correlation parameters lost: %+v", event)
	}

	if err := s.SaveDefinition(ctx, api.Definition{ID: "p2", Kind: api.KindProcess, Key: "invoice", Version: 1}); !errors.Is(err, ErrDuplicateDefinition) {
		t.Fatalf("expected ErrDuplicateDefinition, got %v", err)
	}
	if err := s.SaveDefinition(ctx, api.Definition{ID: "p2", Kind: api.KindProcess, Key: "invoice", Version: 2}); err != nil {
		t.Fatalf("SaveDefinition v2 failed: %v", err)
	}

	latest, err := s.LatestDefinition(ctx, api.KindProcess, "invoice", "")
	if err != nil {
		t.Fatalf("LatestDefinition failed: %v", err)
	}
	if latest.ID != "p2" || latest.Version != 2 {
		t.Fatalf("expected p2 v2, got %s v%d", latest.ID, latest.Version)
	}

	all, err := s.ListDefinitions(ctx, api.KindProcess)
	if err != nil {
		t.Fatalf("ListDefinitions failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 process definitions, got %d", len(all))
	}

	if err := s.DeleteDefinition(ctx, api.KindProcess, "p2"); err != nil {
		t.Fatalf("DeleteDefinition failed: %v", err)
	}
	if err := s.DeleteDefinition(ctx, api.KindProcess, "p2"); !errors.Is(err, ErrDefinitionNotFound) {
		t.Fatalf("expected ErrDefinitionNotFound on double delete, got %v", err)
	}
}
