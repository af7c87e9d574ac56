package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/correl/pkg/api"
)

// SQLiteDeliveryLog stores delivery audit records in SQLite.
type SQLiteDeliveryLog struct {
	db *sql.DB
}

// Ensure SQLiteDeliveryLog implements the interface.
var _ DeliveryLog = (*SQLiteDeliveryLog)(nil)

func NewSQLiteDeliveryLog(db *sql.DB) (*SQLiteDeliveryLog, error) {
	l := &SQLiteDeliveryLog{db: db}
	if err := l.initSchema(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteDeliveryLog) initSchema() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS delivery_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subscription_id TEXT NOT NULL,
			event_type TEXT NOT NULL DEFAULT '',
			tenant_id TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		);`,
	)
	if err != nil {
		return err
	}
	_, err = l.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_delivery_events_subscription_id
		ON delivery_events(subscription_id, id);`,
	)
	return err
}

func (l *SQLiteDeliveryLog) AppendDelivery(ctx context.Context, ev api.DeliveryEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO delivery_events (subscription_id, event_type, tenant_id, at, type, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SubscriptionID,
		ev.EventType,
		ev.TenantID,
		at.UnixNano(),
		string(ev.Type),
		ev.Detail,
	)
	return err
}

func (l *SQLiteDeliveryLog) ListDeliveries(ctx context.Context, subscriptionID string) ([]api.DeliveryEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT subscription_id, event_type, tenant_id, at, type, detail
		FROM delivery_events
		WHERE subscription_id = ?
		ORDER BY id ASC`, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.DeliveryEvent
	for rows.Next() {
		var (
			subID     string
			eventType string
			tenantID  string
			atN       int64
			typ       string
			detail    string
		)
		if err := rows.Scan(&subID, &eventType, &tenantID, &atN, &typ, &detail); err != nil {
			return nil, err
		}
		out = append(out, api.DeliveryEvent{
			SubscriptionID: subID,
			EventType:      eventType,
			TenantID:       tenantID,
			At:             time.Unix(0, atN),
			Type:           api.DeliveryEventType(typ),
			Detail:         detail,
		})
	}
	return out, rows.Err()
}
