package store

import (
	"context"
	"database/sql"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"epd-frame-backend/internal/model"
	"epd-frame-backend/internal/rotation"
)

// Conn is a store session pinned to one database connection. The frame
// pipeline's pool hands these out; a Conn is never used by two workers at once.
type Conn struct {
	raw *sql.Conn
	db  *gorm.DB
}

// OpenConn checks a dedicated connection out of db's connection pool.
func OpenConn(ctx context.Context, db *gorm.DB) (*Conn, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	raw, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open dedicated connection: %w", err)
	}

	// A Context forces gorm to clone the statement, so the pinned ConnPool
	// does not leak into the shared handle.
	session := db.Session(&gorm.Session{NewDB: true, Context: context.Background()})
	session.Statement.ConnPool = raw
	return &Conn{raw: raw, db: session}, nil
}

// Close hands the connection back to the database/sql pool.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// Atomically runs fn in a transaction on the pinned connection.
func (c *Conn) Atomically(ctx context.Context, fn func(tx rotation.CatalogTx) error) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&catalogTx{tx: tx})
	})
}

// UpsertTelemetry inserts a telemetry row or merges it into the row with the
// same device identity: status fields are overwritten and the remote address
// is appended to the existing list.
func (c *Conn) UpsertTelemetry(ctx context.Context, rec *model.Telemetry) error {
	updates := clause.AssignmentColumns([]string{"error_code", "return_code", "bytes_written"})
	updates = append(updates, clause.Assignment{
		Column: clause.Column{Name: "remote_addrs"},
		Value:  gorm.Expr(appendRemoteAddrs(c.db.Dialector.Name())),
	})

	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_identity"}},
		DoUpdates: updates,
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to upsert telemetry %s: %w", rec.DeviceIdentity, err)
	}
	return nil
}

// appendRemoteAddrs concatenates the stored JSON address list with the
// incoming single-element one.
func appendRemoteAddrs(dialect string) string {
	if dialect == "postgres" {
		return "(telemetry.remote_addrs::jsonb || excluded.remote_addrs::jsonb)::text"
	}
	return "json_insert(telemetry.remote_addrs, '$[#]', json_extract(excluded.remote_addrs, '$[0]'))"
}

// catalogTx implements rotation.CatalogTx inside one transaction.
type catalogTx struct {
	tx *gorm.DB
}

const advanceSQL = "UPDATE album SET last_shown_ts = CASE WHEN last_shown_ts >= ? THEN last_shown_ts + 1 ELSE ? END"

func (c *catalogTx) LeastRecentlyShown(ctx context.Context) ([]rotation.Candidate, error) {
	var candidates []rotation.Candidate
	err := c.tx.WithContext(ctx).
		Raw("SELECT item_id, last_shown_ts, portrait FROM album WHERE last_shown_ts = (SELECT MIN(last_shown_ts) FROM album)").
		Scan(&candidates).Error
	return candidates, err
}

func (c *catalogTx) PortraitIDs(ctx context.Context, exclude string) ([]string, error) {
	var ids []string
	err := c.tx.WithContext(ctx).
		Raw("SELECT item_id FROM album WHERE portrait = ? AND item_id <> ?", true, exclude).
		Scan(&ids).Error
	return ids, err
}

func (c *catalogTx) CompareAndAdvance(ctx context.Context, id string, seen, now int64) (bool, error) {
	res := c.tx.WithContext(ctx).Exec(advanceSQL+" WHERE item_id = ? AND last_shown_ts = ?", now, now, id, seen)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (c *catalogTx) Advance(ctx context.Context, id string, now int64) error {
	res := c.tx.WithContext(ctx).Exec(advanceSQL+" WHERE item_id = ?", now, now, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("item %s not found", id)
	}
	return nil
}

func (c *catalogTx) Load(ctx context.Context, ids []string) ([]model.MediaItem, error) {
	var items []model.MediaItem
	err := c.tx.WithContext(ctx).Where("item_id IN ?", ids).Find(&items).Error
	return items, err
}
