// Package blackwhitelist 持久化黑名单规则和设备访问记录 (SQLite)。
package blackwhitelist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Hara602/usbResponder/internal/model"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("device record not found")

// 联合主键 (vid, pid, serial) 防止重复
const schema = `
CREATE TABLE IF NOT EXISTS blackwhitelist (
	vid TEXT,
	pid TEXT,
	serial TEXT,
	reason TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (vid, pid, serial)
);
CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	vid TEXT,
	pid TEXT,
	serial TEXT,
	name TEXT,
	status TEXT NOT NULL,
	authenticated INTEGER NOT NULL,
	quarantined_at INTEGER,
	system_blocked INTEGER NOT NULL,
	disposition TEXT,
	updated_at INTEGER NOT NULL
);
`

type DB struct {
	db *sql.DB
}

// Open 打开数据库并初始化表结构
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite 单写者
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// IsBlocked 查询黑名单
func (d *DB) IsBlocked(ctx context.Context, vid, pid, serial string) (bool, string) {
	// 无序列号直接阻断 (硬编码的高危规则)
	if serial == "" || serial == "unknown" || serial == "000000000000" {
		return true, "Unknown or empty serial number"
	}

	var reason string
	err := d.db.QueryRowContext(ctx,
		"SELECT reason FROM blackwhitelist WHERE vid = ? AND pid = ? AND serial = ?",
		vid, pid, serial,
	).Scan(&reason)
	if err == nil {
		if reason == "" {
			reason = "Device is in blacklist"
		}
		return true, reason
	}

	// 默认放行
	return false, ""
}

// AddBlockRule 添加黑名单
func (d *DB) AddBlockRule(ctx context.Context, vid, pid, serial, reason string) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO blackwhitelist(vid, pid, serial, reason) VALUES (?, ?, ?, ?)",
		vid, pid, serial, reason,
	)
	if err != nil {
		return fmt.Errorf("add block rule: %w", err)
	}
	return nil
}

// Record 设备持久化记录
type Record struct {
	ID          string
	VendorID    string
	ProductID   string
	Serial      string
	Name        string
	State       model.DeviceState
	Disposition string
	UpdatedAt   time.Time
}

// SaveDevice upsert 设备记录
func (d *DB) SaveDevice(ctx context.Context, dev *model.Device, disposition string) error {
	st := dev.State()
	var quarantined sql.NullInt64
	if !st.QuarantinedAt.IsZero() {
		quarantined = sql.NullInt64{Int64: st.QuarantinedAt.UnixNano(), Valid: true}
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO devices(id, vid, pid, serial, name, status, authenticated, quarantined_at, system_blocked, disposition, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			authenticated = excluded.authenticated,
			quarantined_at = excluded.quarantined_at,
			system_blocked = excluded.system_blocked,
			disposition = excluded.disposition,
			updated_at = excluded.updated_at`,
		dev.ID, dev.VendorID, dev.ProductID, dev.Serial, dev.Name,
		string(st.Status), st.Authenticated, quarantined, st.SystemBlocked,
		disposition, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save device %s: %w", dev.ID, err)
	}
	return nil
}

// LoadDevice 读取设备记录, 不存在返回 ErrNotFound
func (d *DB) LoadDevice(ctx context.Context, id string) (Record, error) {
	var (
		rec         Record
		status      string
		quarantined sql.NullInt64
		disposition sql.NullString
		updated     int64
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT id, vid, pid, serial, name, status, authenticated, quarantined_at, system_blocked, disposition, updated_at
		FROM devices WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.VendorID, &rec.ProductID, &rec.Serial, &rec.Name,
		&status, &rec.State.Authenticated, &quarantined, &rec.State.SystemBlocked, &disposition, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load device %s: %w", id, err)
	}
	rec.State.Status = model.AccessStatus(status)
	if quarantined.Valid {
		rec.State.QuarantinedAt = time.Unix(0, quarantined.Int64)
	}
	rec.Disposition = disposition.String
	rec.UpdatedAt = time.Unix(0, updated)
	return rec, nil
}
