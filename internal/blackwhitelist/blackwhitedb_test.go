package blackwhitelist

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Hara602/usbResponder/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "usbsentry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestIsBlocked(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	blocked, reason := db.IsBlocked(ctx, "0781", "5567", "")
	assert.True(t, blocked)
	assert.Equal(t, "Unknown or empty serial number", reason)

	blocked, _ = db.IsBlocked(ctx, "0781", "5567", "4C530001")
	assert.False(t, blocked)

	require.NoError(t, db.AddBlockRule(ctx, "0781", "5567", "4C530001", "malware found"))
	require.NoError(t, db.AddBlockRule(ctx, "0781", "5567", "4C530001", "duplicate ignored"))

	blocked, reason = db.IsBlocked(ctx, "0781", "5567", "4C530001")
	assert.True(t, blocked)
	assert.Equal(t, "malware found", reason)
}

func TestSaveAndLoadDevice(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.LoadDevice(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	dev := model.NewDevice(model.USBEvent{VendorID: "0781", ProductID: "5567", Serial: "AB", Product: "Cruzer"})
	require.NoError(t, db.SaveDevice(ctx, dev, "allowed"))

	rec, err := db.LoadDevice(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AccessActive, rec.State.Status)
	assert.True(t, rec.State.Authenticated)
	assert.True(t, rec.State.QuarantinedAt.IsZero())
	assert.Equal(t, "allowed", rec.Disposition)
	assert.Equal(t, "Cruzer", rec.Name)

	when := time.Date(2026, 10, 16, 8, 30, 0, 0, time.UTC)
	dev.MarkBlocked(when)
	dev.MarkSystemBlocked()
	require.NoError(t, db.SaveDevice(ctx, dev, "blocked"))

	rec, err = db.LoadDevice(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AccessBlocked, rec.State.Status)
	assert.False(t, rec.State.Authenticated)
	assert.True(t, rec.State.SystemBlocked)
	assert.True(t, when.Equal(rec.State.QuarantinedAt))
	assert.Equal(t, "blocked", rec.Disposition)
}
