package enforcer

import (
	"testing"
	"time"

	"github.com/Hara602/usbResponder/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestApplication_Block(t *testing.T) {
	fixed := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	app := &Application{now: func() time.Time { return fixed }}
	d := model.NewDevice(model.USBEvent{VendorID: "0781", ProductID: "5567", Serial: "X"})

	app.Block(d)

	st := d.State()
	assert.Equal(t, model.AccessBlocked, st.Status)
	assert.False(t, st.Authenticated)
	assert.Equal(t, fixed, st.QuarantinedAt)
	assert.False(t, st.SystemBlocked)
}
