package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gg-glitch-88/cartlink/internal/store"
)

func openTemp(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cartlink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.Migrate(db))
	return db
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openTemp(t)
	assert.NoError(t, store.Migrate(db))
}

func TestUpsertCart(t *testing.T) {
	db := openTemp(t)

	c := &store.Cart{DeviceID: "a1", Port: "COM3", FwVersion: "0.6.6", SDAvailable: true, USBAvailable: true}
	require.NoError(t, db.UpsertCart(c))
	assert.False(t, c.LastSeen.IsZero())

	c.Port = "COM4"
	c.USBAvailable = false
	require.NoError(t, db.UpsertCart(c))

	carts, err := db.ListCarts()
	require.NoError(t, err)
	require.Len(t, carts, 1)
	assert.Equal(t, "COM4", carts[0].Port)
	assert.Equal(t, "0.6.6", carts[0].FwVersion)
	assert.True(t, carts[0].SDAvailable)
	assert.False(t, carts[0].USBAvailable)
}

func TestUpsertCart_RequiresID(t *testing.T) {
	db := openTemp(t)
	assert.Error(t, db.UpsertCart(&store.Cart{Port: "COM3"}))
}

func TestPorts_MostRecentFirst(t *testing.T) {
	db := openTemp(t)

	for _, p := range []string{"COM1", "COM2", "COM3"} {
		require.NoError(t, db.RememberPort(p))
		time.Sleep(2 * time.Millisecond)
	}
	require.NoError(t, db.RememberPort("COM1"))

	ports, err := db.KnownPorts()
	require.NoError(t, err)
	assert.Equal(t, []string{"COM1", "COM3", "COM2"}, ports)
}

func TestLaunches(t *testing.T) {
	db := openTemp(t)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, p := range []string{"/a.sid", "/b.prg", "/c.crt"} {
		l := &store.Launch{
			DeviceID:   "a1",
			Storage:    "sd",
			Path:       p,
			Outcome:    "Success",
			LaunchedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, db.RecordLaunch(l))
		assert.NotZero(t, l.ID)
	}

	got, err := db.RecentLaunches(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "/c.crt", got[0].Path)
	assert.Equal(t, "/b.prg", got[1].Path)
	assert.Equal(t, "unknown", got[0].FileType)
	assert.True(t, base.Add(2*time.Second).Equal(got[0].LaunchedAt))
}
