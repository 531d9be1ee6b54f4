package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stakestream/internal/clock"
)

func TestCacheFreshThenStale(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	c := New(clk, TTLs{})
	assert.Equal(t, DefaultTTLs, c.TTLs())

	key := Key{Kind: KindBalance, Subject: "0xAbc", Account: "0xDEF"}
	c.Set(key, 42)

	v, status := Lookup[int](c, key)
	require.Equal(t, Fresh, status)
	assert.Equal(t, 42, v)

	clk.Advance(time.Minute)
	_, status = c.Get(key)
	assert.Equal(t, Fresh, status, "exactly TTL is not stale")

	clk.Advance(time.Second)
	v, status = Lookup[int](c, key)
	assert.Equal(t, Stale, status)
	assert.Equal(t, 42, v, "stale entries keep their value")
}

func TestCacheTTLClasses(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	c := New(clk, TTLs{Metadata: 180 * time.Second, Critical: 60 * time.Second})

	meta := Key{Kind: KindMetadata, Subject: "0x1"}
	conn := Key{Kind: KindPoolConnection, Subject: "0x1", Account: "0x2"}
	c.Set(meta, "m")
	c.Set(conn, true)

	clk.Advance(90 * time.Second)

	_, status := c.Get(meta)
	assert.Equal(t, Fresh, status)
	_, status = c.Get(conn)
	assert.Equal(t, Stale, status)
}

func TestCacheMissAndWrongType(t *testing.T) {
	c := New(clock.NewManual(time.Unix(0, 0)), TTLs{})
	key := Key{Kind: KindMetadata, Subject: "0x1"}

	_, status := c.Get(key)
	assert.Equal(t, Miss, status)

	c.Set(key, "text")
	_, status = Lookup[int](c, key)
	assert.Equal(t, Miss, status)
}

func TestCacheOverwriteRefreshesTimestamp(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	c := New(clk, TTLs{})
	key := Key{Kind: KindStakedBalance, Subject: "0x1", Account: "0x2"}

	c.Set(key, 1)
	clk.Advance(2 * time.Minute)
	c.Set(key, 2)

	v, status := Lookup[int](c, key)
	assert.Equal(t, Fresh, status)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestKeyStringIsCaseInsensitive(t *testing.T) {
	a := Key{Kind: KindBalance, Subject: "0xABC", Account: "0xDEF"}
	b := Key{Kind: KindBalance, Subject: "0xabc", Account: "0xdef"}
	assert.Equal(t, a.String(), b.String())
	assert.Equal(t, "balance-0xabc-0xdef", a.String())
}
