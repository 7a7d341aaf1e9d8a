package smana

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func ids[T Record](list []T) []string {
	out := make([]string, 0, len(list))
	for _, r := range list {
		out = append(out, r.RecordID())
	}
	return out
}

func fetchOrders(orders ...Order) FetchFunc[Order] {
	return func(context.Context) ([]Order, error) { return orders, nil }
}

func TestCacheApplyIsIdempotent(t *testing.T) {
	c := NewCache[Order]("orders", NewestFirst, nil, nil)

	o := Order{ID: "o1", RoomNumber: "101", Status: OrderPending}
	c.ApplyCreated(o)
	c.ApplyCreated(o)
	c.ApplyUpdated(o)

	require.Equal(t, 1, c.Len())
	got, ok := c.Get("o1")
	require.True(t, ok)
	require.Equal(t, o, got)
}

func TestCacheNeverHoldsDuplicateIDs(t *testing.T) {
	c := NewCache[Order]("orders", NewestFirst, fetchOrders(
		Order{ID: "o1"}, Order{ID: "o2"}, Order{ID: "o1", Status: OrderReady},
	), nil)
	require.NoError(t, c.Load(context.Background()))
	require.Equal(t, []string{"o1", "o2"}, ids(c.Snapshot()))

	got, _ := c.Get("o1")
	require.Equal(t, OrderReady, got.Status)

	c.ApplyCreated(Order{ID: "o2", Status: OrderPreparing})
	require.Equal(t, []string{"o1", "o2"}, ids(c.Snapshot()))
}

func TestCacheOrdering(t *testing.T) {
	t.Run("newest first", func(t *testing.T) {
		c := NewCache[Order]("orders", NewestFirst, fetchOrders(Order{ID: "a"}, Order{ID: "b"}), nil)
		require.NoError(t, c.Load(context.Background()))
		c.ApplyCreated(Order{ID: "c"})
		c.ApplyUpdated(Order{ID: "a", Status: OrderReady})
		require.Equal(t, []string{"c", "a", "b"}, ids(c.Snapshot()))
	})

	t.Run("stable", func(t *testing.T) {
		c := NewCache[Room]("rooms", Stable, nil, nil)
		c.ApplyCreated(Room{ID: "r1"})
		c.ApplyCreated(Room{ID: "r2"})
		c.ApplyUpdated(Room{ID: "r1", Status: RoomCleaning})
		require.Equal(t, []string{"r1", "r2"}, ids(c.Snapshot()))
	})

	t.Run("update inserts a missed create", func(t *testing.T) {
		c := NewCache[Order]("orders", NewestFirst, nil, nil)
		c.ApplyUpdated(Order{ID: "late"})
		require.Equal(t, 1, c.Len())
	})
}

func TestCacheApplyRemoved(t *testing.T) {
	c := NewCache[Order]("orders", NewestFirst, fetchOrders(Order{ID: "a"}, Order{ID: "b"}), nil)
	require.NoError(t, c.Load(context.Background()))

	c.ApplyRemoved("missing")
	require.Equal(t, 2, c.Len())

	c.ApplyRemoved("a")
	require.Equal(t, []string{"b"}, ids(c.Snapshot()))
	_, ok := c.Get("a")
	require.False(t, ok)
}

func TestCacheIgnoresRecordsWithoutID(t *testing.T) {
	c := NewCache[Order]("orders", NewestFirst, nil, nil)
	c.ApplyCreated(Order{RoomNumber: "101"})
	require.Zero(t, c.Len())
}

func TestCacheLoadErrorKeepsContents(t *testing.T) {
	fail := false
	c := NewCache[Order]("orders", NewestFirst, func(context.Context) ([]Order, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return []Order{{ID: "a"}}, nil
	}, nil)
	require.NoError(t, c.Load(context.Background()))
	fail = true
	require.Error(t, c.Load(context.Background()))
	require.Equal(t, 1, c.Len())
	require.True(t, c.Loaded())
}

func TestCacheLoadDiscardedAfterIdentityChange(t *testing.T) {
	session := NewSession(nil)
	require.NoError(t, session.Set(Identity{ID: "u1", Token: "t1"}))

	c := NewCache[Order]("orders", NewestFirst, func(context.Context) ([]Order, error) {
		// the user switches while the fetch is in flight
		require.NoError(t, session.Set(Identity{ID: "u2", Token: "t2"}))
		return []Order{{ID: "stale"}}, nil
	}, &CacheOptions{Session: session})

	require.NoError(t, c.Load(context.Background()))
	require.Zero(t, c.Len())
	require.False(t, c.Loaded())
}

func TestCacheSubscribe(t *testing.T) {
	c := NewCache[Order]("orders", NewestFirst, nil, nil)

	var kinds []ChangeKind
	unsubscribe := c.Subscribe(func(ch Change[Order]) { kinds = append(kinds, ch.Kind) })
	c.Subscribe(func(Change[Order]) { panic("bad subscriber") })

	c.ApplyCreated(Order{ID: "a"})
	c.ApplyUpdated(Order{ID: "a"})
	c.ApplyRemoved("a")
	c.Reset()
	unsubscribe()
	c.ApplyCreated(Order{ID: "b"})

	require.Equal(t, []ChangeKind{ChangeCreated, ChangeUpdated, ChangeRemoved, ChangeReset}, kinds)
}

func TestCacheFilter(t *testing.T) {
	c := NewCache[Order]("orders", NewestFirst, fetchOrders(
		Order{ID: "a", Status: OrderPending},
		Order{ID: "b", Status: OrderReady},
		Order{ID: "c", Status: OrderPending},
	), nil)
	require.NoError(t, c.Load(context.Background()))

	pending := c.Filter(func(o Order) bool { return o.Status == OrderPending })
	require.Equal(t, []string{"a", "c"}, ids(pending))
}
