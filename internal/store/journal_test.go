package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-maker-core/order"
)

func TestPebbleJournalPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenPebbleJournal(dir)
	require.NoError(t, err)
	ts := time.UnixMilli(1_700_000_000_000).UTC()
	for i, id := range []string{"f1", "f2", "f3"} {
		require.NoError(t, j.Append(JournalEntry{
			Fill: order.Fill{FillID: id, OrderID: "X1", Size: float64(i + 1), Price: 100, Timestamp: ts},
			Side: order.SideBuy,
		}))
	}
	require.NoError(t, j.Close())

	j, err = OpenPebbleJournal(dir)
	require.NoError(t, err)
	defer j.Close()
	require.NoError(t, j.Append(JournalEntry{Fill: order.Fill{FillID: "f4", OrderID: "X1", Size: 1, Price: 100}, Side: order.SideSell}))

	var ids []string
	require.NoError(t, j.Replay(func(e JournalEntry) error {
		ids = append(ids, e.Fill.FillID)
		return nil
	}))
	assert.Equal(t, []string{"f1", "f2", "f3", "f4"}, ids)
}

func TestBotStateWritesJournal(t *testing.T) {
	j := NewMemoryJournal()
	st := New(Config{Symbol: "ETHUSDC", Journal: j})
	o, err := st.Reserve(order.Order{Side: order.SideSell, Level: 0, Price: 101, Size: 1})
	require.NoError(t, err)
	require.NoError(t, st.ConfirmPlaced(o.ClientID, "X1"))
	_, err = st.ApplyFill(order.Fill{FillID: "f1", OrderID: "X1", Size: 1, Price: 101})
	require.NoError(t, err)

	var got []JournalEntry
	require.NoError(t, j.Replay(func(e JournalEntry) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, 1)
	assert.Equal(t, order.SideSell, got[0].Side)
}
