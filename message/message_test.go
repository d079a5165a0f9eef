package message

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransactions(t *testing.T) {
	ids := NewCounterIDs()

	w := NewWrite(10, 5, 1, WithIDGenerator(ids))
	r := NewRead(12, 1, WithIDGenerator(ids), WithTarget(3))
	x := NewReset(1, WithIDGenerator(ids))

	assert.Equal(t, uint64(1), w.ID)
	assert.Equal(t, uint64(2), r.ID)
	assert.Equal(t, uint64(3), x.ID)

	assert.Equal(t, KindWrite, w.Kind)
	assert.Equal(t, byte(5), w.Value)
	assert.Equal(t, 0, w.TargetID)
	assert.Equal(t, 3, r.TargetID)
	assert.Equal(t, NoAddress, x.Address)

	for _, tx := range []*Transaction{w, r, x} {
		assert.Equal(t, StatePending, tx.State())
		assert.Empty(t, tx.ErrorMessage())
		assert.Nil(t, tx.Group())
	}
}

func TestRandomIDsAreDistinct(t *testing.T) {
	seen := make(map[uint64]struct{})
	for i := 0; i < 1000; i++ {
		tx := NewWrite(0, 0, 1)
		_, dup := seen[tx.ID]
		require.False(t, dup, "duplicate id %d", tx.ID)
		seen[tx.ID] = struct{}{}
	}
}

func TestResolveExactlyOnce(t *testing.T) {
	r := NewRead(4, 1)
	require.NoError(t, r.Commit(0x42))
	assert.Equal(t, StateCommitted, r.State())
	assert.Equal(t, byte(0x42), r.Value)

	err := r.Commit(0x43)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidStateTransition))
	assert.Equal(t, byte(0x42), r.Value)

	err = r.Fail("late")
	assert.True(t, errors.Is(err, ErrInvalidStateTransition))
	assert.Equal(t, StateCommitted, r.State())
	assert.Empty(t, r.ErrorMessage())
}

func TestFailKeepsWriteValue(t *testing.T) {
	w := NewWrite(4, 0x11, 1)
	require.NoError(t, w.Fail("nak"))
	assert.Equal(t, StateError, w.State())
	assert.Equal(t, "nak", w.ErrorMessage())
	assert.Equal(t, byte(0x11), w.Value)

	assert.True(t, errors.Is(w.Commit(0), ErrInvalidStateTransition))
}

func TestCommitWriteIgnoresValue(t *testing.T) {
	w := NewWrite(4, 0x11, 1)
	require.NoError(t, w.Commit(0x99))
	assert.Equal(t, byte(0x11), w.Value)
}

func TestWaitUnblocksOnResolve(t *testing.T) {
	w := NewWrite(1, 1, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, w.Wait(context.Background()))
	}()

	require.NoError(t, w.Commit(0))
	wg.Wait()

	select {
	case <-w.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	w := NewWrite(1, 1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Wait(ctx), context.DeadlineExceeded)
	assert.Equal(t, StatePending, w.State())
}

func TestLinkToGroup(t *testing.T) {
	a := NewWrite(1, 1, 1)
	b := NewRead(2, 1)
	c := NewWrite(3, 3, 1)

	g, err := LinkToGroup([]*Transaction{b, a})
	require.NoError(t, err)
	assert.Same(t, g, a.Group())
	assert.Same(t, g, b.Group())
	assert.Equal(t, []*Transaction{b, a}, g.Members())
	assert.Equal(t, 2, g.Len())

	_, err = LinkToGroup([]*Transaction{c, a})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyGrouped))
	assert.Nil(t, c.Group(), "failed link must not modify members")

	_, err = LinkToGroup([]*Transaction{c, c})
	assert.True(t, errors.Is(err, ErrAlreadyGrouped))
	assert.Nil(t, c.Group())

	_, err = LinkToGroup(nil)
	assert.ErrorIs(t, err, ErrEmptyGroup)
}
