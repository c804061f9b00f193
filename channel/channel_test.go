package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfferPollFIFO(t *testing.T) {
	c := New()
	c.Offer(Message, "one")
	c.Offer(Message, "two")

	item, ok := c.Poll(Message, 0)
	require.True(t, ok)
	assert.Equal(t, "one", item)

	item, ok = c.Poll(Message, 0)
	require.True(t, ok)
	assert.Equal(t, "two", item)
}

func TestPollNonBlockingEmpty(t *testing.T) {
	c := New()
	_, ok := c.Poll(Apply, 0)
	assert.False(t, ok)
}

func TestPollBlocksUntilOffer(t *testing.T) {
	c := New()
	done := make(chan interface{}, 1)
	go func() {
		item, ok := c.Poll(Proposal, time.Second)
		if ok {
			done <- item
		} else {
			done <- nil
		}
	}()

	time.Sleep(20 * time.Millisecond)
	c.Offer(Proposal, 42)

	select {
	case got := <-done:
		assert.Equal(t, 42, got)
	case <-time.After(time.Second):
		t.Fatal("poll did not observe the offered item")
	}
}

func TestPollTimesOutWithoutOffer(t *testing.T) {
	c := New()
	start := time.Now()
	_, ok := c.Poll(Tick, 30*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestCanFetchTracksQueueState(t *testing.T) {
	c := New()
	assert.False(t, c.CanFetch(Advance))
	c.Offer(Advance, struct{}{})
	assert.True(t, c.CanFetch(Advance))
	_, _ = c.Poll(Advance, 0)
	assert.False(t, c.CanFetch(Advance))
}

func TestEnsureWorkReturnsImmediatelyWhenPending(t *testing.T) {
	c := New()
	c.Offer(Apply, struct{}{})
	start := time.Now()
	c.EnsureWork(Apply, time.Second)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
