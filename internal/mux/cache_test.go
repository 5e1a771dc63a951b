package mux

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(n int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"seq":%d}`, n))
}

func TestMessageCache_PutGetRoundTrip(t *testing.T) {
	c := NewMessageCache(1<<20, 10, time.Minute)

	c.Put("u1", "s1", "m1", msg(1))
	c.Put("u1", "s1", "m2", msg(2))

	got := c.Get("u1", "s1", "")
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"seq":1}`, string(got[0]))
	assert.JSONEq(t, `{"seq":2}`, string(got[1]))
}

func TestMessageCache_GetAfterID(t *testing.T) {
	c := NewMessageCache(1<<20, 10, time.Minute)
	for i := 1; i <= 4; i++ {
		c.Put("u1", "s1", fmt.Sprintf("m%d", i), msg(i))
	}

	got := c.Get("u1", "s1", "m2")
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"seq":3}`, string(got[0]))

	// unknown cursor returns nothing rather than replaying everything
	assert.Nil(t, c.Get("u1", "s1", "mX"))
}

func TestMessageCache_PerSessionCountCap(t *testing.T) {
	c := NewMessageCache(1<<20, 3, time.Minute)
	for i := 1; i <= 5; i++ {
		c.Put("u1", "s1", fmt.Sprintf("m%d", i), msg(i))
	}

	got := c.Get("u1", "s1", "")
	require.Len(t, got, 3)
	assert.JSONEq(t, `{"seq":3}`, string(got[0])) // oldest two evicted
}

func TestMessageCache_UserBudgetEvictsLeastRecentSession(t *testing.T) {
	// Budget fits roughly four of these payloads; the stale session's
	// entries go first.
	payload := json.RawMessage(`{"pad":"0123456789012345678901234567890123456789"}`)
	c := NewMessageCache(4*len(payload), 100, time.Minute)

	c.Put("u1", "old", "m1", payload)
	c.Put("u1", "old", "m2", payload)
	for i := 0; i < 4; i++ {
		c.Put("u1", "hot", fmt.Sprintf("m%d", i), payload)
	}

	assert.Empty(t, c.Get("u1", "old", ""))
	assert.NotEmpty(t, c.Get("u1", "hot", ""))
}

func TestMessageCache_UsersAreIsolated(t *testing.T) {
	c := NewMessageCache(1<<20, 10, time.Minute)
	c.Put("u1", "s1", "m1", msg(1))

	assert.Nil(t, c.Get("u2", "s1", ""))
}

func TestMessageCache_SweepExpiresIdleBuckets(t *testing.T) {
	c := NewMessageCache(1<<20, 10, time.Minute)
	c.Put("u1", "s1", "m1", msg(1))

	c.Sweep(time.Now().Add(30 * time.Second))
	assert.NotEmpty(t, c.Get("u1", "s1", ""))

	c.Sweep(time.Now().Add(2 * time.Minute))
	assert.Nil(t, c.Get("u1", "s1", ""))
}
