package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/opindexer/internal/core/domain"
)

func TestKeyPrefix(t *testing.T) {
	c := newClient(nil, "")
	assert.Equal(t, "opindexer:events", c.Key("events"))

	c = newClient(nil, "zeta:")
	assert.Equal(t, "zeta:ratelimit:zetachain", c.Key("ratelimit", "zetachain"))
}

func TestNewLimiter_RejectsZeroRate(t *testing.T) {
	_, err := NewLimiter(newClient(nil, ""), "zetachain", 0, 1)
	assert.Error(t, err)
}

// liveClient connects to REDIS_URL; tests using it are skipped otherwise.
func liveClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("Skipping redis test. Set REDIS_URL to run.")
	}
	c, err := NewClient(Config{URL: url, KeyPrefix: "opindexer-test-" + time.Now().Format("150405.000")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLimiter_SharedBucket(t *testing.T) {
	c := liveClient(t)
	ctx := context.Background()

	a, err := NewLimiter(c, "zetachain", 10, 2)
	require.NoError(t, err)
	b, err := NewLimiter(c, "zetachain", 10, 2)
	require.NoError(t, err)

	wait, err := a.take(ctx)
	require.NoError(t, err)
	assert.Zero(t, wait)
	wait, err = b.take(ctx)
	require.NoError(t, err)
	assert.Zero(t, wait)

	// the bucket is shared, so the third token must be waited for
	wait, err = a.take(ctx)
	require.NoError(t, err)
	assert.Greater(t, wait, time.Duration(0))

	start := time.Now()
	require.NoError(t, b.Wait(ctx))
	assert.Less(t, time.Since(start), time.Second)
}

func TestPublisher_EmitBatch(t *testing.T) {
	c := liveClient(t)
	ctx := context.Background()
	pub := NewPublisher(c)

	sub := c.rdb.Subscribe(ctx, pub.Channel())
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	op := &domain.Operation{ID: 3, ExternalID: "0xabc", RootID: 1, StatusDetail: "OutboundMined"}
	events := []*domain.Event{
		domain.NewEvent(domain.EventStatus, op, time.Now()),
		domain.NewEvent(domain.EventTerminal, op, time.Now()),
	}
	require.NoError(t, pub.EmitBatch(ctx, events))

	ch := sub.Channel()
	for _, want := range events {
		select {
		case msg := <-ch:
			var got domain.Event
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
			assert.Equal(t, want.ID, got.ID)
			assert.Equal(t, want.Type, got.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}
