package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/opindexer/internal/core/domain"
)

// =============================================================================
// Policy Tests
// =============================================================================

func testPolicy() Policy {
	return Policy{
		BaseInterval:     time.Second,
		MaxInterval:      10 * time.Second,
		Threshold:        3,
		ColdBaseInterval: time.Minute,
		ColdMaxInterval:  4 * time.Minute,
	}
}

func TestPolicy_Backoff(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, time.Minute},
		{4, 2 * time.Minute},
		{5, 4 * time.Minute},
		{9, 4 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPolicy_BackoffCapped(t *testing.T) {
	p := testPolicy()
	p.Threshold = 20

	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, 10*time.Second, p.Backoff(4))
	assert.Equal(t, 10*time.Second, p.Backoff(19))
}

func TestPolicy_Exhausted(t *testing.T) {
	p := testPolicy()

	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(10))

	p.Threshold = 0
	assert.False(t, p.Exhausted(100))
}

func TestPolicy_Schedule(t *testing.T) {
	p := testPolicy()

	steps := p.Schedule()
	require.Len(t, steps, 6)
	for i, d := range steps {
		assert.Equal(t, p.Backoff(i), d)
	}
	assert.Equal(t, p.ColdMaxInterval, steps[len(steps)-1])
}

func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	p := DefaultPolicy()
	p.Threshold = 0
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.MaxInterval = time.Millisecond
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.ColdBaseInterval = 0
	assert.Error(t, p.Validate())
}

// =============================================================================
// Classifier Tests
// =============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Decision
	}{
		{"nil", nil, DecisionIgnore},
		{"timeout", context.DeadlineExceeded, DecisionRetry},
		{"canceled", context.Canceled, DecisionIgnore},
		{"generic", errors.New("connection reset"), DecisionRetry},
		{"terminal", fmt.Errorf("fetch cctx: %w", domain.ErrTerminal), DecisionTerminal},
		{"lost claim", fmt.Errorf("finalize: %w", domain.ErrLostClaim), DecisionIgnore},
		{"store down", fmt.Errorf("claim: %w", domain.ErrStoreUnavailable), DecisionFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
