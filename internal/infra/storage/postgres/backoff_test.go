package postgres

import (
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/opindexer/internal/indexing/recovery"
)

var (
	firstStep = regexp.MustCompile(`WHEN w\.attempt_count <= 0 THEN (\d+)`)
	midStep   = regexp.MustCompile(`WHEN w\.attempt_count = (\d+) THEN (\d+)`)
	lastStep  = regexp.MustCompile(`ELSE (\d+) END`)
)

// evalBackoff evaluates a rendered CASE table for one attempt count.
func evalBackoff(t *testing.T, expr string, attempt int) time.Duration {
	t.Helper()
	if attempt <= 0 {
		m := firstStep.FindStringSubmatch(expr)
		require.NotNil(t, m)
		return msDuration(t, m[1])
	}
	for _, m := range midStep.FindAllStringSubmatch(expr, -1) {
		if m[1] == strconv.Itoa(attempt) {
			return msDuration(t, m[2])
		}
	}
	m := lastStep.FindStringSubmatch(expr)
	require.NotNil(t, m)
	return msDuration(t, m[1])
}

func msDuration(t *testing.T, s string) time.Duration {
	t.Helper()
	ms, err := strconv.ParseInt(s, 10, 64)
	require.NoError(t, err)
	return time.Duration(ms) * time.Millisecond
}

func TestBackoffExpr_MatchesPolicy(t *testing.T) {
	policies := map[string]recovery.Policy{
		"default": recovery.DefaultPolicy(),
		"short": {
			BaseInterval:     time.Second,
			MaxInterval:      time.Minute,
			Threshold:        3,
			ColdBaseInterval: time.Hour,
			ColdMaxInterval:  4 * time.Hour,
		},
	}

	for name, policy := range policies {
		t.Run(name, func(t *testing.T) {
			expr := backoffExpr("w.attempt_count", policy)
			steps := policy.Schedule()

			for attempt := -1; attempt < len(steps)+5; attempt++ {
				assert.Equal(t, policy.Backoff(attempt), evalBackoff(t, expr, attempt), "attempt %d", attempt)
			}
		})
	}
}

func TestBackoffExpr_Shape(t *testing.T) {
	expr := backoffExpr("o.retries_number", recovery.DefaultPolicy())
	assert.Regexp(t, `^\(\(CASE WHEN o\.retries_number <= 0 THEN 5000 `, expr)
	assert.Regexp(t, `END\) \* INTERVAL '1 millisecond'\)$`, expr)
}
