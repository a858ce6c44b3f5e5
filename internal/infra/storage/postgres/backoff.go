package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/vietddude/opindexer/internal/indexing/recovery"
)

// backoffExpr renders policy.Backoff(column) as an interval expression using a
// precomputed CASE table, so claims need a single round trip.
func backoffExpr(column string, policy recovery.Policy) string {
	steps := policy.Schedule()
	var b strings.Builder
	b.WriteString("((CASE")
	for i, d := range steps[:len(steps)-1] {
		if i == 0 {
			fmt.Fprintf(&b, " WHEN %s <= 0 THEN %d", column, d.Milliseconds())
			continue
		}
		fmt.Fprintf(&b, " WHEN %s = %d THEN %d", column, i, d.Milliseconds())
	}
	fmt.Fprintf(&b, " ELSE %d END) * INTERVAL '1 millisecond')", steps[len(steps)-1].Milliseconds())
	return b.String()
}

func millis(d time.Duration) float64 {
	return float64(d.Milliseconds())
}
