package core_domain

import (
	"fmt"
	"sort"
	"strings"
)

// RankUnset is the rank of statuses that carry no delivery information
// (empty, queued, processing). Any ranked status may replace them.
const RankUnset = -1

var statusRanks = map[MessageStatus]int{
	StatusFailed:    0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusReceived:  2,
	StatusRead:      3,
}

// Rank maps a status to its display precedence. delivered and received share
// a rank: both are final enough for ordering purposes.
func Rank(s MessageStatus) int {
	if r, ok := statusRanks[s]; ok {
		return r
	}
	return RankUnset
}

// ShouldApply reports whether incoming may overwrite current. It is the single
// guard against flapping caused by duplicated or reordered status events and
// is used by the status store, the propagation path and every viewer.
func ShouldApply(current, incoming MessageStatus) bool {
	if incoming == "" {
		return false
	}
	cur := Rank(current)
	if cur == RankUnset {
		return true
	}
	return Rank(incoming) > cur
}

// RankedStatuses returns the statuses that participate in ordering, lowest rank first.
func RankedStatuses() []MessageStatus {
	out := make([]MessageStatus, 0, len(statusRanks))
	for s := range statusRanks {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if Rank(out[i]) != Rank(out[j]) {
			return Rank(out[i]) < Rank(out[j])
		}
		return out[i] < out[j]
	})
	return out
}

// RankSQL renders a CASE expression computing the rank of column, so stores
// can compare ranks inside a single conditional UPDATE using the same table.
func RankSQL(column string) string {
	var b strings.Builder
	b.WriteString("CASE ")
	b.WriteString(column)
	for _, s := range RankedStatuses() {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", s, Rank(s))
	}
	fmt.Fprintf(&b, " ELSE %d END", RankUnset)
	return b.String()
}
