package metric

import (
	"strings"

	"phab-go/internal/store"
)

// CountDone reports how many watchlist members are in one of the given
// done statuses (e.g. "resolved", "wontfix").
func CountDone(members []store.Member, doneStatuses map[string]struct{}) int {
	n := 0
	for _, m := range members {
		if _, ok := doneStatuses[m.Status]; ok {
			n++
		}
	}
	return n
}

// DoneStatusSet builds the lookup set from a comma-separated flag value.
func DoneStatusSet(csv string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, s := range strings.Split(csv, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}
