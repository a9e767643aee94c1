package httpHelpers

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

type Timings map[string]time.Duration

func WriteTimings(w http.ResponseWriter, timings Timings) {
	timingEntries := make([]string, 0, len(timings))
	for k, v := range timings {
		timingEntries = append(timingEntries, fmt.Sprintf("%s;dur=%.2f", k, v.Seconds()*1000.0))
	}
	sort.Strings(timingEntries)
	w.Header().Set("Server-Timing", strings.Join(timingEntries, ","))
}

// BearerToken extracts the token from an "Authorization: Bearer ..." header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
