// Package selector implements the per-host freshness policy that chooses
// which upstream proxy to use for a destination host (spec.md §4.3 / C3).
// It is pure: given a snapshot of pool entries, it reads and never
// mutates, and it never performs I/O.
package selector

import (
	"math/rand"
	"strings"

	"github.com/drsoft-oss/gatewayproxy/internal/poolstore"
)

// Select returns the URL of the best upstream for host, or ok=false if no
// candidate exists.
//
// Candidate definition (spec.md §4.3): an entry is a candidate for host
// iff it carries no host-affinity record for host, or it carries one with
// AliveForHost=true. Note that Entry.Alive (global liveness) is
// deliberately NOT a hard filter here — see DESIGN.md's Open Question 1.
//
// Among candidates, entries never used with host are preferred and one is
// chosen uniformly at random (spreads first-use across the pool). If
// every candidate has been used with host before, the one with the least
// LastUsage for host is chosen (least-recently-used, i.e. maximum
// rotation). Ties are broken arbitrarily (slice order).
func Select(entries []poolstore.Entry, host string) (url string, ok bool) {
	host = strings.ToLower(host)

	var unused []poolstore.Entry
	var used []poolstore.Entry

	for _, e := range entries {
		rec, hasRecord := e.Hosts[host]
		if !hasRecord {
			unused = append(unused, e)
			continue
		}
		if rec.AliveForHost {
			used = append(used, e)
		}
		// hasRecord && !AliveForHost: not a candidate, excluded entirely.
	}

	if len(unused) > 0 {
		return unused[rand.Intn(len(unused))].URL, true
	}
	if len(used) == 0 {
		return "", false
	}

	best := used[0]
	bestUsage := best.Hosts[host].LastUsage
	for _, e := range used[1:] {
		usage := e.Hosts[host].LastUsage
		if usage.Before(bestUsage) {
			best = e
			bestUsage = usage
		}
	}
	return best.URL, true
}
