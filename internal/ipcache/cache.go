// Package ipcache filters peers by IP against literal and wildcard entries,
// optionally backed by an operator-editable file that is re-read on change.
package ipcache

import (
	"strings"
	"time"
)

// Result of a cache lookup.
type Result int

const (
	// NoData means nothing has been added since the cache was created or
	// cleared; callers decide the default. A cache emptied by Remove reports
	// NoMatch.
	NoData Result = iota - 1
	NoMatch
	Match
)

// renewWindow keeps an entry that was just observed from expiring immediately
// afterwards; matching entries within this window are pushed out to now+renewWindow.
const renewWindow = 300 * time.Second

// staleGrace is how far past expiry an unrelated entry must be before the
// opportunistic sweep removes it during a lookup.
const staleGrace = 60 * time.Second

type entry struct {
	timeout time.Time // zero means permanent
}

// Cache holds one ban/allow/agent set: a literal map keyed by exact text and a
// list of wildcard patterns. The zero value has no data and reports NoData.
// Callers serialise access through the owning File's mutex or use it from a
// single goroutine.
type Cache struct {
	literals  map[string]*entry
	wildcards []string
}

func isWildcard(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// Add classifies text as a wildcard pattern or a literal entry. Literal entries
// carry the given expiry; a zero expiry is permanent.
func (c *Cache) Add(text string, expiry time.Time) {
	if isWildcard(text) {
		c.wildcards = append([]string{text}, c.wildcards...)
		return
	}
	if c.literals == nil {
		c.literals = make(map[string]*entry)
	}
	c.literals[text] = &entry{timeout: expiry}
}

// AddWithDuration inserts a literal entry expiring after d, or permanently when
// d <= 0. An existing entry with less than the renewal window remaining is
// extended to now+renewWindow so churned entries do not expire under the caller.
func (c *Cache) AddWithDuration(ip string, d time.Duration, now time.Time) {
	if d <= 0 {
		c.Add(ip, time.Time{})
		return
	}
	if e, ok := c.literals[ip]; ok && !e.timeout.IsZero() && e.timeout.Before(now.Add(renewWindow)) {
		e.timeout = now.Add(renewWindow)
		return
	}
	c.Add(ip, now.Add(d))
}

// Remove deletes a literal entry.
func (c *Cache) Remove(ip string) {
	delete(c.literals, ip)
}

// Len reports the number of literal entries.
func (c *Cache) Len() int {
	return len(c.literals)
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.literals = nil
	c.wildcards = nil
}

// Contains reports whether s matches the set at the given instant. Wildcard
// patterns are checked first, then the literal map. A literal entry found
// expired is deleted; a matching entry close to expiry is renewed. While the
// map is visited, at most one unrelated entry observed more than staleGrace
// past its expiry is evicted.
func (c *Cache) Contains(s string, now time.Time) Result {
	for _, pat := range c.wildcards {
		if matchPattern(pat, s) {
			return Match
		}
	}
	if c.literals == nil {
		if c.wildcards == nil {
			return NoData
		}
		return NoMatch
	}
	if e, ok := c.literals[s]; ok {
		if e.timeout.IsZero() || e.timeout.After(now) {
			if !e.timeout.IsZero() && e.timeout.Before(now.Add(renewWindow)) {
				e.timeout = now.Add(renewWindow)
			}
			return Match
		}
		delete(c.literals, s)
	}
	// One stale eviction per lookup keeps file-fed sets from accumulating
	// expired entries without a dedicated sweeper.
	for k, e := range c.literals {
		if k == s || e.timeout.IsZero() {
			continue
		}
		if e.timeout.Add(staleGrace).Before(now) {
			delete(c.literals, k)
			break
		}
	}
	return NoMatch
}
