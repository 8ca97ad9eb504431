package discovery

import (
	"cmp"
	"fmt"
	"math/rand/v2"
	"net"
	"slices"
	"strconv"
)

// SrvRecord is a backend candidate as published by a DNS SRV record.
// Records are ordered by Priority only; Weight is consulted among records of equal priority.
type SrvRecord struct {
	Priority uint16 `json:"priority"`
	Weight   uint16 `json:"weight"`
	Port     uint16 `json:"port"`
	Target   string `json:"target"`
}

// HostPort returns the dialable host:port of the record
func (r SrvRecord) HostPort() string {
	return net.JoinHostPort(r.Target, strconv.Itoa(int(r.Port)))
}

func (r SrvRecord) String() string {
	return fmt.Sprintf("%s (priority=%d, weight=%d)", r.HostPort(), r.Priority, r.Weight)
}

// Rand is the source of randomness for weighted selection.
// A *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int {
	return rand.IntN(n)
}

// DefaultRand draws from the goroutine-safe top-level math/rand/v2 source
var DefaultRand Rand = globalRand{}

// Candidates yields SrvRecords in the order connection attempts should be made.
// Lower priorities come first. Within a priority, records are drawn by weighted
// random selection without replacement, as described in RFC 2782.
//
// A Candidates is finite and cannot be restarted. It is not safe for concurrent use
// and is meant to be created for a single connection.
type Candidates struct {
	groups [][]SrvRecord
	rand   Rand
}

// NewCandidates takes a copy of records, so the caller's slice is never modified.
// If rnd is nil, DefaultRand is used.
func NewCandidates(records []SrvRecord, rnd Rand) *Candidates {
	if rnd == nil {
		rnd = DefaultRand
	}

	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, func(a, b SrvRecord) int {
		return cmp.Compare(a.Priority, b.Priority)
	})

	var groups [][]SrvRecord
	for start := 0; start < len(sorted); {
		end := start + 1
		for end < len(sorted) && sorted[end].Priority == sorted[start].Priority {
			end++
		}
		groups = append(groups, sorted[start:end:end])
		start = end
	}

	return &Candidates{
		groups: groups,
		rand:   rnd,
	}
}

// Next removes and returns the next candidate. The second value is false once
// every record has been returned.
func (c *Candidates) Next() (SrvRecord, bool) {
	for len(c.groups) > 0 {
		group := c.groups[0]
		if len(group) == 0 {
			c.groups = c.groups[1:]
			continue
		}

		idx := pickWeighted(group, c.rand)
		record := group[idx]
		c.groups[0] = slices.Delete(group, idx, idx+1)
		return record, true
	}

	return SrvRecord{}, false
}

// Remaining reports how many candidates have not yet been returned
func (c *Candidates) Remaining() int {
	total := 0
	for _, group := range c.groups {
		total += len(group)
	}
	return total
}

// Drain returns every remaining candidate in selection order
func (c *Candidates) Drain() []SrvRecord {
	ordered := make([]SrvRecord, 0, c.Remaining())
	for {
		record, ok := c.Next()
		if !ok {
			return ordered
		}
		ordered = append(ordered, record)
	}
}

// pickWeighted draws v uniformly from [0, W] where W is the sum of the group's weights,
// and selects the first record whose running weight reaches v. Zero weight records
// can still be picked, but only when v lands on their running total.
func pickWeighted(group []SrvRecord, rnd Rand) int {
	total := 0
	for _, record := range group {
		total += int(record.Weight)
	}

	v := rnd.IntN(total + 1)
	running := 0
	for i, record := range group {
		running += int(record.Weight)
		if running >= v {
			return i
		}
	}

	return len(group) - 1
}
