// Package dedup detects repeated requests inside a short TTL window so the
// proxy can short-circuit duplicate work before it reaches the backend.
//
// A request's fingerprint covers the calling key, the method, the tool and
// the full argument object. The projection is canonicalized (object keys
// sorted recursively, array order preserved) before hashing, so two
// encodings of the same request collide. Two algorithms are supported:
// "sha256" hashes the canonical JSON, "fnv" hashes the structure directly.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

const (
	// DefaultTTLMs is how long a fingerprint stays hot after its last sighting.
	DefaultTTLMs = 30_000
	// DefaultMaxEntries bounds the table.
	DefaultMaxEntries = 10_000
)

// Algorithm selects the fingerprint function.
type Algorithm string

const (
	// AlgoSHA256 hashes the canonical JSON projection with SHA-256.
	AlgoSHA256 Algorithm = "sha256"
	// AlgoFNV hashes the projection structurally with 64-bit FNV.
	AlgoFNV Algorithm = "fnv"
)

type (
	// Record tracks one fingerprint's sightings.
	Record struct {
		Fingerprint   string
		Key           string
		FirstSeenAtMs int64
		LastSeenAtMs  int64
		Count         int64
	}

	// Stats summarizes deduplicator activity.
	Stats struct {
		Entries   int
		Hits      int64
		Misses    int64
		Evictions int64
	}

	// Deduplicator is the bounded fingerprint table.
	Deduplicator struct {
		mu         sync.Mutex
		clk        clock.Clock
		algo       Algorithm
		ttlMs      int64
		maxEntries int
		records    map[string]*Record
		hits       int64
		misses     int64
		evictions  int64
	}

	// Option configures a Deduplicator.
	Option func(*Deduplicator)
)

// WithAlgorithm selects the fingerprint algorithm.
func WithAlgorithm(algo Algorithm) Option {
	return func(d *Deduplicator) {
		if algo == AlgoSHA256 || algo == AlgoFNV {
			d.algo = algo
		}
	}
}

// WithTTL sets the duplicate window in milliseconds.
func WithTTL(ttlMs int64) Option {
	return func(d *Deduplicator) {
		if ttlMs > 0 {
			d.ttlMs = ttlMs
		}
	}
}

// WithMaxEntries bounds the table size.
func WithMaxEntries(n int) Option {
	return func(d *Deduplicator) {
		if n > 0 {
			d.maxEntries = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(d *Deduplicator) {
		if clk != nil {
			d.clk = clk
		}
	}
}

// New returns an empty deduplicator.
func New(opts ...Option) *Deduplicator {
	d := &Deduplicator{
		clk:        clock.System{},
		algo:       AlgoSHA256,
		ttlMs:      DefaultTTLMs,
		maxEntries: DefaultMaxEntries,
		records:    make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Seen records a sighting of the request and reports whether it is a
// duplicate within the TTL. The first sighting (or a sighting after expiry)
// returns false and a fresh record; duplicates bump Count, refresh the TTL
// and return the updated record.
func (d *Deduplicator) Seen(key, method, tool string, params map[string]any) (bool, Record, error) {
	fp, err := d.fingerprint(key, method, tool, params)
	if err != nil {
		return false, Record{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clk.NowMs()
	if rec, ok := d.records[fp]; ok {
		if now-rec.LastSeenAtMs < d.ttlMs {
			rec.Count++
			rec.LastSeenAtMs = now
			d.hits++
			return true, *rec, nil
		}
		delete(d.records, fp)
	}

	d.evictIfFullLocked()
	rec := &Record{
		Fingerprint:   fp,
		Key:           key,
		FirstSeenAtMs: now,
		LastSeenAtMs:  now,
		Count:         1,
	}
	d.records[fp] = rec
	d.misses++
	return false, *rec, nil
}

// Forget drops a fingerprint. Returns true when it was present.
func (d *Deduplicator) Forget(fingerprint string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.records[fingerprint]
	delete(d.records, fingerprint)
	return ok
}

// Stats reports table counters.
func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Entries:   len(d.records),
		Hits:      d.hits,
		Misses:    d.misses,
		Evictions: d.evictions,
	}
}

// Error builds the policy error for a detected duplicate.
func (r Record) Error() error {
	return proxyerr.Deniedf("duplicate request").
		WithData("deny", proxyerr.DenyDuplicate).
		WithData("firstSeenAtMs", r.FirstSeenAtMs).
		WithData("count", r.Count)
}

func (d *Deduplicator) fingerprint(key, method, tool string, params map[string]any) (string, error) {
	projection := map[string]any{
		"key":    key,
		"method": method,
		"tool":   tool,
		"params": params,
	}
	switch d.algo {
	case AlgoFNV:
		h, err := hashstructure.Hash(projection, hashstructure.FormatV2, nil)
		if err != nil {
			return "", proxyerr.Wrap(proxyerr.KindInternal, "hash request", err)
		}
		return fmt.Sprintf("%016x", h), nil
	default:
		// encoding/json sorts object keys, giving a canonical byte stream.
		blob, err := json.Marshal(projection)
		if err != nil {
			return "", proxyerr.Wrap(proxyerr.KindInternal, "canonicalize request", err)
		}
		sum := sha256.Sum256(blob)
		return hex.EncodeToString(sum[:]), nil
	}
}

// evictIfFullLocked removes the record with the smallest FirstSeenAtMs when
// at capacity. Ties break on the smaller fingerprint.
func (d *Deduplicator) evictIfFullLocked() {
	if len(d.records) < d.maxEntries {
		return
	}
	var victim string
	var victimSeen int64 = -1
	for fp, rec := range d.records {
		if victimSeen == -1 || rec.FirstSeenAtMs < victimSeen || (rec.FirstSeenAtMs == victimSeen && fp < victim) {
			victim = fp
			victimSeen = rec.FirstSeenAtMs
		}
	}
	if victim != "" {
		delete(d.records, victim)
		d.evictions++
	}
}
