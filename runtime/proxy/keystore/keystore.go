// Package keystore manages API keys: identity, credit balances, tool ACLs,
// usage quotas and rotation aliases.
//
// The store is the proxy's source of truth for billing state. All operations
// validate before mutating, balances never go negative, and quota windows
// roll lazily on access (daily at UTC midnight, monthly on the first of the
// month). A persistence hook, when set, receives a snapshot after every
// mutation; the hook runs outside the store lock so persistence never blocks
// concurrent reads.
package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/clock"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

const (
	// DefaultPrefix prefixes generated keys when no prefix is configured.
	DefaultPrefix = "pk"
	// keyEntropyBytes is the random material per key: 24 bytes = 192 bits.
	keyEntropyBytes = 24
	// maxNameLen bounds sanitized key names.
	maxNameLen = 200
)

var (
	// ErrKeyNotFound indicates the key does not exist in the store.
	ErrKeyNotFound = errors.New("api key not found")
	// ErrInsufficientCredits indicates a deduction larger than the balance.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrQuotaExceeded indicates a daily or monthly usage quota would be exceeded.
	ErrQuotaExceeded = errors.New("usage quota exceeded")
)

type (
	// KeyRecord is the stored state of one API key. Zero quota and rate-limit
	// values mean "unset": no quota, default rate limit.
	KeyRecord struct {
		Key              string            `json:"key"`
		Name             string            `json:"name"`
		Credits          int64             `json:"credits"`
		Active           bool              `json:"active"`
		CreatedAtMs      int64             `json:"createdAtMs"`
		ExpiresAtMs      int64             `json:"expiresAtMs,omitempty"`
		AllowedTools     []string          `json:"allowedTools,omitempty"`
		DeniedTools      []string          `json:"deniedTools,omitempty"`
		RateLimit        int               `json:"rateLimit,omitempty"`
		DailyQuota       int64             `json:"dailyQuota,omitempty"`
		MonthlyQuota     int64             `json:"monthlyQuota,omitempty"`
		TotalSpent       int64             `json:"totalSpent"`
		TotalCalls       int64             `json:"totalCalls"`
		LastUsedAtMs     int64             `json:"lastUsedAtMs,omitempty"`
		DailyUsed        int64             `json:"dailyUsed"`
		MonthlyUsed      int64             `json:"monthlyUsed"`
		DailyResetAtMs   int64             `json:"dailyResetAtMs"`
		MonthlyResetAtMs int64             `json:"monthlyResetAtMs"`
		Metadata         map[string]string `json:"metadata,omitempty"`
	}

	// Alias maps a rotated-out key value to its replacement for a grace period.
	Alias struct {
		Old       string `json:"old"`
		New       string `json:"new"`
		ExpiresAt int64  `json:"expiresAtMs"`
	}

	// Snapshot is the persistable state of the store.
	Snapshot struct {
		Keys    []KeyRecord `json:"keys"`
		Aliases []Alias     `json:"aliases,omitempty"`
	}

	// CreateOptions parametrize CreateKey. Zero values select defaults.
	CreateOptions struct {
		Name         string
		Prefix       string
		Credits      int64
		ExpiresAtMs  int64
		AllowedTools []string
		DeniedTools  []string
		RateLimit    int
		DailyQuota   int64
		MonthlyQuota int64
		Metadata     map[string]string
	}

	// UpdateOptions carries a partial update; nil fields are left untouched.
	UpdateOptions struct {
		Name         *string
		Active       *bool
		ExpiresAtMs  *int64
		AllowedTools *[]string
		DeniedTools  *[]string
		RateLimit    *int
		DailyQuota   *int64
		MonthlyQuota *int64
		Metadata     *map[string]string
	}

	// PersistFunc receives a snapshot after each mutation. Implementations
	// own their error handling; the store never fails a mutation on persist
	// errors.
	PersistFunc func(Snapshot)

	// Store is the in-memory key store.
	Store struct {
		mu        sync.Mutex
		clk       clock.Clock
		keys      map[string]*KeyRecord
		aliases   map[string]Alias
		persister PersistFunc
	}

	// Option configures a Store.
	Option func(*Store)
)

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) {
		if clk != nil {
			s.clk = clk
		}
	}
}

// New returns an empty key store.
func New(opts ...Option) *Store {
	s := &Store{
		clk:     clock.System{},
		keys:    make(map[string]*KeyRecord),
		aliases: make(map[string]Alias),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPersister installs the persistence hook.
func (s *Store) SetPersister(fn PersistFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persister = fn
}

// mutate runs fn under the store lock and, on success, hands a snapshot to
// the persister after the lock is released.
func (s *Store) mutate(fn func() error) error {
	s.mu.Lock()
	err := fn()
	var (
		snap    Snapshot
		persist PersistFunc
	)
	if err == nil && s.persister != nil {
		persist = s.persister
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()
	if persist != nil {
		persist(snap)
	}
	return err
}

// CreateKey mints a new key and returns its record. The generated key value
// is "<prefix>_<48 hex chars>" with 192 bits of entropy.
func (s *Store) CreateKey(opts CreateOptions) (KeyRecord, error) {
	if opts.Credits < 0 {
		return KeyRecord{}, proxyerr.Validationf("credits must be >= 0")
	}
	if opts.DailyQuota < 0 || opts.MonthlyQuota < 0 {
		return KeyRecord{}, proxyerr.Validationf("quotas must be >= 0")
	}
	if opts.RateLimit < 0 {
		return KeyRecord{}, proxyerr.Validationf("rate limit must be >= 0")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !validPrefix(prefix) {
		return KeyRecord{}, proxyerr.Validationf("prefix must be 1-16 lowercase letters or digits")
	}

	key, err := generateKey(prefix)
	if err != nil {
		return KeyRecord{}, proxyerr.Wrap(proxyerr.KindInternal, "generate key", err)
	}

	now := s.clk.Now()
	rec := &KeyRecord{
		Key:              key,
		Name:             SanitizeName(opts.Name),
		Credits:          opts.Credits,
		Active:           true,
		CreatedAtMs:      now.UnixMilli(),
		ExpiresAtMs:      opts.ExpiresAtMs,
		AllowedTools:     append([]string(nil), opts.AllowedTools...),
		DeniedTools:      append([]string(nil), opts.DeniedTools...),
		RateLimit:        opts.RateLimit,
		DailyQuota:       opts.DailyQuota,
		MonthlyQuota:     opts.MonthlyQuota,
		DailyResetAtMs:   nextUTCMidnight(now).UnixMilli(),
		MonthlyResetAtMs: firstOfNextMonth(now).UnixMilli(),
		Metadata:         cloneMeta(opts.Metadata),
	}

	var out KeyRecord
	err = s.mutate(func() error {
		s.keys[key] = rec
		out = rec.clone()
		return nil
	})
	return out, err
}

// GetKey returns the record for the canonical key value.
func (s *Store) GetKey(key string) (KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[key]
	if !ok {
		return KeyRecord{}, proxyerr.Wrap(proxyerr.KindNotFound, "key "+redact(key), ErrKeyNotFound)
	}
	s.rollQuotasLocked(rec)
	return rec.clone(), nil
}

// Resolve maps a presented key value to its canonical record, following a
// live rotation alias when present. Expired aliases are pruned on the way.
func (s *Store) Resolve(presented string) (KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := presented
	if alias, ok := s.aliases[presented]; ok {
		if s.clk.NowMs() >= alias.ExpiresAt {
			delete(s.aliases, presented)
		} else {
			key = alias.New
		}
	}
	rec, ok := s.keys[key]
	if !ok {
		return KeyRecord{}, proxyerr.Wrap(proxyerr.KindNotFound, "key "+redact(presented), ErrKeyNotFound)
	}
	s.rollQuotasLocked(rec)
	return rec.clone(), nil
}

// ListKeys returns all records ordered by creation time, then key.
func (s *Store) ListKeys() []KeyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]KeyRecord, 0, len(s.keys))
	for _, rec := range s.keys {
		s.rollQuotasLocked(rec)
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs != out[j].CreatedAtMs {
			return out[i].CreatedAtMs < out[j].CreatedAtMs
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// UpdateKey applies a partial update and returns the new record.
func (s *Store) UpdateKey(key string, opts UpdateOptions) (KeyRecord, error) {
	if opts.RateLimit != nil && *opts.RateLimit < 0 {
		return KeyRecord{}, proxyerr.Validationf("rate limit must be >= 0")
	}
	if opts.DailyQuota != nil && *opts.DailyQuota < 0 {
		return KeyRecord{}, proxyerr.Validationf("quotas must be >= 0")
	}
	if opts.MonthlyQuota != nil && *opts.MonthlyQuota < 0 {
		return KeyRecord{}, proxyerr.Validationf("quotas must be >= 0")
	}

	var out KeyRecord
	err := s.mutate(func() error {
		rec, ok := s.keys[key]
		if !ok {
			return proxyerr.Wrap(proxyerr.KindNotFound, "key "+redact(key), ErrKeyNotFound)
		}
		if opts.Name != nil {
			rec.Name = SanitizeName(*opts.Name)
		}
		if opts.Active != nil {
			rec.Active = *opts.Active
		}
		if opts.ExpiresAtMs != nil {
			rec.ExpiresAtMs = *opts.ExpiresAtMs
		}
		if opts.AllowedTools != nil {
			rec.AllowedTools = append([]string(nil), (*opts.AllowedTools)...)
		}
		if opts.DeniedTools != nil {
			rec.DeniedTools = append([]string(nil), (*opts.DeniedTools)...)
		}
		if opts.RateLimit != nil {
			rec.RateLimit = *opts.RateLimit
		}
		if opts.DailyQuota != nil {
			rec.DailyQuota = *opts.DailyQuota
		}
		if opts.MonthlyQuota != nil {
			rec.MonthlyQuota = *opts.MonthlyQuota
		}
		if opts.Metadata != nil {
			rec.Metadata = cloneMeta(*opts.Metadata)
		}
		out = rec.clone()
		return nil
	})
	return out, err
}

// RevokeKey deactivates a key without deleting its record.
func (s *Store) RevokeKey(key string) error {
	active := false
	_, err := s.UpdateKey(key, UpdateOptions{Active: &active})
	return err
}

// DeleteKey removes a key and any aliases pointing at it.
func (s *Store) DeleteKey(key string) error {
	return s.mutate(func() error {
		if _, ok := s.keys[key]; !ok {
			return proxyerr.Wrap(proxyerr.KindNotFound, "key "+redact(key), ErrKeyNotFound)
		}
		delete(s.keys, key)
		for old, alias := range s.aliases {
			if alias.New == key {
				delete(s.aliases, old)
			}
		}
		return nil
	})
}

// SetCredits replaces the balance.
func (s *Store) SetCredits(key string, credits int64) (KeyRecord, error) {
	if credits < 0 {
		return KeyRecord{}, proxyerr.Validationf("credits must be >= 0")
	}
	var out KeyRecord
	err := s.mutate(func() error {
		rec, ok := s.keys[key]
		if !ok {
			return proxyerr.Wrap(proxyerr.KindNotFound, "key "+redact(key), ErrKeyNotFound)
		}
		rec.Credits = credits
		out = rec.clone()
		return nil
	})
	return out, err
}

// AddCredits applies a signed delta. A negative delta larger than the balance
// fails without mutating.
func (s *Store) AddCredits(key string, delta int64) (KeyRecord, error) {
	var out KeyRecord
	err := s.mutate(func() error {
		rec, ok := s.keys[key]
		if !ok {
			return proxyerr.Wrap(proxyerr.KindNotFound, "key "+redact(key), ErrKeyNotFound)
		}
		next := rec.Credits + delta
		if next < 0 {
			return insufficient(rec.Credits, -delta)
		}
		rec.Credits = next
		out = rec.clone()
		return nil
	})
	return out, err
}

// DeductCredits removes amount from the balance. amount must be positive.
func (s *Store) DeductCredits(key string, amount int64) (KeyRecord, error) {
	if amount <= 0 {
		return KeyRecord{}, proxyerr.Validationf("amount must be > 0")
	}
	return s.AddCredits(key, -amount)
}

// Charge deducts the cost of one completed tool call and rolls the key's
// lifetime counters: TotalSpent, TotalCalls and LastUsedAtMs. amount may be
// zero for free tools; the call still counts.
func (s *Store) Charge(key string, amount int64) (KeyRecord, error) {
	if amount < 0 {
		return KeyRecord{}, proxyerr.Validationf("amount must be >= 0")
	}
	var out KeyRecord
	err := s.mutate(func() error {
		rec, ok := s.keys[key]
		if !ok {
			return proxyerr.Wrap(proxyerr.KindNotFound, "key "+redact(key), ErrKeyNotFound)
		}
		if rec.Credits < amount {
			return insufficient(rec.Credits, amount)
		}
		rec.Credits -= amount
		rec.TotalSpent += amount
		rec.TotalCalls++
		rec.LastUsedAtMs = s.clk.NowMs()
		out = rec.clone()
		return nil
	})
	return out, err
}

// Credits returns the current balance.
func (s *Store) Credits(key string) (int64, error) {
	rec, err := s.GetKey(key)
	if err != nil {
		return 0, err
	}
	return rec.Credits, nil
}

// CheckQuota reports whether recording n more calls would stay within the
// key's daily and monthly quotas. Windows roll lazily before the check.
func (s *Store) CheckQuota(key string, n int64) error {
	if n < 0 {
		return proxyerr.Validationf("n must be >= 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.keys[key]
	if !ok {
		return proxyerr.Wrap(proxyerr.KindNotFound, "key "+redact(key), ErrKeyNotFound)
	}
	s.rollQuotasLocked(rec)
	if rec.DailyQuota > 0 && rec.DailyUsed+n > rec.DailyQuota {
		return proxyerr.Wrap(proxyerr.KindPolicyDenied, "daily quota exceeded", ErrQuotaExceeded).
			WithData("deny", proxyerr.DenyCredits).
			WithData("quota", "daily").
			WithData("resetAtMs", rec.DailyResetAtMs)
	}
	if rec.MonthlyQuota > 0 && rec.MonthlyUsed+n > rec.MonthlyQuota {
		return proxyerr.Wrap(proxyerr.KindPolicyDenied, "monthly quota exceeded", ErrQuotaExceeded).
			WithData("deny", proxyerr.DenyCredits).
			WithData("quota", "monthly").
			WithData("resetAtMs", rec.MonthlyResetAtMs)
	}
	return nil
}

// RecordUsage counts n calls against the quota windows.
func (s *Store) RecordUsage(key string, n int64) error {
	if n < 0 {
		return proxyerr.Validationf("n must be >= 0")
	}
	return s.mutate(func() error {
		rec, ok := s.keys[key]
		if !ok {
			return proxyerr.Wrap(proxyerr.KindNotFound, "key "+redact(key), ErrKeyNotFound)
		}
		s.rollQuotasLocked(rec)
		rec.DailyUsed += n
		rec.MonthlyUsed += n
		return nil
	})
}

// Rotate replaces the key value, keeping the record. The old value keeps
// resolving for graceMs milliseconds. Returns the updated record under its
// new key value.
func (s *Store) Rotate(key string, graceMs int64) (KeyRecord, error) {
	if graceMs < 0 {
		return KeyRecord{}, proxyerr.Validationf("grace must be >= 0")
	}
	var out KeyRecord
	err := s.mutate(func() error {
		rec, ok := s.keys[key]
		if !ok {
			return proxyerr.Wrap(proxyerr.KindNotFound, "key "+redact(key), ErrKeyNotFound)
		}
		prefix := DefaultPrefix
		if i := strings.IndexByte(key, '_'); i > 0 {
			prefix = key[:i]
		}
		newKey, err := generateKey(prefix)
		if err != nil {
			return proxyerr.Wrap(proxyerr.KindInternal, "generate key", err)
		}
		delete(s.keys, key)
		rec.Key = newKey
		s.keys[newKey] = rec
		// Re-target aliases from earlier rotations so resolution stays one hop.
		for old, alias := range s.aliases {
			if alias.New == key {
				alias.New = newKey
				s.aliases[old] = alias
			}
		}
		if graceMs > 0 {
			s.aliases[key] = Alias{Old: key, New: newKey, ExpiresAt: s.clk.NowMs() + graceMs}
		}
		out = rec.clone()
		return nil
	})
	return out, err
}

// Snapshot returns a deep copy of the persistable state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Restore replaces the store content with a snapshot (used at boot).
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys = make(map[string]*KeyRecord, len(snap.Keys))
	for i := range snap.Keys {
		rec := snap.Keys[i].clone()
		s.keys[rec.Key] = &rec
	}
	s.aliases = make(map[string]Alias, len(snap.Aliases))
	for _, alias := range snap.Aliases {
		s.aliases[alias.Old] = alias
	}
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{Keys: make([]KeyRecord, 0, len(s.keys))}
	for _, rec := range s.keys {
		snap.Keys = append(snap.Keys, rec.clone())
	}
	sort.Slice(snap.Keys, func(i, j int) bool { return snap.Keys[i].Key < snap.Keys[j].Key })
	for _, alias := range s.aliases {
		snap.Aliases = append(snap.Aliases, alias)
	}
	sort.Slice(snap.Aliases, func(i, j int) bool { return snap.Aliases[i].Old < snap.Aliases[j].Old })
	return snap
}

// rollQuotasLocked advances expired quota windows. Callers hold s.mu.
func (s *Store) rollQuotasLocked(rec *KeyRecord) {
	now := s.clk.Now()
	nowMs := now.UnixMilli()
	if rec.DailyResetAtMs == 0 {
		rec.DailyResetAtMs = nextUTCMidnight(now).UnixMilli()
	}
	if rec.MonthlyResetAtMs == 0 {
		rec.MonthlyResetAtMs = firstOfNextMonth(now).UnixMilli()
	}
	if nowMs >= rec.DailyResetAtMs {
		rec.DailyUsed = 0
		rec.DailyResetAtMs = nextUTCMidnight(now).UnixMilli()
	}
	if nowMs >= rec.MonthlyResetAtMs {
		rec.MonthlyUsed = 0
		rec.MonthlyResetAtMs = firstOfNextMonth(now).UnixMilli()
	}
}

// ToolAllowed evaluates the record's own ACL for a tool. Denied entries win;
// a non-empty allow list is exhaustive. "*" matches any tool.
func (r KeyRecord) ToolAllowed(tool string) bool {
	for _, d := range r.DeniedTools {
		if d == tool || d == "*" {
			return false
		}
	}
	if len(r.AllowedTools) == 0 {
		return true
	}
	for _, a := range r.AllowedTools {
		if a == tool || a == "*" {
			return true
		}
	}
	return false
}

// Expired reports whether the key is past its expiry at nowMs.
func (r KeyRecord) Expired(nowMs int64) bool {
	return r.ExpiresAtMs > 0 && nowMs >= r.ExpiresAtMs
}

func (r *KeyRecord) clone() KeyRecord {
	out := *r
	out.AllowedTools = append([]string(nil), r.AllowedTools...)
	out.DeniedTools = append([]string(nil), r.DeniedTools...)
	out.Metadata = cloneMeta(r.Metadata)
	return out
}

// SanitizeName strips non-printable runes, trims whitespace and truncates to
// 200 runes.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	runes := []rune(out)
	if len(runes) > maxNameLen {
		out = string(runes[:maxNameLen])
	}
	return out
}

func insufficient(balance, needed int64) error {
	return proxyerr.Wrap(proxyerr.KindPolicyDenied, "insufficient credits", ErrInsufficientCredits).
		WithData("deny", proxyerr.DenyCredits).
		WithData("balance", balance).
		WithData("needed", needed)
}

func generateKey(prefix string) (string, error) {
	buf := make([]byte, keyEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return prefix + "_" + hex.EncodeToString(buf), nil
}

func validPrefix(prefix string) bool {
	if len(prefix) == 0 || len(prefix) > 16 {
		return false
	}
	for _, r := range prefix {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// redact shortens a key value for error messages and logs.
func redact(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8] + "..."
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func nextUTCMidnight(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

func firstOfNextMonth(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
