// Package seen keeps the durable per-user record of acknowledged message ids.
package seen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/cuihairu/infopopup/internal/objstore"
	jsoniter "github.com/json-iterator/go"
)

// DefaultKey is the ledger document name inside the configured store.
const DefaultKey = "infopopup_seen.json"

var (
	json = jsoniter.ConfigCompatibleWithStandardLibrary

	ErrNoUser = errors.New("user id required")
)

// Record is one user's entry in the persisted ledger document.
type Record struct {
	UserID         string   `json:"user_id"`
	SeenMessageIDs []string `json:"seen_message_ids"`
}

type document struct {
	Records []Record `json:"records"`
}

// snapshot is never mutated after it is published to the cache; writers
// build a new one and swap it in.
type snapshot struct {
	users map[string][]string
}

func emptySnapshot() *snapshot { return &snapshot{users: map[string][]string{}} }

type cache struct {
	snap *snapshot
}

// Observer receives ledger events, e.g. for metrics.
type Observer interface {
	LedgerReset(ctx context.Context)
	SeenMarked(ctx context.Context, n int)
}

type Ledger struct {
	mu       sync.RWMutex
	cache    cache
	store    objstore.Store
	key      string
	logger   *slog.Logger
	observer Observer
}

type Option func(*Ledger)

func WithKey(key string) Option { return func(l *Ledger) { l.key = key } }

func WithLogger(lg *slog.Logger) Option { return func(l *Ledger) { l.logger = lg } }

func WithObserver(o Observer) Option { return func(l *Ledger) { l.observer = o } }

func New(store objstore.Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, key: DefaultKey, logger: slog.Default()}
	for _, o := range opts {
		o(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Init writes an empty ledger when none exists yet and warms the cache.
func (l *Ledger) Init(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.store.Get(ctx, l.key)
	if errors.Is(err, objstore.ErrNotExist) {
		if err := l.persist(ctx, emptySnapshot()); err != nil {
			return fmt.Errorf("create ledger: %w", err)
		}
		l.logger.Info("seen ledger created", "key", l.key)
	} else if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	_, err = l.loadLocked(ctx)
	return err
}

// GetUnseenIDs returns the ids from existingIDs the user has not
// acknowledged, in the order given. A ledger that cannot be read counts as
// empty so delivery never blocks on it.
func (l *Ledger) GetUnseenIDs(ctx context.Context, userID string, existingIDs []string) []string {
	snap := l.current(ctx)
	seen := toSet(snap.users[userID])
	out := make([]string, 0, len(existingIDs))
	for _, id := range existingIDs {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Seen returns a copy of the user's acknowledged ids.
func (l *Ledger) Seen(ctx context.Context, userID string) []string {
	return append([]string{}, l.current(ctx).users[userID]...)
}

// MarkSeen adds ids to the user's set, drops every id not in existingIDs
// and persists the whole ledger once. The cache only changes when the write
// succeeds.
func (l *Ledger) MarkSeen(ctx context.Context, userID string, ids, existingIDs []string) error {
	if userID == "" {
		return ErrNoUser
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	snap, err := l.loadLocked(ctx)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	existing := toSet(existingIDs)
	prev := snap.users[userID]
	merged := make([]string, 0, len(prev)+len(ids))
	have := make(map[string]struct{}, len(prev)+len(ids))
	keep := func(id string) bool {
		id = strings.TrimSpace(id)
		if id == "" {
			return false
		}
		if _, dup := have[id]; dup {
			return false
		}
		have[id] = struct{}{}
		if _, ok := existing[id]; !ok {
			return false
		}
		merged = append(merged, id)
		return true
	}
	for _, id := range prev {
		keep(id)
	}
	added := 0
	for _, id := range ids {
		if keep(id) {
			added++
		}
	}
	next := &snapshot{users: make(map[string][]string, len(snap.users)+1)}
	for u, v := range snap.users {
		next.users[u] = v
	}
	next.users[userID] = merged
	if err := l.persist(ctx, next); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	l.cache.snap = next
	if orphans := len(prev) - countKept(prev, existing); orphans > 0 {
		l.logger.Debug("removed orphaned seen ids", "user", userID, "count", orphans)
	}
	if l.observer != nil && added > 0 {
		l.observer.SeenMarked(ctx, added)
	}
	return nil
}

func (l *Ledger) current(ctx context.Context) *snapshot {
	l.mu.RLock()
	snap := l.cache.snap
	l.mu.RUnlock()
	if snap != nil {
		return snap
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	snap, _ = l.loadLocked(ctx)
	return snap
}

// loadLocked fills the cache on a miss. A document that does not decode is
// replaced by an empty ledger. A failed read is reported and the cache stays
// cold so the next call retries; the returned snapshot is empty in that case.
func (l *Ledger) loadLocked(ctx context.Context) (*snapshot, error) {
	if l.cache.snap != nil {
		return l.cache.snap, nil
	}
	b, err := l.store.Get(ctx, l.key)
	switch {
	case errors.Is(err, objstore.ErrNotExist):
		l.cache.snap = emptySnapshot()
		return l.cache.snap, nil
	case err != nil:
		l.logger.Warn("seen ledger unreadable, treating as empty", "key", l.key, "error", err)
		return emptySnapshot(), err
	}
	snap, err := decode(b)
	if err != nil {
		l.logger.Warn("seen ledger corrupt, resetting", "key", l.key, "error", err)
		if l.observer != nil {
			l.observer.LedgerReset(ctx)
		}
		snap = emptySnapshot()
	}
	l.cache.snap = snap
	return snap, nil
}

func (l *Ledger) persist(ctx context.Context, snap *snapshot) error {
	b, err := encode(snap)
	if err != nil {
		return err
	}
	return l.store.Put(ctx, l.key, b)
}

func decode(b []byte) (*snapshot, error) {
	snap := emptySnapshot()
	if len(strings.TrimSpace(string(b))) == 0 {
		return snap, nil
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	for _, r := range doc.Records {
		if r.UserID == "" {
			continue
		}
		ids := append(snap.users[r.UserID], r.SeenMessageIDs...)
		snap.users[r.UserID] = dedupe(ids)
	}
	return snap, nil
}

// encode writes records sorted by user id, indented for manual inspection.
func encode(snap *snapshot) ([]byte, error) {
	doc := document{Records: make([]Record, 0, len(snap.users))}
	for u, ids := range snap.users {
		doc.Records = append(doc.Records, Record{UserID: u, SeenMessageIDs: append([]string{}, ids...)})
	}
	sort.Slice(doc.Records, func(i, j int) bool { return doc.Records[i].UserID < doc.Records[j].UserID })
	return json.MarshalIndent(doc, "", "  ")
}

func toSet(ids []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	have := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := have[id]; ok || id == "" {
			continue
		}
		have[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func countKept(ids []string, existing map[string]struct{}) int {
	n := 0
	for _, id := range ids {
		if _, ok := existing[id]; ok {
			n++
		}
	}
	return n
}
