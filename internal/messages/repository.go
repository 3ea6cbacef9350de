package messages

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository serializes every read and write of the message collection.
// The configuration object is fetched inside each lock scope since the
// host may replace it at any time.
type Repository struct {
	mu     sync.RWMutex
	store  ConfigStore
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

type Option func(*Repository)

func WithLogger(l *slog.Logger) Option { return func(r *Repository) { r.logger = l } }

func WithClock(now func() time.Time) Option { return func(r *Repository) { r.now = now } }

func WithIDGenerator(f func() string) Option { return func(r *Repository) { r.newID = f } }

func NewRepository(store ConfigStore, opts ...Option) *Repository {
	r := &Repository{store: store, now: time.Now, newID: uuid.NewString, logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

func (r *Repository) config(ctx context.Context) (*Config, error) {
	cfg, err := r.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if cfg == nil {
		return nil, ErrNoConfig
	}
	return cfg, nil
}

// ListAll returns copies of all messages, most recently published first.
// Messages sharing a timestamp keep reverse insertion order.
func (r *Repository) ListAll(ctx context.Context) ([]*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, err := r.config(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(cfg.Messages))
	for i := len(cfg.Messages) - 1; i >= 0; i-- {
		if m := cfg.Messages[i]; m != nil {
			out = append(out, m.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	return out, nil
}

// GetByID returns a copy of the message or ErrNotFound.
func (r *Repository) GetByID(ctx context.Context, id string) (*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, err := r.config(ctx)
	if err != nil {
		return nil, err
	}
	if m := find(cfg, id); m != nil {
		return m.Clone(), nil
	}
	return nil, ErrNotFound
}

// Create validates and appends a new message, then persists the configuration.
func (r *Repository) Create(ctx context.Context, title, body, publishedBy string, targets []string) (*Message, error) {
	t, err := Validate(title, body)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, err := r.config(ctx)
	if err != nil {
		return nil, err
	}
	m := &Message{
		ID:            r.newID(),
		Title:         t,
		Body:          body,
		PublishedAt:   r.now().UTC(),
		PublishedBy:   publishedBy,
		TargetUserIDs: NormalizeTargets(targets),
	}
	prev := cfg.Messages
	cfg.Messages = append(append(make([]*Message, 0, len(prev)+1), prev...), m)
	if err := r.store.Save(ctx, cfg); err != nil {
		cfg.Messages = prev
		return nil, fmt.Errorf("save configuration: %w", err)
	}
	r.logger.Info("message created", "id", m.ID, "title", m.Title, "by", publishedBy, "audience", audience(m))
	return m.Clone(), nil
}

// Update replaces title, body and targeting of an existing message. A nil
// or empty targets list makes the message visible to all users again. The
// returned snapshot is taken under the same lock as the mutation; ok is
// false when no message has the id.
func (r *Repository) Update(ctx context.Context, id, title, body string, targets []string) (*Message, bool, error) {
	t, err := Validate(title, body)
	if err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, err := r.config(ctx)
	if err != nil {
		return nil, false, err
	}
	m := find(cfg, id)
	if m == nil {
		return nil, false, nil
	}
	before := *m
	m.Title = t
	m.Body = body
	m.TargetUserIDs = NormalizeTargets(targets)
	if err := r.store.Save(ctx, cfg); err != nil {
		*m = before
		return nil, false, fmt.Errorf("save configuration: %w", err)
	}
	r.logger.Info("message updated", "id", m.ID, "title", m.Title, "audience", audience(m))
	return m.Clone(), true, nil
}

// DeleteMany removes every message whose id is listed and returns the ids
// that were actually removed, in stored order. Nothing is persisted when
// nothing matched.
func (r *Repository) DeleteMany(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, err := r.config(ctx)
	if err != nil {
		return nil, err
	}
	prev := cfg.Messages
	kept := make([]*Message, 0, len(prev))
	var removed []string
	for _, m := range prev {
		if m != nil {
			if _, ok := drop[m.ID]; ok {
				removed = append(removed, m.ID)
				continue
			}
		}
		kept = append(kept, m)
	}
	if len(removed) == 0 {
		return nil, nil
	}
	cfg.Messages = kept
	if err := r.store.Save(ctx, cfg); err != nil {
		cfg.Messages = prev
		return nil, fmt.Errorf("save configuration: %w", err)
	}
	r.logger.Info("messages deleted", "requested", len(ids), "deleted", len(removed))
	return removed, nil
}

// IDs returns the ids of all stored messages.
func (r *Repository) IDs(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, err := r.config(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(cfg.Messages))
	for _, m := range cfg.Messages {
		if m != nil {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func find(cfg *Config, id string) *Message {
	for _, m := range cfg.Messages {
		if m != nil && m.ID == id {
			return m
		}
	}
	return nil
}

func audience(m *Message) string {
	if m.Broadcast() {
		return "all users"
	}
	return fmt.Sprintf("%d user(s)", len(m.TargetUserIDs))
}
