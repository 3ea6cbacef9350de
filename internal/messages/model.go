// Package messages holds the broadcast message model and the configuration
// backed repository that owns the message collection.
package messages

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxTitleLength = 200
	MaxBodyLength  = 10000
)

// Message is a single admin broadcast. An empty TargetUserIDs means every user.
type Message struct {
	ID            string    `json:"id" yaml:"id"`
	Title         string    `json:"title" yaml:"title"`
	Body          string    `json:"body" yaml:"body"`
	PublishedAt   time.Time `json:"published_at" yaml:"published_at"`
	PublishedBy   string    `json:"published_by" yaml:"published_by"`
	TargetUserIDs []string  `json:"target_user_ids" yaml:"target_user_ids"`
}

// Clone returns a deep copy so callers never share the stored target slice.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.TargetUserIDs = append([]string{}, m.TargetUserIDs...)
	return &cp
}

// Broadcast reports whether the message is addressed to all users.
func (m *Message) Broadcast() bool { return len(m.TargetUserIDs) == 0 }

// Config is the persisted configuration document owning the messages.
type Config struct {
	Messages []*Message `json:"messages" yaml:"messages"`
}

// ConfigStore is the host capability used to load and persist the live
// configuration object. Load may return a different object between calls
// when the host reloads configuration.
type ConfigStore interface {
	Load(ctx context.Context) (*Config, error)
	Save(ctx context.Context, cfg *Config) error
}

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("message not found")
	ErrNoConfig   = errors.New("configuration unavailable")
)

// ValidationError describes a rejected title or body.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Reason }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validate checks title and body and returns the title as it will be stored.
func Validate(title, body string) (string, error) {
	t := strings.TrimSpace(title)
	if t == "" {
		return "", &ValidationError{Field: "title", Reason: "is required"}
	}
	if utf8.RuneCountInString(t) > MaxTitleLength {
		return "", &ValidationError{Field: "title", Reason: "must be at most 200 characters"}
	}
	if strings.TrimSpace(body) == "" {
		return "", &ValidationError{Field: "body", Reason: "is required"}
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return "", &ValidationError{Field: "body", Reason: "must be at most 10000 characters"}
	}
	return t, nil
}

// NormalizeTargets trims ids, drops blanks and duplicates, and keeps order.
// The result is never nil so an untargeted message persists as [].
func NormalizeTargets(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
