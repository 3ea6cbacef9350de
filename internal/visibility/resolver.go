// Package visibility decides which messages a user may see and splits them
// into unseen and history. It holds no state.
package visibility

import (
	"context"
	"time"

	"github.com/cuihairu/infopopup/internal/messages"
)

// Summary is the list projection; it never carries the body.
type Summary struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	PublishedAt   time.Time `json:"published_at"`
	TargetUserIDs []string  `json:"target_user_ids"`
}

// Detail is the full projection shown in the popup.
type Detail struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	PublishedAt time.Time `json:"published_at"`
}

// Popup is the combined payload for one client round trip.
type Popup struct {
	Unseen  []Detail  `json:"unseen"`
	History []Summary `json:"history"`
}

// UnseenLookup is the part of the seen ledger the resolver reads.
type UnseenLookup interface {
	GetUnseenIDs(ctx context.Context, userID string, existingIDs []string) []string
}

func ToSummary(m *messages.Message) Summary {
	return Summary{ID: m.ID, Title: m.Title, PublishedAt: m.PublishedAt, TargetUserIDs: append([]string{}, m.TargetUserIDs...)}
}

func ToDetail(m *messages.Message) Detail {
	return Detail{ID: m.ID, Title: m.Title, Body: m.Body, PublishedAt: m.PublishedAt}
}

func isTargeted(userID string, m *messages.Message) bool {
	if len(m.TargetUserIDs) == 0 {
		return true
	}
	for _, id := range m.TargetUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// TargetedFor keeps the messages addressed to userID: those with no targets
// and those listing the user. Order is preserved. Every read path goes
// through here.
func TargetedFor(userID string, msgs []*messages.Message) []*messages.Message {
	out := make([]*messages.Message, 0, len(msgs))
	for _, m := range msgs {
		if m != nil && isTargeted(userID, m) {
			out = append(out, m)
		}
	}
	return out
}

// CanView reports whether the detail of m may be shown. Callers answer
// "not found" otherwise so existence does not leak.
func CanView(userID string, isAdmin bool, m *messages.Message) bool {
	if m == nil {
		return false
	}
	return isAdmin || len(TargetedFor(userID, []*messages.Message{m})) == 1
}

// List returns the summaries a user may browse; admins see everything.
func List(userID string, isAdmin bool, msgs []*messages.Message) []Summary {
	if !isAdmin {
		msgs = TargetedFor(userID, msgs)
	}
	out := make([]Summary, 0, len(msgs))
	for _, m := range msgs {
		if m != nil {
			out = append(out, ToSummary(m))
		}
	}
	return out
}

// Partition splits the user's targeted messages into unseen details and
// seen summaries, both in the input order.
func Partition(ctx context.Context, userID string, msgs []*messages.Message, ledger UnseenLookup) Popup {
	targeted := TargetedFor(userID, msgs)
	unseen := unseenSet(ctx, userID, targeted, ledger)
	p := Popup{Unseen: []Detail{}, History: []Summary{}}
	for _, m := range targeted {
		if _, ok := unseen[m.ID]; ok {
			p.Unseen = append(p.Unseen, ToDetail(m))
		} else {
			p.History = append(p.History, ToSummary(m))
		}
	}
	return p
}

// Unseen returns summaries of the user's targeted, unseen messages.
func Unseen(ctx context.Context, userID string, msgs []*messages.Message, ledger UnseenLookup) []Summary {
	targeted := TargetedFor(userID, msgs)
	unseen := unseenSet(ctx, userID, targeted, ledger)
	out := make([]Summary, 0, len(unseen))
	for _, m := range targeted {
		if _, ok := unseen[m.ID]; ok {
			out = append(out, ToSummary(m))
		}
	}
	return out
}

func unseenSet(ctx context.Context, userID string, targeted []*messages.Message, ledger UnseenLookup) map[string]struct{} {
	ids := make([]string, len(targeted))
	for i, m := range targeted {
		ids[i] = m.ID
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ledger.GetUnseenIDs(ctx, userID, ids) {
		set[id] = struct{}{}
	}
	return set
}
