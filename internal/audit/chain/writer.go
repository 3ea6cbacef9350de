// Package chain writes an append-only audit log where every line carries the
// hash of the one before it.
package chain

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	KindMessageCreate = "message_create"
	KindMessageUpdate = "message_update"
	KindMessageDelete = "message_delete"
)

type Writer struct {
	mu   sync.Mutex
	f    *os.File
	prev []byte // previous hash
}

// NewWriter opens path for appending and continues the chain from its last
// event.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	prev, err := lastHash(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{f: f, prev: prev}, nil
}

func (w *Writer) Close() error { return w.f.Close() }

type Event struct {
	Time   time.Time         `json:"time"`
	Kind   string            `json:"kind"`
	Actor  string            `json:"actor"`
	Target string            `json:"target"`
	Meta   map[string]string `json:"meta"`
	Prev   string            `json:"prev"`
	Hash   string            `json:"hash"`
}

func (w *Writer) Log(kind, actor, target string, meta map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	ev := Event{Time: time.Now().UTC(), Kind: kind, Actor: actor, Target: target, Meta: meta, Prev: hex.EncodeToString(w.prev)}
	h, err := digest(w.prev, ev)
	if err != nil {
		return err
	}
	ev.Hash = hex.EncodeToString(h)
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.f.Write(append(b, '\n')); err != nil {
		return err
	}
	w.prev = h
	return nil
}

// digest hashes the event with an empty Hash field, chained to prev.
func digest(prev []byte, ev Event) ([]byte, error) {
	ev.Hash = ""
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(append(append([]byte{}, prev...), b...))
	return h[:], nil
}

// Verify recomputes the chain and returns the number of valid events.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	prev := make([]byte, 32)
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return n, fmt.Errorf("line %d: %w", n+1, err)
		}
		if ev.Prev != hex.EncodeToString(prev) {
			return n, fmt.Errorf("line %d: broken link", n+1)
		}
		h, err := digest(prev, ev)
		if err != nil {
			return n, err
		}
		if ev.Hash != hex.EncodeToString(h) {
			return n, fmt.Errorf("line %d: hash mismatch", n+1)
		}
		prev = h
		n++
	}
	return n, sc.Err()
}

func lastHash(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return make([]byte, 32), nil
	}
	if err != nil {
		return nil, err
	}
	lines := bytes.Split(bytes.TrimSpace(b), []byte{'\n'})
	last := lines[len(lines)-1]
	if len(last) == 0 {
		return make([]byte, 32), nil
	}
	var ev Event
	if err := json.Unmarshal(last, &ev); err != nil {
		return nil, fmt.Errorf("audit tail: %w", err)
	}
	h, err := hex.DecodeString(ev.Hash)
	if err != nil || len(h) != 32 {
		return nil, fmt.Errorf("audit tail: bad hash %q", ev.Hash)
	}
	return h, nil
}
