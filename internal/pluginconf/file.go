// Package pluginconf provides the configuration load/save capability the
// message repository is built on, backed by a YAML file or a database row.
package pluginconf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuihairu/infopopup/internal/messages"
	"github.com/cuihairu/infopopup/internal/validation"
	"gopkg.in/yaml.v3"
)

// FileStore keeps the live configuration object for a YAML document. Reload
// swaps in a freshly decoded object, the same way a host replaces plugin
// configuration after an external edit.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu  sync.Mutex
	cfg *messages.Config
}

func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(_ context.Context) (*messages.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg != nil {
		return s.cfg, nil
	}
	cfg, err := s.read()
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	return cfg, nil
}

func (s *FileStore) Save(_ context.Context, cfg *messages.Config) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(s.path, buf.Bytes()); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

// Reload rereads the file and replaces the live object. A document that does
// not decode or validate leaves the current object in place.
func (s *FileStore) Reload(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.read()
	if err != nil {
		return err
	}
	s.cfg = cfg
	s.logger.Info("configuration reloaded", "path", s.path, "messages", len(cfg.Messages))
	return nil
}

func (s *FileStore) read() (*messages.Config, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &messages.Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	return DecodeYAML(b)
}

// DecodeYAML validates a YAML configuration document and decodes it.
func DecodeYAML(b []byte) (*messages.Config, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return &messages.Config{}, nil
	}
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	if err := validation.ValidateConfigValue(doc); err != nil {
		return nil, err
	}
	var cfg messages.Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	normalize(&cfg)
	return &cfg, nil
}

func normalize(cfg *messages.Config) {
	for _, m := range cfg.Messages {
		if m != nil && m.TargetUserIDs == nil {
			m.TargetUserIDs = []string{}
		}
	}
}

func writeAtomic(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
