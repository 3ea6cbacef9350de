package pluginconf

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuihairu/infopopup/internal/db"
	"github.com/cuihairu/infopopup/internal/hotreload"
	"github.com/cuihairu/infopopup/internal/messages"
)

// Store is a ConfigStore whose live object can be replaced on demand.
type Store interface {
	messages.ConfigStore
	Reload(ctx context.Context) error
}

type Settings struct {
	Driver   string // file|db
	Path     string
	Name     string
	DBDriver string
	DSN      string
}

func Open(s Settings, logger *slog.Logger) (Store, error) {
	name := s.Name
	if name == "" {
		name = "infopopup"
	}
	switch strings.ToLower(s.Driver) {
	case "", "file":
		if s.Path == "" {
			return nil, fmt.Errorf("config.path required for file driver")
		}
		return NewFileStore(s.Path, logger), nil
	case "db":
		gdb, err := db.Open(s.DBDriver, s.DSN)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := AutoMigrate(gdb); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return NewGormStore(gdb, name, logger), nil
	default:
		return nil, fmt.Errorf("unknown config driver: %s", s.Driver)
	}
}

// Watch reloads fs whenever its file changes. The returned reloader must be
// stopped by the caller.
func Watch(ctx context.Context, fs *FileStore, logger *slog.Logger) (*hotreload.Reloader, error) {
	hr, err := hotreload.NewReloader(nil, logger)
	if err != nil {
		return nil, err
	}
	err = hr.RegisterHandler(fs.Path(), func(ctx context.Context, _ hotreload.ReloadEvent) error {
		return fs.Reload(ctx)
	})
	if err != nil {
		_ = hr.Stop()
		return nil, err
	}
	if err := hr.StartWatching(ctx); err != nil {
		_ = hr.Stop()
		return nil, err
	}
	return hr, nil
}

// Refresh calls s.Reload every interval (when > 0) and whenever trigger
// fires, until ctx is done. The file driver is normally covered by Watch;
// this serves the db driver, which has no change notification. A failed
// reload keeps the previous live object.
func Refresh(ctx context.Context, s Store, interval time.Duration, trigger <-chan struct{}, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case _, ok := <-trigger:
			if !ok {
				trigger = nil
				continue
			}
		}
		if err := s.Reload(ctx); err != nil {
			logger.Warn("configuration refresh failed", "error", err)
		}
	}
}
