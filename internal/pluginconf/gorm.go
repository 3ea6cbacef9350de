package pluginconf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuihairu/infopopup/internal/messages"
	"github.com/cuihairu/infopopup/internal/validation"
	jsoniter "github.com/json-iterator/go"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ConfigRecord stores one plugin's configuration document.
type ConfigRecord struct {
	Name      string         `gorm:"primaryKey;size:64"`
	Document  datatypes.JSON `gorm:"type:json"`
	UpdatedAt time.Time
}

func (ConfigRecord) TableName() string { return "plugin_configurations" }

func AutoMigrate(db *gorm.DB) error { return db.AutoMigrate(&ConfigRecord{}) }

// GormStore keeps the configuration document in a single database row.
type GormStore struct {
	db     *gorm.DB
	name   string
	logger *slog.Logger

	mu  sync.Mutex
	cfg *messages.Config
}

func NewGormStore(db *gorm.DB, name string, logger *slog.Logger) *GormStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GormStore{db: db, name: name, logger: logger}
}

func (s *GormStore) Load(ctx context.Context) (*messages.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg != nil {
		return s.cfg, nil
	}
	cfg, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	return cfg, nil
}

func (s *GormStore) Save(ctx context.Context, cfg *messages.Config) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	rec := ConfigRecord{Name: s.name, Document: datatypes.JSON(b), UpdatedAt: time.Now().UTC()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"document", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("store configuration: %w", err)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// Reload refetches the row and replaces the live object.
func (s *GormStore) Reload(ctx context.Context) error {
	cfg, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.logger.Info("configuration reloaded", "name", s.name, "messages", len(cfg.Messages))
	return nil
}

func (s *GormStore) fetch(ctx context.Context) (*messages.Config, error) {
	var rec ConfigRecord
	err := s.db.WithContext(ctx).Where("name = ?", s.name).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &messages.Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch configuration: %w", err)
	}
	if err := validation.ValidateConfigJSON(rec.Document); err != nil {
		return nil, err
	}
	var cfg messages.Config
	if len(rec.Document) > 0 {
		if err := json.Unmarshal(rec.Document, &cfg); err != nil {
			return nil, fmt.Errorf("decode configuration: %w", err)
		}
	}
	normalize(&cfg)
	return &cfg, nil
}
