package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"marketsync/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage persists symbol health. No market data is stored.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the SQLite database at dbPath.
// An empty path resolves to the user config directory.
func NewStorage(dbPath string) (*Storage, error) {
	if dbPath == "" {
		var err error
		if dbPath, err = getDBPath(); err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&domain.SymbolStatus{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "MarketSync", "data", "marketsync.db"), nil
}

// UpsertStatus creates or replaces the status row of a symbol.
func (s *Storage) UpsertStatus(status *domain.SymbolStatus) error {
	return s.db.Save(status).Error
}

// GetStatus retrieves the status of a symbol. Returns nil, nil when unknown.
func (s *Storage) GetStatus(symbol string) (*domain.SymbolStatus, error) {
	var status domain.SymbolStatus
	err := s.db.First(&status, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// AllStatuses returns every stored status ordered by symbol.
func (s *Storage) AllStatuses() ([]domain.SymbolStatus, error) {
	var statuses []domain.SymbolStatus
	err := s.db.Order("symbol").Find(&statuses).Error
	return statuses, err
}

// UnhealthySymbols returns the symbols whose last state was neither SYNCED nor
// a clean STOPPED.
func (s *Storage) UnhealthySymbols() ([]string, error) {
	var symbols []string
	err := s.db.Model(&domain.SymbolStatus{}).
		Where("state NOT IN ?", []string{string(domain.StateSynced), string(domain.StateStopped)}).
		Order("symbol").
		Pluck("symbol", &symbols).Error
	return symbols, err
}

// DeleteStatus removes a symbol's row.
func (s *Storage) DeleteStatus(symbol string) error {
	return s.db.Where("symbol = ?", symbol).Delete(&domain.SymbolStatus{}).Error
}

// Close closes the underlying connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
