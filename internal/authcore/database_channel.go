package authcore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("channel.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("channel.empty_database_url")
	errSQLiteEmptyPath     = errors.New("channel.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("channel.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("channel.unsupported_no_scheme")
)

// DatabaseChannel is a Channel persisted through GORM, selected by a
// postgres:// or sqlite:// database URL.
type DatabaseChannel struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
}

type channelRecord struct {
	RecordKey   string `gorm:"column:record_key;primaryKey"`
	RecordValue string `gorm:"column:record_value;not null"`
	ExpiresUnix int64  `gorm:"column:expires_unix;not null;default:0"`
	UpdatedUnix int64  `gorm:"column:updated_unix;not null"`
}

func (channelRecord) TableName() string {
	return "session_channel"
}

// NewDatabaseChannel opens the database, migrates the channel table, and
// returns a ready channel.
func NewDatabaseChannel(ctx context.Context, databaseURL string, clock Clock) (*DatabaseChannel, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("channel.open: %w", errEmptyDatabaseURL)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("channel.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&channelRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("channel.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseChannel{
		db:          gormDB,
		driverLabel: driverLabel,
		clock:       clock,
	}, nil
}

// Driver exposes the selected database driver label.
func (channel *DatabaseChannel) Driver() string {
	return channel.driverLabel
}

// Get returns the value for key, deleting it when its lifetime has elapsed.
func (channel *DatabaseChannel) Get(ctx context.Context, key string) (string, bool, error) {
	var record channelRecord
	err := channel.db.WithContext(ctx).Where("record_key = ?", key).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("channel.get.%s: %w", channel.driverLabel, err)
	}
	if record.ExpiresUnix != 0 && time.Unix(record.ExpiresUnix, 0).Before(channel.clock.Now()) {
		if deleteErr := channel.Delete(ctx, key); deleteErr != nil {
			return "", false, deleteErr
		}
		return "", false, nil
	}
	return record.RecordValue, true, nil
}

// Set upserts the value, bounded by ttl when positive.
func (channel *DatabaseChannel) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	now := channel.clock.Now()
	record := channelRecord{
		RecordKey:   key,
		RecordValue: value,
		UpdatedUnix: now.Unix(),
	}
	if ttl > 0 {
		record.ExpiresUnix = now.Add(ttl).Unix()
	}
	err := channel.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"record_value", "expires_unix", "updated_unix"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("channel.set.%s: %w", channel.driverLabel, err)
	}
	return nil
}

// Delete removes the key.
func (channel *DatabaseChannel) Delete(ctx context.Context, key string) error {
	err := channel.db.WithContext(ctx).Where("record_key = ?", key).Delete(&channelRecord{}).Error
	if err != nil {
		return fmt.Errorf("channel.delete.%s: %w", channel.driverLabel, err)
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("channel.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("channel.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("channel.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("channel.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
