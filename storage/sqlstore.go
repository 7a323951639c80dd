package storage

import (
	"context"
	"fmt"

	"github.com/glebarez/sqlite"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// nodeRow maps the dnseednode table.
type nodeRow struct {
	ID      uint   `gorm:"primaryKey"`
	Address string `gorm:"size:64;not null;uniqueIndex:i_address_port"`
	Port    int    `gorm:"not null;uniqueIndex:i_address_port"`
	Service int64  `gorm:"not null"`
	Score   int    `gorm:"not null"`
}

func (nodeRow) TableName() string { return "dnseednode" }

func rowFor(r Record) nodeRow {
	return nodeRow{Address: r.Address, Port: int(r.Port), Service: int64(r.Services), Score: r.Score}
}

// SQLStore persists records through gorm. Postgres serves production
// deployments; sqlite serves single-host runs and tests.
type SQLStore struct {
	db     *gorm.DB
	tracer trace.Tracer
}

// OpenSQL connects with the named driver and migrates the schema.
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("storage: unknown sql driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	store, err := NewSQLStore(db)
	if err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			sqlDB.Close()
		}
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open gorm handle and migrates the schema.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&nodeRow{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &SQLStore{db: db, tracer: otel.Tracer("dnseed/storage")}, nil
}

// FetchAll loads every stored record.
func (s *SQLStore) FetchAll(ctx context.Context) ([]Record, error) {
	var rows []nodeRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: fetch: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		if row.Port < 0 || row.Port > 0xFFFF {
			continue
		}
		out = append(out, Record{
			Address:  row.Address,
			Port:     uint16(row.Port),
			Services: uint64(row.Service),
			Score:    row.Score,
		})
	}
	return out, nil
}

// Apply commits events in one transaction. Inserts of an existing endpoint
// are ignored; updates and deletes of a missing endpoint affect nothing.
func (s *SQLStore) Apply(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	ctx, span := s.tracer.Start(ctx, "storage.sql.apply", trace.WithAttributes(attribute.Int("events", len(events))))
	defer span.End()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, ev := range events {
			row := rowFor(ev.Record)
			var err error
			switch ev.Kind {
			case EventInsert:
				err = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
			case EventUpdate:
				err = tx.Model(&nodeRow{}).
					Where("address = ? AND port = ?", row.Address, row.Port).
					Updates(map[string]any{"service": row.Service, "score": row.Score}).Error
			case EventDelete:
				err = tx.Where("address = ? AND port = ?", row.Address, row.Port).Delete(&nodeRow{}).Error
			default:
				err = fmt.Errorf("unknown event kind %d", ev.Kind)
			}
			if err != nil {
				return fmt.Errorf("%s %s: %w", ev.Kind, ev.Record.Key(), err)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("storage: apply: %w", err)
	}
	return nil
}

// Purge deletes every stored record.
func (s *SQLStore) Purge(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&nodeRow{}).Error; err != nil {
		return fmt.Errorf("storage: purge: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
