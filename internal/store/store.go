// Package store persists landmark records to a relational database through gorm.
//
// Two kinds are supported: sqlite (pure Go, github.com/glebarez/sqlite) and
// postgres (gorm.io/driver/postgres). Each InsertBatch is one transaction:
// either every record of the batch is committed or none is.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gelson12/bjj-video-analysis/internal/config"
	"github.com/gelson12/bjj-video-analysis/internal/types"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// defaultChunk caps the rows per INSERT statement inside one batch transaction
const defaultChunk = 500

// PoseData is one row of the pose_data table
type PoseData struct {
	ID           uint    `gorm:"primaryKey;autoIncrement"`
	Frame        int     `gorm:"index:idx_pose_data_frame"`
	LandmarkID   int     `gorm:"column:landmark_id"`
	X            float64 `gorm:"column:x"`
	Y            float64 `gorm:"column:y"`
	Visibility   float64 `gorm:"column:visibility"`
	PositionName *string `gorm:"column:position_name"`
}

func (PoseData) TableName() string { return "pose_data" }

// Store is a landmark store bound to one database connection
type Store struct {
	db     *gorm.DB
	kind   string
	logger *slog.Logger
	chunk  int
}

// Open connects to the configured database and ensures the pose_data table exists.
// Failures match types.ErrPersistence.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	const op = "store.open"

	if logger == nil {
		logger = slog.Default()
	}

	var dialector gorm.Dialector
	var target string
	switch cfg.Kind {
	case config.KindSQLite, "":
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, types.Wrap(types.ErrPersistence, op, err)
			}
		}
		dialector = sqlite.Open(cfg.Path)
		target = cfg.Path
	case config.KindPostgres:
		dialector = postgres.Open(cfg.PostgresDSN())
		target = fmt.Sprintf("%s:%d/%s", cfg.Host, cfg.Port, cfg.Name)
	default:
		return nil, types.Errorf(types.ErrPersistence, op, "unknown database kind %q", cfg.Kind)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 newGormLogger(logger, 200*time.Millisecond),
		SkipDefaultTransaction: true, // InsertBatch opens its own
	})
	if err != nil {
		return nil, types.Wrap(types.ErrPersistence, op, fmt.Errorf("connect %s: %w", target, err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, types.Wrap(types.ErrPersistence, op, err)
	}
	if cfg.Kind != config.KindPostgres {
		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, types.Wrap(types.ErrPersistence, op, fmt.Errorf("ping %s: %w", target, err))
	}
	if err := db.WithContext(ctx).AutoMigrate(&PoseData{}); err != nil {
		sqlDB.Close()
		return nil, types.Wrap(types.ErrPersistence, op, fmt.Errorf("migrate: %w", err))
	}

	logger.Info("landmark store connected", "kind", cfg.Kind, "target", target)

	return &Store{db: db, kind: cfg.Kind, logger: logger, chunk: defaultChunk}, nil
}

// InsertBatch writes all records in one transaction. An empty batch does not touch the database.
func (s *Store) InsertBatch(ctx context.Context, records []types.LandmarkRecord) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([]PoseData, len(records))
	for i, r := range records {
		rows[i] = PoseData{
			Frame:        r.Frame,
			LandmarkID:   r.LandmarkID,
			X:            r.X,
			Y:            r.Y,
			Visibility:   r.Visibility,
			PositionName: r.PositionName,
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, s.chunk).Error
	})
	if err != nil {
		return types.Wrap(types.ErrPersistence, "store.insert_batch",
			fmt.Errorf("insert %d records: %w", len(records), err))
	}

	s.logger.Debug("landmark batch committed", "records", len(records))
	return nil
}

// Count returns the number of stored rows tagged with position, or all rows when position is nil.
func (s *Store) Count(ctx context.Context, position *string) (int64, error) {
	q := s.db.WithContext(ctx).Model(&PoseData{})
	if position != nil {
		q = q.Where("position_name = ?", *position)
	}

	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, types.Wrap(types.ErrPersistence, "store.count", err)
	}
	return n, nil
}

// CountUntagged returns the number of rows with a NULL position_name
func (s *Store) CountUntagged(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&PoseData{}).Where("position_name IS NULL").Count(&n).Error
	if err != nil {
		return 0, types.Wrap(types.ErrPersistence, "store.count", err)
	}
	return n, nil
}

// Frames returns the distinct frame indices stored for position, ascending
func (s *Store) Frames(ctx context.Context, position *string) ([]int, error) {
	q := s.db.WithContext(ctx).Model(&PoseData{}).Distinct("frame").Order("frame")
	if position != nil {
		q = q.Where("position_name = ?", *position)
	}

	var frames []int
	if err := q.Pluck("frame", &frames).Error; err != nil {
		return nil, types.Wrap(types.ErrPersistence, "store.frames", err)
	}
	return frames, nil
}

// Close releases the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	s.logger.Debug("landmark store closed", "kind", s.kind)
	return nil
}
