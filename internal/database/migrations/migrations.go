// Package migrations versions the shipper schema. Applied versions are
// recorded in shipper_schema so that every instance sharing a database agrees
// on what has run.
package migrations

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"gorm.io/gorm"
)

// Migration is one schema step. Down may be nil for steps that cannot be undone.
type Migration struct {
	Version int
	Name    string
	Up      func(tx *gorm.DB) error
	Down    func(tx *gorm.DB) error
}

// appliedVersion is a row in shipper_schema.
type appliedVersion struct {
	Version   int       `gorm:"primaryKey;autoIncrement:false"`
	Name      string    `gorm:"size:200;not null"`
	AppliedAt time.Time `gorm:"not null"`
}

func (appliedVersion) TableName() string { return "shipper_schema" }

// Step is a migration together with its applied state.
type Step struct {
	Version   int        `json:"version" yaml:"version"`
	Name      string     `json:"name" yaml:"name"`
	AppliedAt *time.Time `json:"applied_at,omitempty" yaml:"applied_at,omitempty"`
}

// Applied reports whether the step has run.
func (s Step) Applied() bool { return s.AppliedAt != nil }

// Migrator runs a fixed set of migrations against one database.
type Migrator struct {
	db     *gorm.DB
	logger *slog.Logger
	steps  []Migration
}

// NewMigrator sorts ms by version and rejects duplicates.
func NewMigrator(db *gorm.DB, logger *slog.Logger, ms ...Migration) (*Migrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	steps := slices.Clone(ms)
	slices.SortFunc(steps, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	for i := 1; i < len(steps); i++ {
		if steps[i].Version == steps[i-1].Version {
			return nil, fmt.Errorf("migration version %d registered twice", steps[i].Version)
		}
	}
	return &Migrator{db: db, logger: logger, steps: steps}, nil
}

// Plan lists every known migration in order with its applied time.
func (m *Migrator) Plan(ctx context.Context) ([]Step, error) {
	db := m.db.WithContext(ctx)
	if err := db.AutoMigrate(&appliedVersion{}); err != nil {
		return nil, fmt.Errorf("creating shipper_schema: %w", err)
	}
	var rows []appliedVersion
	if err := db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading shipper_schema: %w", err)
	}
	at := make(map[int]time.Time, len(rows))
	for _, r := range rows {
		at[r.Version] = r.AppliedAt
	}

	plan := make([]Step, len(m.steps))
	for i, mig := range m.steps {
		plan[i] = Step{Version: mig.Version, Name: mig.Name}
		if t, ok := at[mig.Version]; ok {
			plan[i].AppliedAt = &t
		}
	}
	return plan, nil
}

// Up runs every pending migration in order, one transaction each, and
// returns how many ran.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	plan, err := m.Plan(ctx)
	if err != nil {
		return 0, err
	}
	ran := 0
	for i, step := range plan {
		if step.Applied() {
			continue
		}
		mig := m.steps[i]
		m.logger.InfoContext(ctx, "applying migration",
			slog.Int("version", mig.Version),
			slog.String("name", mig.Name))
		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := mig.Up(tx); err != nil {
				return err
			}
			return tx.Create(&appliedVersion{Version: mig.Version, Name: mig.Name, AppliedAt: time.Now().UTC()}).Error
		})
		if err != nil {
			return ran, fmt.Errorf("migration %03d %s: %w", mig.Version, mig.Name, err)
		}
		ran++
	}
	return ran, nil
}

// Rollback undoes up to n applied migrations, newest first, and returns how
// many were undone.
func (m *Migrator) Rollback(ctx context.Context, n int) (int, error) {
	plan, err := m.Plan(ctx)
	if err != nil {
		return 0, err
	}
	undone := 0
	for i := len(plan) - 1; i >= 0 && undone < n; i-- {
		if !plan[i].Applied() {
			continue
		}
		mig := m.steps[i]
		if mig.Down == nil {
			return undone, fmt.Errorf("migration %03d %s cannot be rolled back", mig.Version, mig.Name)
		}
		m.logger.WarnContext(ctx, "rolling back migration",
			slog.Int("version", mig.Version),
			slog.String("name", mig.Name))
		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := mig.Down(tx); err != nil {
				return err
			}
			return tx.Delete(&appliedVersion{}, mig.Version).Error
		})
		if err != nil {
			return undone, fmt.Errorf("rolling back %03d %s: %w", mig.Version, mig.Name, err)
		}
		undone++
	}
	return undone, nil
}
