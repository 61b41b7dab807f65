// Package memory persists run history and answers recurrence queries.
package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flakeguard/flakeguard/pkg/config"
	"github.com/flakeguard/flakeguard/pkg/junit"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store provides durable run history. One orchestrator instance is
// the only writer; concurrent readers are fine under WAL.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// SaveRun creates one run record plus one result row per test
	// case in a single transaction.
	SaveRun(
		ctx context.Context,
		project string,
		summary junit.Summary,
		results []junit.TestCase,
		classifierSummary string,
	) (*Run, error)

	// FindRecurrences counts persisted failed result rows matching
	// name and message exactly, within the trailing days-day window
	// of the owning run's timestamp. days <= 0 disables the window.
	// Rows of a run saved earlier in the same call sequence count,
	// including the current run's own rows.
	FindRecurrences(ctx context.Context, name, message string, days int) (int64, error)

	ListRuns(ctx context.Context, project string, limit int) ([]Run, error)
	ListResults(ctx context.Context, runUID string) ([]Result, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.MemoryConfig
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.MemoryConfig) Store {
	return &store{
		log: log.WithField("component", "memory"),
		cfg: cfg,
		now: time.Now,
	}
}

// Start opens the database connection and runs migrations. SQLite
// databases are switched to WAL journal mode for single-writer,
// many-reader access.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	switch s.cfg.Driver {
	case "sqlite":
		if dir := filepath.Dir(s.cfg.SQLite.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating memory directory: %w", err)
			}
		}

		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return fmt.Errorf("opening memory database: %w", err)
	}

	s.db = db

	if s.cfg.Driver == "sqlite" {
		if err := s.db.WithContext(ctx).
			Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
			return fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&Result{},
	); err != nil {
		return fmt.Errorf("running memory migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Run memory connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// SaveRun creates the run and result rows in one transaction.
func (s *store) SaveRun(
	ctx context.Context,
	project string,
	summary junit.Summary,
	results []junit.TestCase,
	classifierSummary string,
) (*Run, error) {
	run := &Run{
		UID:               uuid.NewString(),
		Project:           project,
		Timestamp:         s.now().UTC(),
		Total:             summary.Total,
		Passed:            summary.Passed,
		Failed:            summary.Failed,
		Skipped:           summary.Skipped,
		ClassifierSummary: classifierSummary,
	}

	const batchSize = 100

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}

		if len(results) == 0 {
			return nil
		}

		rows := make([]Result, 0, len(results))

		for _, tc := range results {
			rows = append(rows, Result{
				RunID:   run.ID,
				Name:    tc.Name,
				Suite:   tc.Suite,
				Status:  string(tc.Status),
				Message: tc.Message,
				Details: tc.Details,
				Attempt: tc.Attempt,
			})
		}

		if err := tx.CreateInBatches(rows, batchSize).Error; err != nil {
			return fmt.Errorf("inserting results: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("saving run: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"run":     run.UID,
		"results": len(results),
	}).Debug("Run persisted")

	return run, nil
}

// FindRecurrences counts matching failed rows, exact equality only.
func (s *store) FindRecurrences(
	ctx context.Context, name, message string, days int,
) (int64, error) {
	q := s.db.WithContext(ctx).
		Model(&Result{}).
		Joins("JOIN runs ON runs.id = results.run_id").
		Where("results.name = ? AND results.message = ? AND results.status = ?",
			name, message, string(junit.StatusFailed))

	if days > 0 {
		cutoff := s.now().UTC().AddDate(0, 0, -days)
		q = q.Where("runs.timestamp >= ?", cutoff)
	}

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting recurrences: %w", err)
	}

	return count, nil
}

// ListRuns returns runs newest first, optionally filtered by project.
func (s *store) ListRuns(
	ctx context.Context, project string, limit int,
) ([]Run, error) {
	q := s.db.WithContext(ctx).Order("timestamp DESC")

	if project != "" {
		q = q.Where("project = ?", project)
	}

	if limit > 0 {
		q = q.Limit(limit)
	}

	var runs []Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// ListResults returns all result rows of the run with the given UID.
func (s *store) ListResults(
	ctx context.Context, runUID string,
) ([]Result, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("uid = ?", runUID).
		First(&run).Error; err != nil {
		return nil, fmt.Errorf("finding run %s: %w", runUID, err)
	}

	var results []Result
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", run.ID).
		Order("id ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}

	return results, nil
}

// RecurrenceDays is the trailing window used for recurrence notes.
const RecurrenceDays = 7

// RecurrenceFinder answers recurrence queries. Satisfied by Store.
type RecurrenceFinder interface {
	FindRecurrences(ctx context.Context, name, message string, days int) (int64, error)
}

// RecurrenceNotes annotates every failed case with how often the
// exact (name, message) failure was seen in the trailing window. The
// just-saved run's own rows are included in the count, so a failure
// persisted once reads as seen-once, not new-plus-one.
func RecurrenceNotes(
	ctx context.Context, s RecurrenceFinder, results []junit.TestCase,
) []string {
	var notes []string

	for _, tc := range results {
		if tc.Status != junit.StatusFailed {
			continue
		}

		count, err := s.FindRecurrences(ctx, tc.Name, tc.Message, RecurrenceDays)
		if err != nil {
			notes = append(notes, fmt.Sprintf("%s: memory lookup error %v", tc.Name, err))

			continue
		}

		if count > 1 {
			notes = append(notes, fmt.Sprintf(
				"%s: seen %d times in last %d days", tc.Name, count, RecurrenceDays,
			))
		} else {
			notes = append(notes, fmt.Sprintf("%s: NEW failure", tc.Name))
		}
	}

	return notes
}
