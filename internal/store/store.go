// Package store persists pipeline state in SQLite: per-article stage
// statuses, artifact paths, daily throughput stats and publisher accounts.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"genesis-connector/internal/task"
)

// Store handles all database operations using SQLite
type Store struct {
	DB  *gorm.DB
	log *slog.Logger
}

// New opens the SQLite database at path, creating parent directories as
// needed, and migrates the schema.
func New(path string, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}

	// Pure Go driver, no CGO
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA cache_size=10000;")

	err = db.AutoMigrate(
		&Article{},
		&DailyStat{},
		&Publisher{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("State store ready", "path", path)
	return &Store{DB: db, log: log}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health verifies the underlying connection.
func (s *Store) Health() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return task.Wrap(task.KindDependency, "store.health", err)
	}
	return task.Wrap(task.KindDependency, "store.health", sqlDB.Ping())
}

// Checkpoint forces a WAL checkpoint to ensure durability
func (s *Store) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// ============= Article State =============

// RegisterArticle inserts a newly discovered article, leaving an existing
// row untouched. Reports whether the row was created.
func (s *Store) RegisterArticle(a *Article) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	if a.CreatedAt == "" {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	res := s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "article_id"}},
		DoNothing: true,
	}).Create(a)
	if res.Error != nil {
		return false, task.Wrap(task.KindDependency, "store.register", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetArticle retrieves a specific article by ID
func (s *Store) GetArticle(id string) (Article, error) {
	var a Article
	err := s.DB.First(&a, "article_id = ?", id).Error
	return a, err
}

// stageColumn maps a stage name to its status column.
func stageColumn(stage string) (string, error) {
	switch stage {
	case StageDiscovery, StageDownload, StageParse, StageStorage:
		return stage + "_status", nil
	}
	return "", task.Errorf(task.KindInvalid, "store.stage", "unknown stage %q", stage)
}

// stageStamp maps a stage to the timestamp column set on completion.
func stageStamp(stage string) string {
	switch stage {
	case StageDiscovery:
		return "discovered_at"
	case StageDownload:
		return "downloaded_at"
	case StageParse:
		return "parsed_at"
	case StageStorage:
		return "stored_at"
	}
	return ""
}

// SetStageStatus transitions one stage of an article. Completion stamps the
// stage timestamp; failure records the error and bumps the retry counter.
func (s *Store) SetStageStatus(id, stage, status, errMsg string) error {
	col, err := stageColumn(stage)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	updates := map[string]interface{}{
		col:          status,
		"updated_at": now,
	}
	if status == StatusCompleted {
		updates[stageStamp(stage)] = now
	}
	if status == StatusFailed {
		updates["error_message"] = errMsg
		updates["retry_count"] = gorm.Expr("retry_count + 1")
		updates["last_retry_at"] = now
	}

	res := s.DB.Model(&Article{}).Where("article_id = ?", id).Updates(updates)
	if res.Error != nil {
		return task.Wrap(task.KindDependency, "store.status", res.Error)
	}
	if res.RowsAffected == 0 {
		return task.Errorf(task.KindInvalid, "store.status", "unknown article %q", id)
	}
	return nil
}

// Artifacts carries the on-disk paths and size metrics a stage produced.
// Zero-valued fields are left unchanged.
type Artifacts struct {
	HTMLFilePath     string
	ContentFilePath  string
	MetadataFilePath string
	ImagesDirPath    string
	ContentLength    int
	WordCount        int
	ImageCount       int
}

// SetArtifacts records the artifacts produced for an article.
func (s *Store) SetArtifacts(id string, a Artifacts) error {
	updates := map[string]interface{}{
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if a.HTMLFilePath != "" {
		updates["html_file_path"] = a.HTMLFilePath
	}
	if a.ContentFilePath != "" {
		updates["content_file_path"] = a.ContentFilePath
	}
	if a.MetadataFilePath != "" {
		updates["metadata_file_path"] = a.MetadataFilePath
	}
	if a.ImagesDirPath != "" {
		updates["images_dir_path"] = a.ImagesDirPath
	}
	if a.ContentLength > 0 {
		updates["content_length"] = a.ContentLength
	}
	if a.WordCount > 0 {
		updates["word_count"] = a.WordCount
	}
	if a.ImageCount > 0 {
		updates["image_count"] = a.ImageCount
	}
	return task.Wrap(task.KindDependency, "store.artifacts",
		s.DB.Model(&Article{}).Where("article_id = ?", id).Updates(updates).Error)
}

// SetMetadata merges one section of structured stage metadata into the
// article's error_details JSON object.
func (s *Store) SetMetadata(id, section string, data any) error {
	var a Article
	if err := s.DB.Select("error_details").First(&a, "article_id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return task.Errorf(task.KindInvalid, "store.metadata", "unknown article %q", id)
		}
		return task.Wrap(task.KindDependency, "store.metadata", err)
	}

	details := make(map[string]json.RawMessage)
	if a.ErrorDetails != "" {
		if err := json.Unmarshal([]byte(a.ErrorDetails), &details); err != nil {
			details = make(map[string]json.RawMessage)
		}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return task.Wrap(task.KindInvalid, "store.metadata", err)
	}
	details[section] = raw
	blob, err := json.Marshal(details)
	if err != nil {
		return task.Wrap(task.KindInvalid, "store.metadata", err)
	}

	return task.Wrap(task.KindDependency, "store.metadata",
		s.DB.Model(&Article{}).Where("article_id = ?", id).Updates(map[string]interface{}{
			"error_details": string(blob),
			"updated_at":    time.Now().UTC().Format(time.RFC3339),
		}).Error)
}

// ListByStageStatus returns articles whose given stage sits in the given
// status, oldest first.
func (s *Store) ListByStageStatus(stage, status string, limit int) ([]Article, error) {
	col, err := stageColumn(stage)
	if err != nil {
		return nil, err
	}
	var articles []Article
	query := s.DB.Where(col+" = ?", status).Order("created_at asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err = query.Find(&articles).Error
	return articles, task.Wrap(task.KindDependency, "store.list", err)
}

// CountByStage returns the status breakdown for one stage.
func (s *Store) CountByStage(stage string) (map[string]int64, error) {
	col, err := stageColumn(stage)
	if err != nil {
		return nil, err
	}

	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err = s.DB.Model(&Article{}).
		Select(col + " as status, count(*) as n").
		Group(col).
		Scan(&rows).Error
	if err != nil {
		return nil, task.Wrap(task.KindDependency, "store.count", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// CountArticles returns the total number of tracked articles.
func (s *Store) CountArticles() (int64, error) {
	var n int64
	err := s.DB.Model(&Article{}).Count(&n).Error
	return n, task.Wrap(task.KindDependency, "store.count", err)
}

// ============= Statistics (SQL Analytics) =============

var statColumns = map[string]bool{
	"articles_discovered":   true,
	"articles_downloaded":   true,
	"articles_parsed":       true,
	"articles_stored":       true,
	"articles_failed":       true,
	"duplicates_suppressed": true,
}

// IncrementStat atomically bumps one counter on today's stats row.
func (s *Store) IncrementStat(column string, n int64) error {
	if !statColumns[column] {
		return task.Errorf(task.KindInvalid, "store.stats", "unknown stat column %q", column)
	}
	today := time.Now().Format("2006-01-02")

	return task.Wrap(task.KindDependency, "store.stats",
		s.DB.Model(&DailyStat{}).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "date"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				column: gorm.Expr(column+" + ?", n),
			}),
		}).Create(map[string]interface{}{
			"date": today,
			column: n,
		}).Error)
}

// GetDailyHistory returns the last N days of stats
func (s *Store) GetDailyHistory(days int) ([]DailyStat, error) {
	var stats []DailyStat
	err := s.DB.Order("date desc").Limit(days).Find(&stats).Error
	return stats, task.Wrap(task.KindDependency, "store.stats", err)
}

// ============= Publishers =============

// RecordPublisher upserts the publisher account and counts the article
// against it.
func (s *Store) RecordPublisher(mpID, mpName string) error {
	if mpID == "" {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	pub := Publisher{
		MPID:          mpID,
		MPName:        mpName,
		ArticlesCount: 1,
		LastArticleAt: now,
		CreatedAt:     now,
	}
	return task.Wrap(task.KindDependency, "store.publisher",
		s.DB.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "mp_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"mp_name":         mpName,
				"articles_count":  gorm.Expr("articles_count + 1"),
				"last_article_at": now,
			}),
		}).Create(&pub).Error)
}

// GetPublishers returns all known publisher accounts, busiest first.
func (s *Store) GetPublishers(limit int) ([]Publisher, error) {
	var pubs []Publisher
	query := s.DB.Order("articles_count desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&pubs).Error
	return pubs, task.Wrap(task.KindDependency, "store.publisher", err)
}
