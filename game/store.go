package game

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Question is one board cell's content. Points holds the round-one base
// value; round two presents the same cell at double value.
type Question struct {
	ID       uint   `gorm:"primaryKey" json:"-"`
	Category string `gorm:"index:idx_cell,unique" json:"category"`
	Round    int    `gorm:"index:idx_cell,unique" json:"round"`
	Points   int    `gorm:"index:idx_cell,unique" json:"points"`
	Text     string `json:"text"`
	Image    string `json:"image,omitempty"`
}

// GameResult records a finished game.
type GameResult struct {
	ID        uint   `gorm:"primaryKey"`
	Code      string `gorm:"index"`
	Winner    string
	Scores    string `gorm:"type:text"`
	CreatedAt time.Time
}

// Store wraps the question catalog and result history. The database URL
// picks the driver: postgres:// connects out, anything else is treated as
// a sqlite path.
type Store struct {
	db *gorm.DB
}

func OpenStore(databaseURL string) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		dialector = postgres.Open(databaseURL)
	} else {
		dialector = sqlite.Open(databaseURL)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Question{}, &GameResult{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{db: db}
	if err := s.seedIfEmpty(); err != nil {
		return nil, err
	}
	return s, nil
}

// Question fetches one cell's content. points is the round-one base value.
func (s *Store) Question(category string, points, round int) (*Question, error) {
	var q Question
	err := s.db.Where("category = ? AND points = ? AND round = ?", category, points, round).First(&q).Error
	if err != nil {
		return nil, fmt.Errorf("question %s/%d round %d: %w", category, points, round, err)
	}
	return &q, nil
}

// Categories lists the distinct categories in the catalog.
func (s *Store) Categories() ([]string, error) {
	var cats []string
	err := s.db.Model(&Question{}).Distinct("category").Order("category").Pluck("category", &cats).Error
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return cats, nil
}

func (s *Store) SaveResult(code, winner string, scores map[string]int) error {
	raw, err := json.Marshal(scores)
	if err != nil {
		return fmt.Errorf("encode scores: %w", err)
	}
	result := GameResult{Code: code, Winner: winner, Scores: string(raw)}
	if err := s.db.Create(&result).Error; err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (s *Store) seedIfEmpty() error {
	var count int64
	if err := s.db.Model(&Question{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count questions: %w", err)
	}
	if count > 0 {
		return nil
	}
	if err := s.db.Create(seedQuestions()).Error; err != nil {
		return fmt.Errorf("seed questions: %w", err)
	}
	return nil
}
