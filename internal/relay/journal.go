// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package relay

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	KindPower    = "power"
	KindReadings = "readings"
)

// Delivery is one attempt to reach the upstream service.
type Delivery struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Time       time.Time `gorm:"index"`
	Device     string
	Kind       string
	URL        string
	StatusCode int
	Succeeded  bool `gorm:"index"`
	Error      string
	Payload    string
}

// Journal stores delivery attempts in a local sqlite database.
type Journal struct {
	db *gorm.DB
}

func OpenJournal(path string) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Migrate the schema
	if err := db.AutoMigrate(&Delivery{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Record(d Delivery) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Time.IsZero() {
		d.Time = time.Now()
	}
	return j.db.Create(&d).Error
}

// Failures returns the most recent failed deliveries, newest first.
func (j *Journal) Failures(limit int) ([]Delivery, error) {
	var deliveries []Delivery
	result := j.db.Where("succeeded = ?", false).Order("time desc").Limit(limit).Find(&deliveries)
	if result.Error != nil {
		return nil, result.Error
	}
	return deliveries, nil
}

// Count returns the number of recorded deliveries of the given kind.
func (j *Journal) Count(kind string) (int64, error) {
	var n int64
	result := j.db.Model(&Delivery{}).Where("kind = ?", kind).Count(&n)
	return n, result.Error
}

func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
