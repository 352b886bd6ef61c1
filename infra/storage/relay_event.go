package storage

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RelayEvent is the audit row for one finished relay session.
type RelayEvent struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	MessageID  string    `gorm:"uniqueIndex;size:64;not null"`
	SessionID  string    `gorm:"index;size:64;not null"`
	Kind       string    `gorm:"size:16"`
	UserID     uint      `gorm:"index"`
	State      string    `gorm:"size:16;not null"`
	Bytes      int64     `gorm:"not null;default:0"`
	Error      string    `gorm:"size:1024"`
	StartedAt  time.Time `gorm:"index"`
	DurationMS int64
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

func (RelayEvent) TableName() string {
	return "relay_events"
}

type RelayEventRepository struct {
	db *gorm.DB
}

func NewRelayEventRepository(db *gorm.DB) *RelayEventRepository {
	return &RelayEventRepository{db: db}
}

// Save inserts ev once per MessageID; redelivered messages are ignored.
func (r *RelayEventRepository) Save(ctx context.Context, ev *RelayEvent) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "message_id"}}, DoNothing: true}).
		Create(ev).Error
}
