package model

import (
	"time"
)

// ProcessedEmail is a claim on a provider message id. The unique index on
// message_id is what makes the insert usable as a cross-replica claim, so
// rows are hard-deleted on purge rather than soft-deleted. Provider ids are
// case-sensitive, hence the binary collation.
type ProcessedEmail struct {
	ID          uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	MessageID   string    `json:"message_id" gorm:"type:varchar(255) COLLATE utf8mb4_bin;not null;uniqueIndex"`
	ProcessedAt time.Time `json:"processed_at" gorm:"not null;index"`
}

// TableName specifies the table name for ProcessedEmail
func (ProcessedEmail) TableName() string {
	return "processed_emails"
}
