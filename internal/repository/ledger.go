package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"agent-mail-gateway/internal/model"
)

// Ledger records processed provider message ids. A message id can be claimed
// exactly once across every replica sharing the database.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// NewLedger creates a ledger backed by the processed_emails table.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// TryClaim inserts a row for messageID. It returns true when this caller
// inserted the row and false when the unique index rejected it because another
// caller got there first. Any other storage failure is returned as an error.
func (l *Ledger) TryClaim(ctx context.Context, messageID string) (bool, error) {
	record := model.ProcessedEmail{
		MessageID:   messageID,
		ProcessedAt: l.now().UTC(),
	}

	err := l.db.WithContext(ctx).Create(&record).Error
	if err == nil {
		return true, nil
	}
	if isDuplicateKey(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to claim message %s: %w", messageID, err)
}

// Cleanup deletes claims processed before olderThan and returns the number of
// rows removed.
func (l *Ledger) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	result := l.db.WithContext(ctx).
		Where("processed_at < ?", olderThan.UTC()).
		Delete(&model.ProcessedEmail{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge processed emails: %w", result.Error)
	}
	return result.RowsAffected, nil
}
