package model

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/schema"
)

func TestCaseSensitiveUniqueColumns(t *testing.T) {
	tests := []struct {
		name  string
		model any
		field string
	}{
		{"processed email message id", &ProcessedEmail{}, "MessageID"},
		{"user email", &User{}, "Email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := schema.Parse(tt.model, &sync.Map{}, schema.NamingStrategy{})
			require.NoError(t, err)
			field := s.LookUpField(tt.field)
			require.NotNil(t, field)
			assert.Contains(t, string(field.DataType), "COLLATE utf8mb4_bin")
			assert.True(t, hasUniqueIndex(s, field), "unique index on %s", field.DBName)
		})
	}
}

func hasUniqueIndex(s *schema.Schema, field *schema.Field) bool {
	for _, idx := range s.ParseIndexes() {
		if idx.Class != "UNIQUE" {
			continue
		}
		for _, opt := range idx.Fields {
			if opt.Field == field {
				return true
			}
		}
	}
	return false
}

func TestEmailSubscriptionIsActive(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, (&EmailSubscription{ExpiresAt: now.Add(time.Minute)}).IsActive(now))
	assert.False(t, (&EmailSubscription{ExpiresAt: now}).IsActive(now))
	assert.False(t, (&EmailSubscription{ExpiresAt: now.Add(-time.Hour)}).IsActive(now))
}
