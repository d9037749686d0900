package model

import (
	"encoding/json"
	"time"
)

// SystemState is one row of the system-wide key/value store. Besides the
// schema version it persists OAuth clients and token sessions across restarts.
type SystemState struct {
	ID        int64           `json:"id"        gorm:"primaryKey;autoIncrement"`
	Key       string          `json:"key"       gorm:"uniqueIndex;not null"`
	Value     json.RawMessage `json:"value"     gorm:"type:jsonb;serializer:json;not null"`
	CreatedAt time.Time       `json:"createdAt" gorm:"not null;default:now()"`
	UpdatedAt time.Time       `json:"updatedAt" gorm:"not null;default:now()"`
}

// TableName implements gorm.Tabler.
func (SystemState) TableName() string { return "system_state" }

// LabelToken counts recent occurrences of one normalized label token within a
// namespace. Rows are bumped on memory writes and scored with exponential
// decay when trending labels are computed.
type LabelToken struct {
	Namespace string    `json:"namespace" gorm:"primaryKey;default:'default'"`
	Token     string    `json:"token"     gorm:"primaryKey;not null"`
	Count     int       `json:"count"     gorm:"not null;default:0"`
	LastSeen  time.Time `json:"lastSeen"  gorm:"not null;default:now();column:last_seen"`
	LastDecay time.Time `json:"lastDecay" gorm:"not null;default:now();column:last_decay"`
}

// TableName implements gorm.Tabler.
func (LabelToken) TableName() string { return "label_tokens" }
