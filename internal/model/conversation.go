package model

import (
	"time"
)

// Conversation status values
const (
	ConversationStatusActive   = "active"
	ConversationStatusArchived = "archived"
)

// Conversation is the denormalized aggregate for one counterpart phone within
// a clinic: preview, unread count and last-message timestamp are kept in sync
// with the conversation's messages. Unique per (clinic_id, phone).
type Conversation struct {
	ID                 string     `json:"id" gorm:"column:id;primaryKey;type:text"`
	ClinicID           string     `json:"clinic_id" gorm:"column:clinic_id;index;uniqueIndex:idx_conversations_clinic_phone" validate:"required"`
	Phone              string     `json:"phone" gorm:"column:phone;uniqueIndex:idx_conversations_clinic_phone" validate:"required"`
	LinkedPatientID    string     `json:"linked_patient_id,omitempty" gorm:"column:linked_patient_id"`
	DisplayName        string     `json:"display_name,omitempty" gorm:"column:display_name"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty" gorm:"column:last_message_at;index"`
	LastMessagePreview string     `json:"last_message_preview,omitempty" gorm:"column:last_message_preview"`
	UnreadCount        int32      `json:"unread_count" gorm:"column:unread_count"`
	Status             string     `json:"status,omitempty" gorm:"column:status"`
	CreatedAt          time.Time  `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time  `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// ConversationUpdateColumns returns the column names that may be updated
// during an upsert. Excludes id, clinic_id, phone (conflict target) and
// created_at.
func ConversationUpdateColumns() []string {
	return []string{
		"linked_patient_id",
		"display_name",
		"last_message_at",
		"last_message_preview",
		"unread_count",
		"status",
		"updated_at",
	}
}
