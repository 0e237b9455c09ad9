package model

import (
	"time"
)

// Contact is a best-effort directory entry, upserted opportunistically
// whenever a push-name is observed on inbound traffic. It has no lifecycle
// coupling to conversations and is never authoritative.
type Contact struct {
	ID          string     `json:"id" gorm:"column:id;primaryKey;type:text"`
	ClinicID    string     `json:"clinic_id" gorm:"column:clinic_id;uniqueIndex:idx_contacts_clinic_phone" validate:"required"`
	Phone       string     `json:"phone" gorm:"column:phone;uniqueIndex:idx_contacts_clinic_phone" validate:"required"`
	DisplayName string     `json:"display_name,omitempty" gorm:"column:display_name"`
	PushName    string     `json:"push_name,omitempty" gorm:"column:push_name"`
	AvatarURL   string     `json:"avatar_url,omitempty" gorm:"column:avatar_url"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty" gorm:"column:last_seen_at"`
	CreatedAt   time.Time  `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Contact) TableName() string {
	return "contacts"
}

// ContactUpdateColumns returns the column names updated on conflict.
func ContactUpdateColumns() []string {
	return []string{
		"push_name",
		"last_seen_at",
		"updated_at",
	}
}
