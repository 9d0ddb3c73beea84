package model

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

type User struct {
	UserID       string    `gorm:"primaryKey;type:varchar(64)" json:"user_id"` // UUID
	Username     string    `gorm:"uniqueIndex;type:varchar(64);not null" json:"username"`
	Email        string    `gorm:"uniqueIndex;type:varchar(320);not null" json:"email"`
	PasswordHash string    `gorm:"type:varchar(128);not null" json:"-"` // BCrypt
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	Bindings []PlatformBinding `gorm:"foreignKey:UserID;references:UserID" json:"platforms"`
}

func (User) TableName() string {
	return "users"
}

// PlatformBinding is the reconciled state of one user on one platform.
// NativeID never changes for the lifetime of the binding.
type PlatformBinding struct {
	ID             uint       `gorm:"primaryKey" json:"-"`
	UserID         string     `gorm:"type:varchar(64);not null;uniqueIndex:idx_binding_user_platform,priority:1" json:"-"`
	Platform       Platform   `gorm:"type:varchar(32);not null;uniqueIndex:idx_binding_user_platform,priority:2" json:"platform"`
	Position       int        `gorm:"not null" json:"-"`
	NativeID       string     `gorm:"type:varchar(255);not null" json:"native_id"`
	Attributes     Attributes `gorm:"-" json:"attributes"`
	AttributesJSON string     `gorm:"column:attributes;type:text" json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (PlatformBinding) TableName() string {
	return "platform_bindings"
}

func (b *PlatformBinding) BeforeSave(tx *gorm.DB) error {
	if b.Attributes == nil {
		b.AttributesJSON = ""
		return nil
	}
	data, err := json.Marshal(b.Attributes)
	if err != nil {
		return err
	}
	b.AttributesJSON = string(data)
	return nil
}

func (b *PlatformBinding) AfterFind(tx *gorm.DB) error {
	if b.AttributesJSON == "" {
		attrs, err := EmptyAttributes(b.Platform)
		if err != nil {
			return err
		}
		b.Attributes = attrs
		return nil
	}
	attrs, err := DecodeAttributes([]byte(b.AttributesJSON))
	if err != nil {
		return err
	}
	b.Attributes = attrs
	return nil
}

// Binding returns the binding for p, if any.
func (u *User) Binding(p Platform) (*PlatformBinding, bool) {
	for i := range u.Bindings {
		if u.Bindings[i].Platform == p {
			return &u.Bindings[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the user and its bindings.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	out.Bindings = make([]PlatformBinding, len(u.Bindings))
	for i, b := range u.Bindings {
		if b.Attributes != nil {
			b.Attributes = b.Attributes.Merge(nil)
		}
		out.Bindings[i] = b
	}
	return &out
}

// Renumber rewrites Position to match slice order and stamps UserID.
func (u *User) Renumber() {
	for i := range u.Bindings {
		u.Bindings[i].Position = i
		u.Bindings[i].UserID = u.UserID
	}
}
