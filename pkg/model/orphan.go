package model

import (
	"encoding/json"
	"time"
)

// Operation values of an OrphanedAccount: the step that left it behind.
const (
	OrphanRemove     = "remove"     // binding dropped on the update path
	OrphanDelete     = "delete"     // user deprovisioned
	OrphanCompensate = "compensate" // create rolled back
	// OrphanRevoke marks an adopted account whose access grant must be undone
	// but whose account must be kept.
	OrphanRevoke = "revoke"
)

// OrphanedAccount records remote state left behind by a best-effort cleanup step
// (update-path removal, delete path, create-path compensation).
type OrphanedAccount struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Username       string    `gorm:"type:varchar(64);index" json:"username"`
	Platform       Platform  `gorm:"type:varchar(32);not null" json:"platform"`
	NativeID       string    `gorm:"type:varchar(255);not null" json:"native_id"`
	AttributesJSON string    `gorm:"column:attributes;type:text" json:"attributes"`
	Operation      string    `gorm:"type:varchar(32)" json:"operation"`
	Reason         string    `gorm:"type:text" json:"reason"`
	Attempts       int       `gorm:"not null;default:0" json:"attempts"`
	Resolved       bool      `gorm:"index;not null;default:false" json:"resolved"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (OrphanedAccount) TableName() string {
	return "orphaned_accounts"
}

func NewOrphan(username string, b PlatformBinding, op, reason string) *OrphanedAccount {
	o := &OrphanedAccount{
		Username:  username,
		Platform:  b.Platform,
		NativeID:  b.NativeID,
		Operation: op,
		Reason:    reason,
	}
	if b.Attributes != nil {
		if data, err := json.Marshal(b.Attributes); err == nil {
			o.AttributesJSON = string(data)
		}
	}
	return o
}

// Attributes decodes the recorded attribute bag; an empty record yields the zero bag.
func (o *OrphanedAccount) Attributes() (Attributes, error) {
	if o.AttributesJSON == "" {
		return EmptyAttributes(o.Platform)
	}
	return DecodeAttributes([]byte(o.AttributesJSON))
}
