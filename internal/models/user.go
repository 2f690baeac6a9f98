package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SystemWallet owns chats created by the anonymous market-chat flow.
const SystemWallet = "0x0000000000000000000000000000000000000000"

type User struct {
	ID            string    `gorm:"type:uuid;primaryKey" json:"id"`
	WalletAddress string    `gorm:"type:varchar(42);uniqueIndex;not null" json:"wallet_address"`
	CreatedAt     time.Time `json:"created_at"`
}

func (User) TableName() string { return "users" }

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
