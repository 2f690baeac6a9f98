package db

import (
	"github.com/presagio-ai/presagio-backend/internal/chat"
	"github.com/presagio-ai/presagio-backend/internal/models"
	"github.com/presagio-ai/presagio-backend/internal/prediction"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Connect(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&chat.Chat{},
		&chat.Message{},
		&chat.AnswerJob{},
		&prediction.Prediction{},
	)
}

// EnsureSystemUser creates (once) the placeholder owner of anonymous
// market chats and returns its id.
func EnsureSystemUser(gdb *gorm.DB) (string, error) {
	u := models.User{WalletAddress: models.SystemWallet}
	if err := gdb.Where("wallet_address = ?", models.SystemWallet).
		FirstOrCreate(&u).Error; err != nil {
		return "", err
	}
	return u.ID, nil
}
