package store

import (
	"github.com/jobbyist/yute-za/configs"
	"github.com/jobbyist/yute-za/internal/logger"
	"github.com/jobbyist/yute-za/internal/models"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var DB *gorm.DB

func NewDB() {
	dsn := configs.AppConfig.DB.DSN
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: false,
	}), &gorm.Config{
		// Unique-index violations must surface as gorm.ErrDuplicatedKey;
		// the vote and idempotency paths depend on it.
		TranslateError: true,
	})
	if err != nil {
		logger.Log.Fatal("failed to connect to database", zap.Error(err))
	}
	DB = db
	logger.Log.Info("connected to the database")
}

func DBMigrate() {
	DB.AutoMigrate(
		&models.User{},
		&models.Circle{},
		&models.CircleMember{},
		&models.Contribution{},
		&models.PayoutProposal{},
		&models.PayoutVote{},
		&models.Wallet{},
		&models.WalletTransaction{},
	)
	logger.Log.Info("migrations loaded")
}
