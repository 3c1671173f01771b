package seed

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/jobbyist/yute-za/internal/circles"
	"github.com/jobbyist/yute-za/internal/ledger"
	"github.com/jobbyist/yute-za/internal/logger"
	"github.com/jobbyist/yute-za/internal/models"
	"github.com/jobbyist/yute-za/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	seedPassword   = "password123"
	openingBalance = "1000.00"
)

var testUsers = []struct {
	Name  string
	Email string
}{
	{"Thandi Mokoena", "thandi@test.com"},
	{"Sipho Dlamini", "sipho@test.com"},
	{"Lerato Nkosi", "lerato@test.com"},
}

// Run creates three demo users with funded wallets and one public circle
// they all belong to, with a first round of contributions already in the
// pool. Re-running is a no-op.
func Run() {
	db := store.DB
	ctx := context.Background()

	var count int64
	if err := db.Model(&models.User{}).Where("email IN ?", []string{testUsers[0].Email, testUsers[1].Email, testUsers[2].Email}).Count(&count).Error; err != nil {
		logger.Log.Fatal("seed check failed", zap.Error(err))
	}
	if count >= int64(len(testUsers)) {
		logger.Log.Info("seed already applied, skipping")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(seedPassword), bcrypt.DefaultCost)
	if err != nil {
		logger.Log.Fatal("failed to hash seed password", zap.Error(err))
	}
	hashed := string(hash)

	led := ledger.New(db)
	circ := circles.New(db, led, nil)

	opening := decimal.RequireFromString(openingBalance)
	ids := make([]uint64, 0, len(testUsers))
	for _, u := range testUsers {
		user := models.User{Name: u.Name, Email: u.Email, Password: hashed}
		if err := db.Create(&user).Error; err != nil {
			logger.Log.Fatal("seed user failed", zap.Error(err))
		}
		if _, err := led.Apply(ctx, uint64(user.ID), models.TxDeposit, opening, ledger.Options{Notes: "opening balance"}); err != nil {
			logger.Log.Fatal("seed deposit failed", zap.Error(err))
		}
		ids = append(ids, uint64(user.ID))
	}

	payoutDate := time.Now().AddDate(0, 1, 0)
	circle, err := circ.Create(ctx, ids[0], circles.CreateParams{
		Name:                "December Groceries",
		Description:         "Saving together for the festive season.",
		GoalDescription:     "R6000 grocery fund by December",
		TargetAmount:        decimal.RequireFromString("6000.00"),
		MonthlyContribution: decimal.RequireFromString("500.00"),
		PayoutType:          models.PayoutLumpSum,
		NextPayoutDate:      &payoutDate,
	})
	if err != nil {
		logger.Log.Fatal("seed circle failed", zap.Error(err))
	}

	for _, id := range ids[1:] {
		if _, err := circ.Join(ctx, uint64(circle.ID), id); err != nil {
			logger.Log.Fatal("seed join failed", zap.Error(err))
		}
	}

	monthly := decimal.RequireFromString("500.00")
	for _, id := range ids {
		if _, err := circ.Contribute(ctx, uint64(circle.ID), id, monthly, "first round"); err != nil {
			logger.Log.Fatal("seed contribution failed", zap.Error(err))
		}
	}

	logger.Log.Info("seeded demo users and circle", zap.String("password", seedPassword))
}
