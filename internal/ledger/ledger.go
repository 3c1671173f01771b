// Package ledger applies balance-changing operations to digital wallets and
// keeps the append-only transaction trail. Every balance write goes through a
// version-checked conditional update so concurrent operations on the same
// wallet cannot interleave into a lost update or a negative balance.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jobbyist/yute-za/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrInvalidAmount     = errors.New("ledger: amount must be positive")
	ErrUnknownType       = errors.New("ledger: unknown transaction type")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrSelfTransfer      = errors.New("ledger: cannot transfer to the same wallet")
	ErrContention        = errors.New("ledger: wallet busy, retry")
)

// errStaleWallet signals a lost version race; the operation is retried on a
// fresh read.
var errStaleWallet = errors.New("ledger: stale wallet version")

const casAttempts = 5

type Service struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Options carries the optional fields of a transaction.
type Options struct {
	ReferenceID    *uint64
	ReferenceType  string
	IdempotencyKey string
	Notes          string
}

func isDebit(txType string) bool {
	switch txType {
	case models.TxWithdrawal, models.TxTransferOut, models.TxCircleContribution:
		return true
	}
	return false
}

func isCredit(txType string) bool {
	switch txType {
	case models.TxDeposit, models.TxTransferIn, models.TxCirclePayout:
		return true
	}
	return false
}

// Wallet returns the wallet for the given user, creating it on first access.
func (s *Service) Wallet(ctx context.Context, userID uint64) (*models.Wallet, error) {
	db := s.db.WithContext(ctx)
	var w models.Wallet
	err := db.Where("user_id = ?", userID).First(&w).Error
	if err == nil {
		return &w, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	w = models.Wallet{UserID: userID, Balance: decimal.Zero, Status: "active"}
	if err := db.Create(&w).Error; err != nil {
		// Lost a creation race; the other row wins.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if err := db.Where("user_id = ?", userID).First(&w).Error; err != nil {
				return nil, err
			}
			return &w, nil
		}
		return nil, err
	}
	return &w, nil
}

// Transactions returns the most recent transactions for the user's wallet.
func (s *Service) Transactions(ctx context.Context, userID uint64, limit int) ([]models.WalletTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var txs []models.WalletTransaction
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// Apply executes a single balance-changing operation: it reads the wallet,
// computes the new balance per the type's sign, and writes the wallet and the
// transaction row as one atomic unit. Debits that would drive the balance
// negative fail with ErrInsufficientFunds and write nothing.
//
// When opts.IdempotencyKey is set, replaying the same key returns the
// originally created transaction without touching the balance again.
func (s *Service) Apply(ctx context.Context, userID uint64, txType string, amount decimal.Decimal, opts Options) (*models.WalletTransaction, error) {
	if !isDebit(txType) && !isCredit(txType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, txType)
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	db := s.db.WithContext(ctx)

	if opts.IdempotencyKey != "" {
		if prev, err := s.byIdempotencyKey(db, opts.IdempotencyKey); err != nil {
			return nil, err
		} else if prev != nil {
			return prev, nil
		}
	}

	var out *models.WalletTransaction
	for i := 0; i < casAttempts; i++ {
		err := db.Transaction(func(tx *gorm.DB) error {
			created, err := s.applyOnce(tx, userID, txType, amount, opts)
			if err != nil {
				return err
			}
			out = created
			return nil
		})
		if err == nil {
			return out, nil
		}
		if errors.Is(err, errStaleWallet) {
			continue
		}
		// A concurrent call with the same key beat us to it; return its row.
		if opts.IdempotencyKey != "" && errors.Is(err, gorm.ErrDuplicatedKey) {
			if prev, lookupErr := s.byIdempotencyKey(db, opts.IdempotencyKey); lookupErr == nil && prev != nil {
				return prev, nil
			}
		}
		return nil, err
	}
	return nil, ErrContention
}

// ApplyIn is Apply running inside a caller-owned transaction, for operations
// that pair a ledger write with other rows (settlement, contributions).
// Idempotency keys are not supported here; the caller owns atomicity.
func (s *Service) ApplyIn(tx *gorm.DB, userID uint64, txType string, amount decimal.Decimal, opts Options) (*models.WalletTransaction, error) {
	if !isDebit(txType) && !isCredit(txType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, txType)
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	for i := 0; i < casAttempts; i++ {
		created, err := s.applyOnce(tx, userID, txType, amount, opts)
		if errors.Is(err, errStaleWallet) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return created, nil
	}
	return nil, ErrContention
}

// applyOnce performs one attempt: conditional balance update keyed on the
// wallet version, then the transaction row. errStaleWallet means another
// writer got in between the read and the update.
func (s *Service) applyOnce(tx *gorm.DB, userID uint64, txType string, amount decimal.Decimal, opts Options) (*models.WalletTransaction, error) {
	w, err := s.walletIn(tx, userID)
	if err != nil {
		return nil, err
	}

	before := w.Balance
	var after decimal.Decimal
	if isDebit(txType) {
		after = before.Sub(amount)
		if after.IsNegative() {
			return nil, ErrInsufficientFunds
		}
	} else {
		after = before.Add(amount)
	}

	res := tx.Model(&models.Wallet{}).
		Where("id = ? AND version = ?", w.ID, w.Version).
		Updates(map[string]any{"balance": after, "version": w.Version + 1})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errStaleWallet
	}

	record := models.WalletTransaction{
		WalletID:      uint64(w.ID),
		UserID:        userID,
		Type:          txType,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Status:        "completed",
		ReferenceID:   opts.ReferenceID,
		ReferenceType: opts.ReferenceType,
		Notes:         opts.Notes,
	}
	if opts.IdempotencyKey != "" {
		key := opts.IdempotencyKey
		record.IdempotencyKey = &key
	}
	if err := tx.Create(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// Transfer debits one wallet and credits another as a single atomic unit,
// recording a transfer_out/transfer_in pair linked through the debit row.
func (s *Service) Transfer(ctx context.Context, fromUserID, toUserID uint64, amount decimal.Decimal, notes string) (*models.WalletTransaction, *models.WalletTransaction, error) {
	if fromUserID == toUserID {
		return nil, nil, ErrSelfTransfer
	}
	if !amount.IsPositive() {
		return nil, nil, ErrInvalidAmount
	}

	var out, in *models.WalletTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		debit, err := s.ApplyIn(tx, fromUserID, models.TxTransferOut, amount, Options{Notes: notes})
		if err != nil {
			return err
		}
		debitID := uint64(debit.ID)
		credit, err := s.ApplyIn(tx, toUserID, models.TxTransferIn, amount, Options{
			ReferenceID:   &debitID,
			ReferenceType: models.RefTransaction,
			Notes:         notes,
		})
		if err != nil {
			return err
		}
		out, in = debit, credit
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, in, nil
}

func (s *Service) byIdempotencyKey(db *gorm.DB, key string) (*models.WalletTransaction, error) {
	var prev models.WalletTransaction
	err := db.Where("idempotency_key = ?", key).First(&prev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &prev, nil
}

// walletIn is the lazy-create read used inside write transactions.
func (s *Service) walletIn(tx *gorm.DB, userID uint64) (*models.Wallet, error) {
	var w models.Wallet
	err := tx.Where("user_id = ?", userID).First(&w).Error
	if err == nil {
		return &w, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	w = models.Wallet{UserID: userID, Balance: decimal.Zero, Status: "active"}
	if err := tx.Create(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}
