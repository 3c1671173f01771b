package governance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jobbyist/yute-za/internal/governance"
	"github.com/jobbyist/yute-za/internal/ledger"
	"github.com/jobbyist/yute-za/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Circle{},
		&models.CircleMember{},
		&models.Contribution{},
		&models.PayoutProposal{},
		&models.PayoutVote{},
		&models.Wallet{},
		&models.WalletTransaction{},
	))
	return db
}

func newService(t *testing.T, db *gorm.DB, cfg governance.Config) *governance.Service {
	t.Helper()
	if cfg.VotingWindow == 0 {
		cfg.VotingWindow = time.Hour
	}
	return governance.New(db, ledger.New(db), nil, cfg)
}

// fundedCircle builds an active circle with the given pool and member user
// ids 1..n (user 1 is the creator).
func fundedCircle(t *testing.T, db *gorm.DB, pool decimal.Decimal, memberCount int) *models.Circle {
	t.Helper()
	circle := models.Circle{
		Name:                "Test Circle",
		GoalDescription:     "test",
		CreatorID:           1,
		TargetAmount:        decimal.NewFromInt(100000),
		CurrentAmount:       pool,
		MonthlyContribution: decimal.NewFromInt(500),
		PayoutType:          models.PayoutLumpSum,
		Status:              models.CircleActive,
	}
	require.NoError(t, db.Create(&circle).Error)

	for i := 1; i <= memberCount; i++ {
		role := models.RoleMember
		if i == 1 {
			role = models.RoleCreator
		}
		member := models.CircleMember{
			CircleID: uint64(circle.ID),
			UserID:   uint64(i),
			Role:     role,
			IsActive: true,
			JoinedAt: time.Now(),
		}
		require.NoError(t, db.Create(&member).Error)
	}
	return &circle
}

func TestCreateProposal(t *testing.T) {
	db := testDB(t)
	svc := newService(t, db, governance.Config{})
	circle := fundedCircle(t, db, decimal.NewFromInt(1000), 3)

	before := time.Now()
	proposal, err := svc.CreateProposal(context.Background(), uint64(circle.ID), 1, 2, decimal.NewFromInt(600), "school fees", "emergency")
	require.NoError(t, err)

	require.Equal(t, models.ProposalPending, proposal.Status)
	require.Equal(t, 2, proposal.VotesRequired, "3 active members need floor(3/2)+1 = 2 approvals")
	require.Zero(t, proposal.VotesApprove)
	require.Zero(t, proposal.VotesReject)
	require.Zero(t, proposal.VotesAbstain)
	require.True(t, proposal.VotingDeadline.After(before.Add(59*time.Minute)))
}

func TestCreateProposalValidation(t *testing.T) {
	db := testDB(t)
	svc := newService(t, db, governance.Config{})
	circle := fundedCircle(t, db, decimal.NewFromInt(1000), 3)
	ctx := context.Background()
	circleID := uint64(circle.ID)

	_, err := svc.CreateProposal(ctx, 999, 1, 2, decimal.NewFromInt(100), "", "")
	require.ErrorIs(t, err, governance.ErrNotFound)

	_, err = svc.CreateProposal(ctx, circleID, 42, 2, decimal.NewFromInt(100), "", "")
	require.ErrorIs(t, err, governance.ErrNotAMember)

	_, err = svc.CreateProposal(ctx, circleID, 1, 42, decimal.NewFromInt(100), "", "")
	require.ErrorIs(t, err, governance.ErrNotAMember)

	_, err = svc.CreateProposal(ctx, circleID, 1, 2, decimal.Zero, "", "")
	require.ErrorIs(t, err, governance.ErrInvalidAmount)

	_, err = svc.CreateProposal(ctx, circleID, 1, 2, decimal.NewFromInt(1001), "", "")
	require.ErrorIs(t, err, governance.ErrInvalidAmount, "payouts may not exceed the pooled amount")

	require.NoError(t, db.Model(circle).Update("status", models.CircleCancelled).Error)
	_, err = svc.CreateProposal(ctx, circleID, 1, 2, decimal.NewFromInt(100), "", "")
	require.ErrorIs(t, err, governance.ErrCircleClosed)
}

// The round-trip from the ledger's point of view: N approvals from N distinct
// members yield an approved proposal, a pool debit and exactly one
// circle_payout credit to the recipient.
func TestApproveQuorumSettles(t *testing.T) {
	db := testDB(t)
	svc := newService(t, db, governance.Config{})
	led := ledger.New(db)
	circle := fundedCircle(t, db, decimal.NewFromInt(1000), 3)
	ctx := context.Background()

	proposal, err := svc.CreateProposal(ctx, uint64(circle.ID), 1, 2, decimal.NewFromInt(600), "payout to member 2", "")
	require.NoError(t, err)
	proposalID := uint64(proposal.ID)

	result, err := svc.CastVote(ctx, proposalID, 1, models.VoteApprove, "")
	require.NoError(t, err)
	require.Equal(t, models.ProposalPending, result.Status)
	require.Equal(t, 1, result.VotesApprove)

	result, err = svc.CastVote(ctx, proposalID, 3, models.VoteApprove, "")
	require.NoError(t, err)
	require.Equal(t, models.ProposalApproved, result.Status)
	require.Equal(t, 2, result.VotesApprove)

	var updated models.Circle
	require.NoError(t, db.First(&updated, circle.ID).Error)
	require.True(t, decimal.NewFromInt(400).Equal(updated.CurrentAmount), "pool 1000 - 600 = 400, got %s", updated.CurrentAmount)

	wallet, err := led.Wallet(ctx, 2)
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(600).Equal(wallet.Balance))

	var payouts []models.WalletTransaction
	require.NoError(t, db.Where("user_id = ? AND type = ?", 2, models.TxCirclePayout).Find(&payouts).Error)
	require.Len(t, payouts, 1)
	require.NotNil(t, payouts[0].ReferenceID)
	require.Equal(t, proposalID, *payouts[0].ReferenceID)
	require.Equal(t, models.RefProposal, payouts[0].ReferenceType)

	var settled models.PayoutProposal
	require.NoError(t, db.First(&settled, proposalID).Error)
	require.NotNil(t, settled.SettledAt)

	// Terminal states are final.
	_, err = svc.CastVote(ctx, proposalID, 1, models.VoteReject, "")
	require.ErrorIs(t, err, governance.ErrProposalClosed)
}

func TestRejectQuorum(t *testing.T) {
	db := testDB(t)
	svc := newService(t, db, governance.Config{})
	circle := fundedCircle(t, db, decimal.NewFromInt(1000), 3)
	ctx := context.Background()

	proposal, err := svc.CreateProposal(ctx, uint64(circle.ID), 1, 2, decimal.NewFromInt(600), "", "")
	require.NoError(t, err)
	proposalID := uint64(proposal.ID)

	_, err = svc.CastVote(ctx, proposalID, 1, models.VoteReject, "not this month")
	require.NoError(t, err)
	result, err := svc.CastVote(ctx, proposalID, 3, models.VoteReject, "")
	require.NoError(t, err)
	require.Equal(t, models.ProposalRejected, result.Status)

	// No money moved anywhere.
	var updated models.Circle
	require.NoError(t, db.First(&updated, circle.ID).Error)
	require.True(t, decimal.NewFromInt(1000).Equal(updated.CurrentAmount))

	var count int64
	require.NoError(t, db.Model(&models.WalletTransaction{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestRecipientVotePolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("disallowed by default", func(t *testing.T) {
		db := testDB(t)
		svc := newService(t, db, governance.Config{})
		circle := fundedCircle(t, db, decimal.NewFromInt(1000), 3)

		proposal, err := svc.CreateProposal(ctx, uint64(circle.ID), 1, 2, decimal.NewFromInt(600), "", "")
		require.NoError(t, err)

		_, err = svc.CastVote(ctx, uint64(proposal.ID), 2, models.VoteApprove, "")
		require.ErrorIs(t, err, governance.ErrRecipientVote)
	})

	t.Run("allowed when configured", func(t *testing.T) {
		db := testDB(t)
		svc := newService(t, db, governance.Config{AllowRecipientVote: true})
		circle := fundedCircle(t, db, decimal.NewFromInt(1000), 3)

		proposal, err := svc.CreateProposal(ctx, uint64(circle.ID), 1, 2, decimal.NewFromInt(600), "", "")
		require.NoError(t, err)

		_, err = svc.CastVote(ctx, uint64(proposal.ID), 1, models.VoteApprove, "")
		require.NoError(t, err)
		result, err := svc.CastVote(ctx, uint64(proposal.ID), 2, models.VoteApprove, "")
		require.NoError(t, err)
		require.Equal(t, models.ProposalApproved, result.Status)
	})
}

func TestDuplicateVote(t *testing.T) {
	db := testDB(t)
	svc := newService(t, db, governance.Config{})
	circle := fundedCircle(t, db, decimal.NewFromInt(1000), 5)
	ctx := context.Background()

	proposal, err := svc.CreateProposal(ctx, uint64(circle.ID), 1, 2, decimal.NewFromInt(600), "", "")
	require.NoError(t, err)
	proposalID := uint64(proposal.ID)

	_, err = svc.CastVote(ctx, proposalID, 3, models.VoteApprove, "")
	require.NoError(t, err)

	// Changing one's mind is not vote-changing; the second vote fails.
	_, err = svc.CastVote(ctx, proposalID, 3, models.VoteReject, "")
	require.ErrorIs(t, err, governance.ErrDuplicateVote)

	updated, err := svc.Proposal(ctx, proposalID)
	require.NoError(t, err)
	require.Equal(t, 1, updated.VotesApprove)
	require.Zero(t, updated.VotesReject)
}

func TestNonMemberCannotVote(t *testing.T) {
	db := testDB(t)
	svc := newService(t, db, governance.Config{})
	circle := fundedCircle(t, db, decimal.NewFromInt(1000), 3)
	ctx := context.Background()

	proposal, err := svc.CreateProposal(ctx, uint64(circle.ID), 1, 2, decimal.NewFromInt(600), "", "")
	require.NoError(t, err)

	_, err = svc.CastVote(ctx, uint64(proposal.ID), 42, models.VoteApprove, "")
	require.ErrorIs(t, err, governance.ErrNotAMember)

	// A deactivated membership does not count either.
	require.NoError(t, db.Model(&models.CircleMember{}).
		Where("circle_id = ? AND user_id = ?", circle.ID, 3).
		Update("is_active", false).Error)
	_, err = svc.CastVote(ctx, uint64(proposal.ID), 3, models.VoteApprove, "")
	require.ErrorIs(t, err, governance.ErrNotAMember)
}

func TestVoteAfterDeadline(t *testing.T) {
	db := testDB(t)
	svc := newService(t, db, governance.Config{})
	circle := fundedCircle(t, db, decimal.NewFromInt(1000), 3)
	ctx := context.Background()

	proposal, err := svc.CreateProposal(ctx, uint64(circle.ID), 1, 2, decimal.NewFromInt(600), "", "")
	require.NoError(t, err)
	proposalID := uint64(proposal.ID)

	require.NoError(t, db.Model(&models.PayoutProposal{}).
		Where("id = ?", proposalID).
		Update("voting_deadline", time.Now().Add(-time.Minute)).Error)

	_, err = svc.CastVote(ctx, proposalID, 1, models.VoteApprove, "")
	require.ErrorIs(t, err, governance.ErrProposalClosed)

	// The late vote attempt materialized the expiry.
	updated, err := svc.Proposal(ctx, proposalID)
	require.NoError(t, err)
	require.Equal(t, models.ProposalExpired, updated.Status)
}

func TestExpireStale(t *testing.T) {
	db := testDB(t)
	svc := newService(t, db, governance.Config{})
	circle := fundedCircle(t, db, decimal.NewFromInt(1000), 3)
	ctx := context.Background()

	stale, err := svc.CreateProposal(ctx, uint64(circle.ID), 1, 2, decimal.NewFromInt(100), "", "")
	require.NoError(t, err)
	fresh, err := svc.CreateProposal(ctx, uint64(circle.ID), 1, 3, decimal.NewFromInt(100), "", "")
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.PayoutProposal{}).
		Where("id = ?", stale.ID).
		Update("voting_deadline", time.Now().Add(-time.Hour)).Error)

	expired, err := svc.ExpireStale(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, stale.ID, expired[0].ID)
	require.Equal(t, models.ProposalExpired, expired[0].Status)

	untouched, err := svc.Proposal(ctx, uint64(fresh.ID))
	require.NoError(t, err)
	require.Equal(t, models.ProposalPending, untouched.Status)

	// Idempotent: a second sweep finds nothing.
	expired, err = svc.ExpireStale(ctx, time.Now())
	require.NoError(t, err)
	require.Empty(t, expired)
}

// A pool that shrank between proposal creation and quorum must fail
// settlement, keep the vote, and leave the proposal pending.
func TestSettlementFailsWhenPoolShrank(t *testing.T) {
	db := testDB(t)
	svc := newService(t, db, governance.Config{})
	circle := fundedCircle(t, db, decimal.NewFromInt(1000), 3)
	ctx := context.Background()
	circleID := uint64(circle.ID)

	first, err := svc.CreateProposal(ctx, circleID, 1, 2, decimal.NewFromInt(600), "", "")
	require.NoError(t, err)
	second, err := svc.CreateProposal(ctx, circleID, 1, 3, decimal.NewFromInt(600), "", "")
	require.NoError(t, err)

	// First payout drains the pool to 400.
	_, err = svc.CastVote(ctx, uint64(first.ID), 1, models.VoteApprove, "")
	require.NoError(t, err)
	_, err = svc.CastVote(ctx, uint64(first.ID), 3, models.VoteApprove, "")
	require.NoError(t, err)

	_, err = svc.CastVote(ctx, uint64(second.ID), 1, models.VoteApprove, "")
	require.NoError(t, err)
	_, err = svc.CastVote(ctx, uint64(second.ID), 2, models.VoteApprove, "")
	require.ErrorIs(t, err, governance.ErrSettlementFailed)

	updated, err := svc.Proposal(ctx, uint64(second.ID))
	require.NoError(t, err)
	require.Equal(t, models.ProposalPending, updated.Status, "failed settlement rolls back to pending")
	require.Equal(t, 2, updated.VotesApprove, "the vote itself stays recorded")

	var pool models.Circle
	require.NoError(t, db.First(&pool, circleID).Error)
	require.True(t, decimal.NewFromInt(400).Equal(pool.CurrentAmount))

	var count int64
	require.NoError(t, db.Model(&models.WalletTransaction{}).
		Where("user_id = ? AND type = ?", 3, models.TxCirclePayout).
		Count(&count).Error)
	require.Zero(t, count)
}

// A failed write while materializing the expiry must surface, not vanish
// behind ErrProposalClosed.
func TestVoteAfterDeadlineSurfacesExpiryWriteError(t *testing.T) {
	db := testDB(t)
	svc := newService(t, db, governance.Config{})
	circle := fundedCircle(t, db, decimal.NewFromInt(1000), 3)
	ctx := context.Background()

	proposal, err := svc.CreateProposal(ctx, uint64(circle.ID), 1, 2, decimal.NewFromInt(100), "", "")
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.PayoutProposal{}).
		Where("id = ?", proposal.ID).
		Update("voting_deadline", time.Now().Add(-time.Minute)).Error)

	writeErr := errors.New("update failed")
	require.NoError(t, db.Callback().Update().Before("gorm:update").
		Register("failing_updates", func(tx *gorm.DB) { tx.AddError(writeErr) }))

	_, err = svc.CastVote(ctx, uint64(proposal.ID), 1, models.VoteApprove, "")
	require.ErrorIs(t, err, writeErr)
}

func TestResettleGuards(t *testing.T) {
	db := testDB(t)
	svc := newService(t, db, governance.Config{})
	circle := fundedCircle(t, db, decimal.NewFromInt(1000), 3)
	ctx := context.Background()

	proposal, err := svc.CreateProposal(ctx, uint64(circle.ID), 1, 2, decimal.NewFromInt(600), "", "")
	require.NoError(t, err)
	proposalID := uint64(proposal.ID)

	_, err = svc.Resettle(ctx, 999, 1)
	require.ErrorIs(t, err, governance.ErrNotFound)

	_, err = svc.Resettle(ctx, proposalID, 42)
	require.ErrorIs(t, err, governance.ErrNotAMember)

	_, err = svc.Resettle(ctx, proposalID, 1)
	require.ErrorIs(t, err, governance.ErrQuorumNotReached)
}

// Once every member has voted, a proposal stuck at quorum behind an unfunded
// pool has no further vote to trigger settlement; Resettle is the retry.
func TestResettleAfterPoolRecovery(t *testing.T) {
	db := testDB(t)
	svc := newService(t, db, governance.Config{})
	led := ledger.New(db)
	circle := fundedCircle(t, db, decimal.NewFromInt(1000), 3)
	ctx := context.Background()
	circleID := uint64(circle.ID)

	first, err := svc.CreateProposal(ctx, circleID, 1, 2, decimal.NewFromInt(600), "", "")
	require.NoError(t, err)
	second, err := svc.CreateProposal(ctx, circleID, 1, 3, decimal.NewFromInt(600), "", "")
	require.NoError(t, err)

	// First payout drains the pool to 400 so the second cannot settle.
	_, err = svc.CastVote(ctx, uint64(first.ID), 1, models.VoteApprove, "")
	require.NoError(t, err)
	_, err = svc.CastVote(ctx, uint64(first.ID), 3, models.VoteApprove, "")
	require.NoError(t, err)

	_, err = svc.CastVote(ctx, uint64(second.ID), 1, models.VoteApprove, "")
	require.NoError(t, err)
	_, err = svc.CastVote(ctx, uint64(second.ID), 2, models.VoteApprove, "")
	require.ErrorIs(t, err, governance.ErrSettlementFailed)

	// Still unfunded; retrying changes nothing.
	_, err = svc.Resettle(ctx, uint64(second.ID), 1)
	require.ErrorIs(t, err, governance.ErrSettlementFailed)

	// The pool recovers, then settlement goes through.
	require.NoError(t, db.Model(&models.Circle{}).
		Where("id = ?", circleID).
		Update("current_amount", decimal.NewFromInt(800)).Error)

	settled, err := svc.Resettle(ctx, uint64(second.ID), 1)
	require.NoError(t, err)
	require.Equal(t, models.ProposalApproved, settled.Status)
	require.NotNil(t, settled.SettledAt)

	wallet, err := led.Wallet(ctx, 3)
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(600).Equal(wallet.Balance), "got %s", wallet.Balance)

	var pool models.Circle
	require.NoError(t, db.First(&pool, circleID).Error)
	require.True(t, decimal.NewFromInt(200).Equal(pool.CurrentAmount), "got %s", pool.CurrentAmount)

	_, err = svc.Resettle(ctx, uint64(second.ID), 1)
	require.ErrorIs(t, err, governance.ErrProposalClosed)
}

func TestTalliesMatchVoteRows(t *testing.T) {
	db := testDB(t)
	svc := newService(t, db, governance.Config{})
	circle := fundedCircle(t, db, decimal.NewFromInt(1000), 7)
	ctx := context.Background()

	proposal, err := svc.CreateProposal(ctx, uint64(circle.ID), 1, 2, decimal.NewFromInt(600), "", "")
	require.NoError(t, err)
	proposalID := uint64(proposal.ID)
	require.Equal(t, 4, proposal.VotesRequired)

	votes := map[uint64]string{
		1: models.VoteApprove,
		3: models.VoteAbstain,
		4: models.VoteReject,
		5: models.VoteAbstain,
	}
	for voter, voteType := range votes {
		_, err := svc.CastVote(ctx, proposalID, voter, voteType, "")
		require.NoError(t, err)
	}

	updated, err := svc.Proposal(ctx, proposalID)
	require.NoError(t, err)
	require.Equal(t, models.ProposalPending, updated.Status, "abstains never reach quorum")
	require.Equal(t, 1, updated.VotesApprove)
	require.Equal(t, 1, updated.VotesReject)
	require.Equal(t, 2, updated.VotesAbstain)

	var rows int64
	require.NoError(t, db.Model(&models.PayoutVote{}).Where("proposal_id = ?", proposalID).Count(&rows).Error)
	require.EqualValues(t, updated.VotesApprove+updated.VotesReject+updated.VotesAbstain, rows)
}

func TestConcurrentVotesLoseNoIncrement(t *testing.T) {
	db := testDB(t)
	svc := newService(t, db, governance.Config{})
	circle := fundedCircle(t, db, decimal.NewFromInt(1000), 10)
	ctx := context.Background()

	proposal, err := svc.CreateProposal(ctx, uint64(circle.ID), 1, 2, decimal.NewFromInt(600), "", "")
	require.NoError(t, err)
	proposalID := uint64(proposal.ID)
	require.Equal(t, 6, proposal.VotesRequired)

	voters := []uint64{1, 3, 4, 5}
	var wg sync.WaitGroup
	errs := make(chan error, len(voters))
	for _, voter := range voters {
		wg.Add(1)
		go func(voter uint64) {
			defer wg.Done()
			_, err := svc.CastVote(ctx, proposalID, voter, models.VoteApprove, "")
			errs <- err
		}(voter)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	updated, err := svc.Proposal(ctx, proposalID)
	require.NoError(t, err)
	require.Equal(t, len(voters), updated.VotesApprove)
	require.Equal(t, models.ProposalPending, updated.Status)
}
