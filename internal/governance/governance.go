// Package governance owns the payout proposal lifecycle for stokie circles:
// proposal creation, one-vote-per-member voting with live tallies, terminal
// approval/rejection decisions, and settlement of approved payouts against
// the circle pool and the recipient's wallet.
package governance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jobbyist/yute-za/internal/events"
	"github.com/jobbyist/yute-za/internal/ledger"
	"github.com/jobbyist/yute-za/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrNotFound         = errors.New("governance: not found")
	ErrNotAMember       = errors.New("governance: not an active circle member")
	ErrCircleClosed     = errors.New("governance: circle no longer accepts proposals")
	ErrInvalidAmount    = errors.New("governance: invalid proposal amount")
	ErrInvalidVoteType  = errors.New("governance: invalid vote type")
	ErrRecipientVote    = errors.New("governance: recipients may not vote on their own payout")
	ErrDuplicateVote    = errors.New("governance: member already voted on this proposal")
	ErrProposalClosed   = errors.New("governance: proposal is closed for voting")
	ErrQuorumNotReached = errors.New("governance: approval quorum not reached")
	ErrSettlementFailed = errors.New("governance: settlement failed, proposal remains pending")
)

var errStaleCircle = errors.New("governance: stale circle version")

const (
	defaultVotingWindow = 7 * 24 * time.Hour
	settleAttempts      = 5
)

type Config struct {
	// VotingWindow is how long a new proposal stays open for votes.
	VotingWindow time.Duration
	// AllowRecipientVote lets the payout recipient vote on their own proposal.
	AllowRecipientVote bool
}

type Service struct {
	db     *gorm.DB
	ledger *ledger.Service
	pub    events.Publisher
	cfg    Config
}

func New(db *gorm.DB, led *ledger.Service, pub events.Publisher, cfg Config) *Service {
	if cfg.VotingWindow <= 0 {
		cfg.VotingWindow = defaultVotingWindow
	}
	return &Service{db: db, ledger: led, pub: pub, cfg: cfg}
}

// CreateProposal opens a pending payout proposal on the circle. The quorum is
// fixed at creation to a simple majority of the active members:
// floor(n/2) + 1. The amount must be covered by the pool at creation time so
// members never vote on an unfunded payout.
func (s *Service) CreateProposal(ctx context.Context, circleID, proposerID, recipientID uint64, amount decimal.Decimal, reason, kind string) (*models.PayoutProposal, error) {
	db := s.db.WithContext(ctx)

	var circle models.Circle
	if err := db.First(&circle, circleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: circle %d", ErrNotFound, circleID)
		}
		return nil, err
	}
	if circle.Status != models.CircleActive {
		return nil, ErrCircleClosed
	}

	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if amount.GreaterThan(circle.CurrentAmount) {
		return nil, fmt.Errorf("%w: exceeds pooled amount", ErrInvalidAmount)
	}

	for _, userID := range []uint64{proposerID, recipientID} {
		ok, err := s.isActiveMember(db, circleID, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: user %d", ErrNotAMember, userID)
		}
	}

	count, err := s.activeMemberCount(db, circleID)
	if err != nil {
		return nil, err
	}

	proposal := models.PayoutProposal{
		CircleID:       circleID,
		RecipientID:    recipientID,
		ProposedByID:   proposerID,
		Amount:         amount,
		Reason:         reason,
		Kind:           kind,
		Status:         models.ProposalPending,
		VotesRequired:  int(count)/2 + 1,
		VotingDeadline: time.Now().Add(s.cfg.VotingWindow),
	}
	if err := db.Create(&proposal).Error; err != nil {
		return nil, err
	}

	s.publish(events.Event{Type: events.ProposalCreated, CircleID: circleID, Payload: proposalEvent(&proposal)})
	return &proposal, nil
}

// VoteResult reports the tallies and status after a vote landed.
type VoteResult struct {
	ProposalID    uint64 `json:"proposal_id"`
	Status        string `json:"status"`
	VotesRequired int    `json:"votes_required"`
	VotesApprove  int    `json:"votes_approve"`
	VotesReject   int    `json:"votes_reject"`
	VotesAbstain  int    `json:"votes_abstain"`
}

// CastVote records one member's vote and re-evaluates the proposal. The vote
// row and its tally increment commit atomically; a duplicate vote is rejected
// by the (proposal, voter) unique index, not just a pre-check. Reaching the
// approve quorum settles the payout immediately; reject uses the same quorum.
//
// When quorum is reached but the pool can no longer cover the amount, the
// vote stays recorded, the proposal stays pending and ErrSettlementFailed is
// returned. A later vote (or retry) re-attempts settlement.
func (s *Service) CastVote(ctx context.Context, proposalID, voterID uint64, voteType, reason string) (*VoteResult, error) {
	var tallyColumn string
	switch voteType {
	case models.VoteApprove:
		tallyColumn = "votes_approve"
	case models.VoteReject:
		tallyColumn = "votes_reject"
	case models.VoteAbstain:
		tallyColumn = "votes_abstain"
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidVoteType, voteType)
	}

	db := s.db.WithContext(ctx)

	var proposal models.PayoutProposal
	if err := db.First(&proposal, proposalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: proposal %d", ErrNotFound, proposalID)
		}
		return nil, err
	}

	now := time.Now()
	if proposal.Status != models.ProposalPending {
		return nil, ErrProposalClosed
	}
	if !now.Before(proposal.VotingDeadline) {
		if err := s.expireNow(db, proposalID); err != nil {
			return nil, err
		}
		return nil, ErrProposalClosed
	}

	ok, err := s.isActiveMember(db, proposal.CircleID, voterID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAMember
	}
	if voterID == proposal.RecipientID && !s.cfg.AllowRecipientVote {
		return nil, ErrRecipientVote
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		vote := models.PayoutVote{
			CircleID:   proposal.CircleID,
			ProposalID: proposalID,
			VoterID:    voterID,
			VoteType:   voteType,
			Reason:     reason,
		}
		if err := tx.Create(&vote).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateVote
			}
			return err
		}

		// SQL-side increment, guarded on the status so a vote racing a
		// terminal transition cannot bump a settled proposal.
		res := tx.Model(&models.PayoutProposal{}).
			Where("id = ? AND status = ?", proposalID, models.ProposalPending).
			Update(tallyColumn, gorm.Expr(tallyColumn+" + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrProposalClosed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := db.First(&proposal, proposalID).Error; err != nil {
		return nil, err
	}

	s.publish(events.Event{Type: events.VoteCast, CircleID: proposal.CircleID, Payload: proposalEvent(&proposal)})

	switch {
	case proposal.VotesApprove >= proposal.VotesRequired:
		if err := s.settle(ctx, &proposal); err != nil {
			return nil, err
		}
	case proposal.VotesReject >= proposal.VotesRequired:
		res := db.Model(&models.PayoutProposal{}).
			Where("id = ? AND status = ?", proposalID, models.ProposalPending).
			Update("status", models.ProposalRejected)
		if res.Error != nil {
			return nil, res.Error
		}
	}

	if err := db.First(&proposal, proposalID).Error; err != nil {
		return nil, err
	}
	if proposal.Status != models.ProposalPending {
		s.publish(events.Event{Type: events.ProposalUpdated, CircleID: proposal.CircleID, Payload: proposalEvent(&proposal)})
	}

	return &VoteResult{
		ProposalID:    proposalID,
		Status:        proposal.Status,
		VotesRequired: proposal.VotesRequired,
		VotesApprove:  proposal.VotesApprove,
		VotesReject:   proposal.VotesReject,
		VotesAbstain:  proposal.VotesAbstain,
	}, nil
}

// settle flips the proposal to approved and moves the money: a conditional
// decrement of the circle pool and a circle_payout credit to the recipient's
// wallet, all in one transaction. Either everything commits or the proposal
// stays pending.
func (s *Service) settle(ctx context.Context, proposal *models.PayoutProposal) error {
	db := s.db.WithContext(ctx)

	for i := 0; i < settleAttempts; i++ {
		err := db.Transaction(func(tx *gorm.DB) error {
			now := time.Now()
			res := tx.Model(&models.PayoutProposal{}).
				Where("id = ? AND status = ?", proposal.ID, models.ProposalPending).
				Updates(map[string]any{"status": models.ProposalApproved, "settled_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Another voter's call settled or rejected it first.
				return nil
			}

			var circle models.Circle
			if err := tx.First(&circle, proposal.CircleID).Error; err != nil {
				return err
			}
			if circle.CurrentAmount.LessThan(proposal.Amount) {
				return fmt.Errorf("%w: pool holds %s, payout needs %s",
					ErrSettlementFailed, circle.CurrentAmount, proposal.Amount)
			}

			res = tx.Model(&models.Circle{}).
				Where("id = ? AND version = ?", circle.ID, circle.Version).
				Updates(map[string]any{
					"current_amount": circle.CurrentAmount.Sub(proposal.Amount),
					"version":        circle.Version + 1,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errStaleCircle
			}

			proposalID := uint64(proposal.ID)
			_, err := s.ledger.ApplyIn(tx, proposal.RecipientID, models.TxCirclePayout, proposal.Amount, ledger.Options{
				ReferenceID:   &proposalID,
				ReferenceType: models.RefProposal,
				Notes:         fmt.Sprintf("payout from circle %d", proposal.CircleID),
			})
			return err
		})
		if errors.Is(err, errStaleCircle) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: circle pool busy", ErrSettlementFailed)
}

// Resettle re-attempts settlement of a pending proposal that already holds
// enough approvals. Needed when the settling vote failed because the pool
// could not cover the amount at the time: every member may have voted by
// then, so no further vote exists to trigger settlement once the pool
// recovers. Any active circle member may call it until the voting deadline.
func (s *Service) Resettle(ctx context.Context, proposalID, callerID uint64) (*models.PayoutProposal, error) {
	db := s.db.WithContext(ctx)

	var proposal models.PayoutProposal
	if err := db.First(&proposal, proposalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: proposal %d", ErrNotFound, proposalID)
		}
		return nil, err
	}
	if proposal.Status != models.ProposalPending {
		return nil, ErrProposalClosed
	}
	if !time.Now().Before(proposal.VotingDeadline) {
		if err := s.expireNow(db, proposalID); err != nil {
			return nil, err
		}
		return nil, ErrProposalClosed
	}

	ok, err := s.isActiveMember(db, proposal.CircleID, callerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAMember
	}
	if proposal.VotesApprove < proposal.VotesRequired {
		return nil, ErrQuorumNotReached
	}

	if err := s.settle(ctx, &proposal); err != nil {
		return nil, err
	}

	if err := db.First(&proposal, proposalID).Error; err != nil {
		return nil, err
	}
	if proposal.Status != models.ProposalPending {
		s.publish(events.Event{Type: events.ProposalUpdated, CircleID: proposal.CircleID, Payload: proposalEvent(&proposal)})
	}
	return &proposal, nil
}

// expireNow materializes the expired status on a single pending proposal
// whose deadline has already passed; the sweeper would catch it anyway.
func (s *Service) expireNow(db *gorm.DB, proposalID uint64) error {
	return db.Model(&models.PayoutProposal{}).
		Where("id = ? AND status = ?", proposalID, models.ProposalPending).
		Update("status", models.ProposalExpired).Error
}

// ExpireStale materializes the expired status on pending proposals whose
// voting deadline has passed. Intended to run periodically; lazy expiry in
// CastVote covers the gap between sweeps.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) ([]models.PayoutProposal, error) {
	db := s.db.WithContext(ctx)

	var stale []models.PayoutProposal
	err := db.
		Where("status = ? AND voting_deadline < ?", models.ProposalPending, now).
		Find(&stale).Error
	if err != nil || len(stale) == 0 {
		return nil, err
	}

	ids := make([]uint64, 0, len(stale))
	for _, p := range stale {
		ids = append(ids, uint64(p.ID))
	}
	res := db.Model(&models.PayoutProposal{}).
		Where("id IN ? AND status = ?", ids, models.ProposalPending).
		Update("status", models.ProposalExpired)
	if res.Error != nil {
		return nil, res.Error
	}

	for i := range stale {
		stale[i].Status = models.ProposalExpired
		s.publish(events.Event{Type: events.ProposalUpdated, CircleID: stale[i].CircleID, Payload: proposalEvent(&stale[i])})
	}
	return stale, nil
}

// Proposal fetches one proposal with its current tallies.
func (s *Service) Proposal(ctx context.Context, proposalID uint64) (*models.PayoutProposal, error) {
	var proposal models.PayoutProposal
	if err := s.db.WithContext(ctx).First(&proposal, proposalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: proposal %d", ErrNotFound, proposalID)
		}
		return nil, err
	}
	return &proposal, nil
}

// CircleProposals lists a circle's proposals, newest first.
func (s *Service) CircleProposals(ctx context.Context, circleID uint64) ([]models.PayoutProposal, error) {
	var proposals []models.PayoutProposal
	err := s.db.WithContext(ctx).
		Where("circle_id = ?", circleID).
		Order("id DESC").
		Find(&proposals).Error
	return proposals, err
}

// ProposalVotes lists the votes recorded for a proposal.
func (s *Service) ProposalVotes(ctx context.Context, proposalID uint64) ([]models.PayoutVote, error) {
	var votes []models.PayoutVote
	err := s.db.WithContext(ctx).
		Where("proposal_id = ?", proposalID).
		Order("id ASC").
		Find(&votes).Error
	return votes, err
}

func (s *Service) isActiveMember(db *gorm.DB, circleID, userID uint64) (bool, error) {
	var count int64
	err := db.Model(&models.CircleMember{}).
		Where("circle_id = ? AND user_id = ? AND is_active = ?", circleID, userID, true).
		Count(&count).Error
	return count > 0, err
}

func (s *Service) activeMemberCount(db *gorm.DB, circleID uint64) (int64, error) {
	var count int64
	err := db.Model(&models.CircleMember{}).
		Where("circle_id = ? AND is_active = ?", circleID, true).
		Count(&count).Error
	return count, err
}

func (s *Service) publish(evt events.Event) {
	if s.pub != nil {
		s.pub.Publish(evt)
	}
}

func proposalEvent(p *models.PayoutProposal) map[string]any {
	return map[string]any{
		"proposal_id":    uint64(p.ID),
		"status":         p.Status,
		"votes_required": p.VotesRequired,
		"votes_approve":  p.VotesApprove,
		"votes_reject":   p.VotesReject,
		"votes_abstain":  p.VotesAbstain,
	}
}
