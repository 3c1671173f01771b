package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type User struct {
	gorm.Model
	Name     string `gorm:"size:50;not null"`
	Email    string `gorm:"uniqueIndex;size:255;not null"`
	Password string `gorm:"size:255"`
}

// Circle statuses.
const (
	CircleActive    = "active"
	CirclePaused    = "paused"
	CircleCompleted = "completed"
	CircleCancelled = "cancelled"
)

// Payout types.
const (
	PayoutRotating = "rotating"
	PayoutLumpSum  = "lump_sum"
)

type Circle struct {
	gorm.Model
	Name                string          `gorm:"size:100;not null"`
	Description         string          `gorm:"size:500"`
	GoalDescription     string          `gorm:"size:500;not null"`
	CreatorID           uint64          `gorm:"index;not null"`
	TargetAmount        decimal.Decimal `gorm:"not null"`
	CurrentAmount       decimal.Decimal `gorm:"not null"`
	MonthlyContribution decimal.Decimal `gorm:"not null"`
	PayoutType          string          `gorm:"size:20;not null"` // rotating | lump_sum
	NextPayoutDate      *time.Time
	Status              string `gorm:"size:20;index;not null;default:active"`
	IsPrivate           bool   `gorm:"not null;default:false"`
	// Version guards pool writes; bumped on every current_amount update.
	Version uint64 `gorm:"not null;default:0"`
}

func (Circle) TableName() string { return "stokie_circles" }

// Member roles.
const (
	RoleCreator = "creator"
	RoleAdmin   = "admin"
	RoleMember  = "member"
)

type CircleMember struct {
	gorm.Model
	CircleID uint64 `gorm:"uniqueIndex:idx_circle_members_circle_user;not null"`
	UserID   uint64 `gorm:"uniqueIndex:idx_circle_members_circle_user;not null"`
	Role     string `gorm:"size:20;not null;default:member"` // creator | admin | member
	IsActive bool   `gorm:"not null;default:true"`
	JoinedAt time.Time
}

type Contribution struct {
	gorm.Model
	CircleID         uint64          `gorm:"index;not null"`
	UserID           uint64          `gorm:"index;not null"`
	Amount           decimal.Decimal `gorm:"not null"`
	PaymentReference string          `gorm:"size:64"`
	PaymentStatus    string          `gorm:"size:20;not null;default:completed"`
	Notes            string          `gorm:"size:255"`
}

// Proposal statuses.
const (
	ProposalPending  = "pending"
	ProposalApproved = "approved"
	ProposalRejected = "rejected"
	ProposalExpired  = "expired"
)

type PayoutProposal struct {
	gorm.Model
	CircleID       uint64          `gorm:"index;not null"`
	RecipientID    uint64          `gorm:"index;not null"`
	ProposedByID   uint64          `gorm:"not null"`
	Amount         decimal.Decimal `gorm:"not null"`
	Reason         string          `gorm:"size:500"`
	Kind           string          `gorm:"size:30"`
	Status         string          `gorm:"size:20;index;not null;default:pending"`
	VotesRequired  int             `gorm:"not null"`
	VotesApprove   int             `gorm:"not null;default:0"`
	VotesReject    int             `gorm:"not null;default:0"`
	VotesAbstain   int             `gorm:"not null;default:0"`
	VotingDeadline time.Time       `gorm:"not null"`
	SettledAt      *time.Time
}

// Open reports whether the proposal can still take votes at the given time.
func (p *PayoutProposal) Open(now time.Time) bool {
	return p.Status == ProposalPending && now.Before(p.VotingDeadline)
}

// Vote types.
const (
	VoteApprove = "approve"
	VoteReject  = "reject"
	VoteAbstain = "abstain"
)

type PayoutVote struct {
	gorm.Model
	CircleID   uint64 `gorm:"index;not null"`
	ProposalID uint64 `gorm:"uniqueIndex:idx_payout_votes_proposal_voter;not null"`
	VoterID    uint64 `gorm:"uniqueIndex:idx_payout_votes_proposal_voter;not null"`
	VoteType   string `gorm:"size:10;not null"` // approve | reject | abstain
	Reason     string `gorm:"size:255"`
}

type Wallet struct {
	gorm.Model
	UserID  uint64          `gorm:"uniqueIndex;not null"`
	Balance decimal.Decimal `gorm:"not null"`
	Status  string          `gorm:"size:20;not null;default:active"`
	// Version guards balance writes; bumped on every balance update.
	Version uint64 `gorm:"not null;default:0"`
}

func (Wallet) TableName() string { return "digital_wallets" }

// Wallet transaction types.
const (
	TxDeposit            = "deposit"
	TxWithdrawal         = "withdrawal"
	TxTransferIn         = "transfer_in"
	TxTransferOut        = "transfer_out"
	TxCircleContribution = "circle_contribution"
	TxCirclePayout       = "circle_payout"
)

// Reference types for transactions linked to another entity.
const (
	RefCircle      = "circle"
	RefProposal    = "proposal"
	RefTransaction = "transaction"
)

type WalletTransaction struct {
	gorm.Model
	WalletID       uint64          `gorm:"index;not null"`
	UserID         uint64          `gorm:"index;not null"`
	Type           string          `gorm:"size:30;not null"`
	Amount         decimal.Decimal `gorm:"not null"`
	BalanceBefore  decimal.Decimal `gorm:"not null"`
	BalanceAfter   decimal.Decimal `gorm:"not null"`
	Status         string          `gorm:"size:20;not null;default:completed"`
	ReferenceID    *uint64         `gorm:"index"`
	ReferenceType  string          `gorm:"size:30"`
	IdempotencyKey *string         `gorm:"uniqueIndex;size:64"`
	Notes          string          `gorm:"size:255"`
}
