// Package circles manages stokie circles: creation, membership and pool
// contributions. Contributions move money from the member's wallet into the
// circle pool through the ledger, so the pool and the wallet trail always
// agree.
package circles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jobbyist/yute-za/internal/events"
	"github.com/jobbyist/yute-za/internal/ledger"
	"github.com/jobbyist/yute-za/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrNotFound           = errors.New("circles: not found")
	ErrInvalidParams      = errors.New("circles: invalid circle parameters")
	ErrCircleClosed       = errors.New("circles: circle is not active")
	ErrPrivateCircle      = errors.New("circles: private circles are invite only")
	ErrAlreadyMember      = errors.New("circles: already an active member")
	ErrNotAMember         = errors.New("circles: not an active circle member")
	ErrCreatorCannotLeave = errors.New("circles: the creator cannot leave their circle")
	ErrContention         = errors.New("circles: circle pool busy, retry")
)

var errStaleCircle = errors.New("circles: stale circle version")

const casAttempts = 5

type Service struct {
	db     *gorm.DB
	ledger *ledger.Service
	pub    events.Publisher
}

func New(db *gorm.DB, led *ledger.Service, pub events.Publisher) *Service {
	return &Service{db: db, ledger: led, pub: pub}
}

type CreateParams struct {
	Name                string
	Description         string
	GoalDescription     string
	TargetAmount        decimal.Decimal
	MonthlyContribution decimal.Decimal
	PayoutType          string
	IsPrivate           bool
	NextPayoutDate      *time.Time
}

// Create opens a new circle with the creator as its sole member. The circle
// row and the creator membership commit together.
func (s *Service) Create(ctx context.Context, creatorID uint64, p CreateParams) (*models.Circle, error) {
	if p.Name == "" || p.GoalDescription == "" {
		return nil, fmt.Errorf("%w: name and goal are required", ErrInvalidParams)
	}
	if !p.TargetAmount.IsPositive() || !p.MonthlyContribution.IsPositive() {
		return nil, fmt.Errorf("%w: amounts must be positive", ErrInvalidParams)
	}
	if p.PayoutType != models.PayoutRotating && p.PayoutType != models.PayoutLumpSum {
		return nil, fmt.Errorf("%w: payout type %q", ErrInvalidParams, p.PayoutType)
	}

	circle := models.Circle{
		Name:                p.Name,
		Description:         p.Description,
		GoalDescription:     p.GoalDescription,
		CreatorID:           creatorID,
		TargetAmount:        p.TargetAmount,
		CurrentAmount:       decimal.Zero,
		MonthlyContribution: p.MonthlyContribution,
		PayoutType:          p.PayoutType,
		NextPayoutDate:      p.NextPayoutDate,
		Status:              models.CircleActive,
		IsPrivate:           p.IsPrivate,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&circle).Error; err != nil {
			return err
		}
		member := models.CircleMember{
			CircleID: uint64(circle.ID),
			UserID:   creatorID,
			Role:     models.RoleCreator,
			IsActive: true,
			JoinedAt: time.Now(),
		}
		return tx.Create(&member).Error
	})
	if err != nil {
		return nil, err
	}
	return &circle, nil
}

// Join adds the user to a public circle as a regular member. A previously
// deactivated membership is reactivated so historical votes and
// contributions keep their attribution.
func (s *Service) Join(ctx context.Context, circleID, userID uint64) (*models.CircleMember, error) {
	db := s.db.WithContext(ctx)

	circle, err := s.Get(ctx, circleID)
	if err != nil {
		return nil, err
	}
	if circle.Status != models.CircleActive {
		return nil, ErrCircleClosed
	}
	if circle.IsPrivate {
		return nil, ErrPrivateCircle
	}

	var member models.CircleMember
	err = db.Where("circle_id = ? AND user_id = ?", circleID, userID).First(&member).Error
	switch {
	case err == nil:
		if member.IsActive {
			return nil, ErrAlreadyMember
		}
		updates := map[string]any{"is_active": true, "joined_at": time.Now()}
		if err := db.Model(&member).Updates(updates).Error; err != nil {
			return nil, err
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		member = models.CircleMember{
			CircleID: circleID,
			UserID:   userID,
			Role:     models.RoleMember,
			IsActive: true,
			JoinedAt: time.Now(),
		}
		if err := db.Create(&member).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil, ErrAlreadyMember
			}
			return nil, err
		}
	default:
		return nil, err
	}

	s.publish(events.Event{Type: events.MemberJoined, CircleID: circleID, Payload: map[string]any{"user_id": userID}})
	return &member, nil
}

// Leave deactivates the membership. Rows are never deleted; votes and
// contributions must keep pointing at a member row.
func (s *Service) Leave(ctx context.Context, circleID, userID uint64) error {
	db := s.db.WithContext(ctx)

	var member models.CircleMember
	err := db.Where("circle_id = ? AND user_id = ? AND is_active = ?", circleID, userID, true).First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotAMember
	}
	if err != nil {
		return err
	}
	if member.Role == models.RoleCreator {
		return ErrCreatorCannotLeave
	}
	return db.Model(&member).Update("is_active", false).Error
}

// Contribute debits the member's wallet and credits the circle pool as one
// atomic unit, recording both the wallet transaction and the contribution
// row. The circle completes automatically once the pool reaches its target.
func (s *Service) Contribute(ctx context.Context, circleID, userID uint64, amount decimal.Decimal, notes string) (*models.Contribution, error) {
	db := s.db.WithContext(ctx)

	ok, err := s.isActiveMember(db, circleID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAMember
	}

	var contribution models.Contribution
	for i := 0; i < casAttempts; i++ {
		err := db.Transaction(func(tx *gorm.DB) error {
			var circle models.Circle
			if err := tx.First(&circle, circleID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: circle %d", ErrNotFound, circleID)
				}
				return err
			}
			if circle.Status != models.CircleActive {
				return ErrCircleClosed
			}

			ref := circleID
			if _, err := s.ledger.ApplyIn(tx, userID, models.TxCircleContribution, amount, ledger.Options{
				ReferenceID:   &ref,
				ReferenceType: models.RefCircle,
				Notes:         notes,
			}); err != nil {
				return err
			}

			newAmount := circle.CurrentAmount.Add(amount)
			updates := map[string]any{
				"current_amount": newAmount,
				"version":        circle.Version + 1,
			}
			if newAmount.GreaterThanOrEqual(circle.TargetAmount) {
				updates["status"] = models.CircleCompleted
			}
			res := tx.Model(&models.Circle{}).
				Where("id = ? AND version = ?", circle.ID, circle.Version).
				Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errStaleCircle
			}

			contribution = models.Contribution{
				CircleID:         circleID,
				UserID:           userID,
				Amount:           amount,
				PaymentReference: uuid.NewString(),
				PaymentStatus:    "completed",
				Notes:            notes,
			}
			return tx.Create(&contribution).Error
		})
		if errors.Is(err, errStaleCircle) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.publish(events.Event{Type: events.ContributionReceived, CircleID: circleID, Payload: map[string]any{
			"user_id": userID,
			"amount":  amount,
		}})
		return &contribution, nil
	}
	return nil, ErrContention
}

// Get fetches a circle by id.
func (s *Service) Get(ctx context.Context, circleID uint64) (*models.Circle, error) {
	var circle models.Circle
	if err := s.db.WithContext(ctx).First(&circle, circleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: circle %d", ErrNotFound, circleID)
		}
		return nil, err
	}
	return &circle, nil
}

// List returns public circles plus any circle the user belongs to.
func (s *Service) List(ctx context.Context, userID uint64) ([]models.Circle, error) {
	var circles []models.Circle
	err := s.db.WithContext(ctx).
		Where("is_private = ?", false).
		Or("id IN (?)", s.db.Model(&models.CircleMember{}).
			Select("circle_id").
			Where("user_id = ? AND is_active = ?", userID, true)).
		Order("id DESC").
		Find(&circles).Error
	return circles, err
}

// IsMember reports whether the user is an active member of the circle.
func (s *Service) IsMember(ctx context.Context, circleID, userID uint64) (bool, error) {
	return s.isActiveMember(s.db.WithContext(ctx), circleID, userID)
}

// Members lists the active members of a circle.
func (s *Service) Members(ctx context.Context, circleID uint64) ([]models.CircleMember, error) {
	var members []models.CircleMember
	err := s.db.WithContext(ctx).
		Where("circle_id = ? AND is_active = ?", circleID, true).
		Order("joined_at ASC").
		Find(&members).Error
	return members, err
}

// Contributions lists a circle's contribution history, newest first.
func (s *Service) Contributions(ctx context.Context, circleID uint64) ([]models.Contribution, error) {
	var contributions []models.Contribution
	err := s.db.WithContext(ctx).
		Where("circle_id = ?", circleID).
		Order("id DESC").
		Find(&contributions).Error
	return contributions, err
}

func (s *Service) isActiveMember(db *gorm.DB, circleID, userID uint64) (bool, error) {
	var count int64
	err := db.Model(&models.CircleMember{}).
		Where("circle_id = ? AND user_id = ? AND is_active = ?", circleID, userID, true).
		Count(&count).Error
	return count > 0, err
}

func (s *Service) publish(evt events.Event) {
	if s.pub != nil {
		s.pub.Publish(evt)
	}
}
