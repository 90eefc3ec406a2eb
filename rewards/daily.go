package rewards

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/streamcity/coin-engine/ledger"
)

// streakRewards is the free-coin reward per streak day. Day 7 and beyond
// pay the last value.
var streakRewards = []int64{10, 20, 30, 40, 50, 60, 70}

// cycleDays is how many days the displayed day number runs before wrapping.
const cycleDays = 30

// StreakReward returns the reward for the given streak day (1-based).
func StreakReward(day int) int64 {
	if day < 1 {
		day = 1
	}
	if day > len(streakRewards) {
		return streakRewards[len(streakRewards)-1]
	}
	return streakRewards[day-1]
}

// ClaimStore persists daily claims.
type ClaimStore interface {
	// LastClaim returns ok=false when the user never claimed.
	LastClaim(ctx context.Context, user ledger.AccountID) (Claim, bool, error)
	SaveClaim(ctx context.Context, c Claim) error
}

// DailyService runs daily reward claims.
type DailyService struct {
	store  ClaimStore
	engine *ledger.Engine
	now    func() time.Time
}

// NewDailyService creates a daily reward service.
func NewDailyService(store ClaimStore, engine *ledger.Engine) *DailyService {
	return &DailyService{store: store, engine: engine, now: time.Now}
}

// SetClock overrides the time source.
func (s *DailyService) SetClock(now func() time.Time) {
	s.now = now
}

// Claim credits today's reward. A streak continues when the previous claim
// was yesterday (UTC), otherwise it restarts at day 1.
func (s *DailyService) Claim(ctx context.Context, user ledger.AccountID) (Claim, error) {
	if user == "" {
		return Claim{}, fmt.Errorf("%w: user is required", ErrInvalidRequest)
	}
	today := truncateDay(s.now())

	last, ok, err := s.store.LastClaim(ctx, user)
	if err != nil {
		return Claim{}, fmt.Errorf("failed to load last claim: %w", err)
	}
	streak := 1
	if ok {
		lastDay := truncateDay(last.ClaimDate)
		switch {
		case lastDay.Equal(today):
			return last, ErrAlreadyClaimed
		case lastDay.Equal(today.AddDate(0, 0, -1)):
			streak = last.StreakCount + 1
		}
	}

	claim := Claim{
		UserID:      user,
		StreakCount: streak,
		DayNumber:   (streak-1)%cycleDays + 1,
		CoinsEarned: StreakReward(streak),
		ClaimDate:   today,
	}

	_, err = s.engine.Execute(ctx, ledger.Operation{
		Kind:        ledger.KindCreditGrant,
		Amount:      claim.CoinsEarned,
		Dest:        user,
		Reason:      ledger.ReasonDailyReward,
		ReferenceID: fmt.Sprintf("daily:%s:%s", user, today.Format(time.DateOnly)),
		Actor:       string(user),
		Metadata:    map[string]string{"streak": fmt.Sprint(streak)},
	})
	if err != nil {
		// A prior attempt may have credited with a different streak; the
		// reference is per day so the credit still happened exactly once.
		if !errors.Is(err, ledger.ErrReferenceConflict) {
			return Claim{}, err
		}
	}

	if err := s.store.SaveClaim(ctx, claim); err != nil {
		return Claim{}, fmt.Errorf("failed to save claim: %w", err)
	}
	log.WithFields(log.Fields{
		"user":   user,
		"streak": streak,
		"coins":  claim.CoinsEarned,
	}).Debug("Daily reward claimed")
	return claim, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
