package rewards_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamcity/coin-engine/ledger"
	"github.com/streamcity/coin-engine/notify"
	"github.com/streamcity/coin-engine/notify/notifytest"
	"github.com/streamcity/coin-engine/rewards"
)

func TestSubmit_Validation(t *testing.T) {
	store, engine := newStore(t)
	svc := rewards.NewRequestService(store, engine, nil)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "", 100, "hi")
	assert.ErrorIs(t, err, rewards.ErrInvalidRequest)
	_, err = svc.Submit(ctx, "viewer", 0, "hi")
	assert.ErrorIs(t, err, rewards.ErrInvalidRequest)
	_, err = svc.Submit(ctx, "viewer", rewards.MaxRequestAmount+1, "hi")
	assert.ErrorIs(t, err, rewards.ErrInvalidRequest)
	_, err = svc.Submit(ctx, "viewer", 100, "   ")
	assert.ErrorIs(t, err, rewards.ErrInvalidRequest)
}

func TestApprove_CreditsOnce(t *testing.T) {
	store, engine := newStore(t)
	events := &notifytest.Recorder{}
	svc := rewards.NewRequestService(store, engine, events)
	ctx := context.Background()

	req, err := svc.Submit(ctx, "viewer", 500, "  lost my coins  ")
	require.NoError(t, err)
	assert.Equal(t, "lost my coins", req.Message)

	pending, err := svc.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// GIVEN: An approval for less than asked, as purchased coins
	decision := rewards.Decision{Admin: "admin", Amount: 300, CoinType: rewards.CoinsPurchased, Response: "ok"}
	approved, err := svc.Approve(ctx, req.ID, decision)
	require.NoError(t, err)
	assert.Equal(t, rewards.RequestApproved, approved.Status)
	assert.Equal(t, int64(300), approved.ApprovedAmount)
	require.NotNil(t, approved.ProcessedAt)

	// WHEN: The admin double-clicks
	_, err = svc.Approve(ctx, req.ID, decision)
	require.NoError(t, err)

	// THEN: Credited once, to the purchased balance
	acct, err := engine.Account(ctx, "viewer")
	require.NoError(t, err)
	assert.Equal(t, int64(300), acct.Purchased)
	assert.Zero(t, acct.Free)

	entries, err := engine.Log().ByReference(ctx, "coinreq:"+req.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.KindPurchase, entries[0].Kind)

	// A different amount on a decided request is refused
	_, err = svc.Approve(ctx, req.ID, rewards.Decision{Admin: "admin", Amount: 999})
	assert.ErrorIs(t, err, rewards.ErrRequestProcessed)
	_, err = svc.Reject(ctx, req.ID, rewards.Decision{Admin: "admin"})
	assert.ErrorIs(t, err, rewards.ErrRequestProcessed)

	pending, err = svc.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	decided := events.OfType(notify.EventCoinRequestDecided)
	require.NotEmpty(t, decided)
	assert.True(t, strings.Contains(decided[0].Message, "approved"))
}

func TestApprove_DefaultsToRequestedFreeCoins(t *testing.T) {
	store, engine := newStore(t)
	svc := rewards.NewRequestService(store, engine, nil)
	ctx := context.Background()

	req, err := svc.Submit(ctx, "viewer", 250, "please")
	require.NoError(t, err)

	_, err = svc.Approve(ctx, req.ID, rewards.Decision{Admin: "admin"})
	require.NoError(t, err)

	acct, err := engine.Account(ctx, "viewer")
	require.NoError(t, err)
	assert.Equal(t, int64(250), acct.Free)

	_, err = svc.Approve(ctx, "missing", rewards.Decision{Admin: "admin"})
	assert.ErrorIs(t, err, rewards.ErrRequestNotFound)
}

func TestReject(t *testing.T) {
	store, engine := newStore(t)
	events := &notifytest.Recorder{}
	svc := rewards.NewRequestService(store, engine, events)
	ctx := context.Background()

	req, err := svc.Submit(ctx, "viewer", 250, "please")
	require.NoError(t, err)

	rejected, err := svc.Reject(ctx, req.ID, rewards.Decision{Admin: "admin", Response: "no"})
	require.NoError(t, err)
	assert.Equal(t, rewards.RequestRejected, rejected.Status)

	_, err = svc.Approve(ctx, req.ID, rewards.Decision{Admin: "admin"})
	assert.ErrorIs(t, err, rewards.ErrRequestProcessed)

	acct, err := engine.Account(ctx, "viewer")
	require.NoError(t, err)
	assert.Zero(t, acct.Total())

	mine, err := svc.ForUser(ctx, "viewer")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "no", mine[0].AdminResponse)
	assert.Equal(t, "no", events.Events()[0].Data["response"])
}

// failingSaves fails SaveCoinRequest while fail is set.
type failingSaves struct {
	rewards.RequestStore
	fail bool
}

func (f *failingSaves) SaveCoinRequest(ctx context.Context, r rewards.CoinRequest) error {
	if f.fail {
		return errors.New("connection reset")
	}
	return f.RequestStore.SaveCoinRequest(ctx, r)
}

func TestApprove_RetryWithOtherCoinTypeAfterLostSave(t *testing.T) {
	// GIVEN: An approval whose credit committed but whose status save failed
	// WHEN: The admin approves again as purchased coins
	// THEN: The ledger refuses the second credit under the same reference

	store, engine := newStore(t)
	saves := &failingSaves{RequestStore: store}
	svc := rewards.NewRequestService(saves, engine, nil)
	ctx := context.Background()

	req, err := svc.Submit(ctx, "viewer", 100, "please")
	require.NoError(t, err)

	saves.fail = true
	_, err = svc.Approve(ctx, req.ID, rewards.Decision{Admin: "admin"})
	require.Error(t, err)
	saves.fail = false

	_, err = svc.Approve(ctx, req.ID, rewards.Decision{Admin: "admin", CoinType: rewards.CoinsPurchased})
	assert.ErrorIs(t, err, ledger.ErrReferenceConflict)

	acct, err := engine.Account(ctx, "viewer")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Free)
	assert.Zero(t, acct.Purchased)

	// The original decision can still be recorded
	approved, err := svc.Approve(ctx, req.ID, rewards.Decision{Admin: "admin"})
	require.NoError(t, err)
	assert.Equal(t, rewards.RequestApproved, approved.Status)
	assert.Equal(t, int64(100), approved.ApprovedAmount)
}
