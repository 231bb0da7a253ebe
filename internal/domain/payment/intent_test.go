package payment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/ucp-merchant/internal/apperr"
	"github.com/xenking/ucp-merchant/internal/money"
)

var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func usd(v string) money.Money { return money.MustNew(v, "USD") }

func newTestIntent() *Intent {
	return NewIntent("pi_1", "cs_1", "secret", usd("100.00"), now)
}

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusAuthorized, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusRequiresAction, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCaptured, false},
		{StatusRequiresAction, StatusAuthorized, true},
		{StatusRequiresAction, StatusRequiresAction, false},
		{StatusAuthorized, StatusCaptured, true},
		{StatusAuthorized, StatusFailed, false},
		{StatusCaptured, StatusCancelled, false},
		{StatusCaptured, StatusRefunded, true},
		{StatusPartiallyRefunded, StatusPartiallyRefunded, true},
		{StatusRefunded, StatusPartiallyRefunded, false},
		{StatusFailed, StatusAuthorized, false},
		{StatusCancelled, StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}

	for _, s := range []Status{StatusFailed, StatusCancelled, StatusRefunded} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, StatusAuthorized.IsTerminal())
}

func TestIntent_CapturedCannotBeCancelled(t *testing.T) {
	i := newTestIntent()
	require.NoError(t, i.Authorize("tok_visa", now))
	require.NoError(t, i.Capture(usd("100.00"), now))

	err := i.Cancel(now)
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)
	assert.Equal(t, StatusCaptured, i.Status)
}

func TestIntent_PartialCapture(t *testing.T) {
	i := newTestIntent()
	require.NoError(t, i.Authorize("tok_visa", now))

	err := i.Capture(usd("100.01"), now)
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, StatusAuthorized, i.Status)

	require.NoError(t, i.Capture(usd("60.00"), now))
	assert.Equal(t, "60.00", i.CapturedAmount.AmountString())
	require.NotNil(t, i.CapturedAt)
}

func TestIntent_Refunds(t *testing.T) {
	i := newTestIntent()
	require.NoError(t, i.Authorize("tok_visa", now))
	require.NoError(t, i.Capture(usd("100.00"), now))

	require.NoError(t, i.Refund(usd("30.00"), now))
	assert.Equal(t, StatusPartiallyRefunded, i.Status)

	require.NoError(t, i.Refund(usd("50.00"), now))
	assert.Equal(t, StatusPartiallyRefunded, i.Status)

	err := i.Refund(usd("20.01"), now)
	require.ErrorIs(t, err, apperr.ErrValidation)

	require.NoError(t, i.Refund(usd("20.00"), now))
	assert.Equal(t, StatusRefunded, i.Status)
	assert.Equal(t, "100.00", i.RefundedAmount.AmountString())

	err = i.Refund(usd("0.01"), now)
	require.Error(t, err)
}

func TestIntent_RefundBeforeCapture(t *testing.T) {
	i := newTestIntent()
	require.NoError(t, i.Authorize("tok_visa", now))

	err := i.Refund(usd("10.00"), now)
	require.Error(t, err)
	assert.Equal(t, StatusAuthorized, i.Status)
}

func TestIntent_FailAndRequireAction(t *testing.T) {
	i := newTestIntent()
	require.NoError(t, i.RequireAction("tok_3ds", NextAction{Type: "redirect"}, now))
	require.NotNil(t, i.NextAction)

	require.NoError(t, i.Fail("card_declined", "Your card was declined", now))
	assert.Equal(t, StatusFailed, i.Status)
	assert.Nil(t, i.NextAction)

	err := i.Authorize("tok_visa", now)
	require.ErrorIs(t, err, apperr.ErrInvalidStateTransition)
}

func TestIntent_CloneIsIndependent(t *testing.T) {
	i := newTestIntent()
	require.NoError(t, i.RequireAction("tok_3ds", NextAction{Type: "redirect"}, now))

	cp := i.Clone()
	cp.NextAction.Type = "changed"
	cp.Status = StatusFailed

	assert.Equal(t, "redirect", i.NextAction.Type)
	assert.Equal(t, StatusRequiresAction, i.Status)
}
