package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrappedError(t *testing.T) {
	base := NotFound("withdrawal %s not found", "w-1")
	wrapped := fmt.Errorf("approve: %w", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindNotFound))
	assert.False(t, IsKind(wrapped, KindConflict))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestInsufficientFundsCarriesAmounts(t *testing.T) {
	err := fmt.Errorf("tip: %w", InsufficientFunds(decimal.NewFromInt(5), decimal.RequireFromString("1.00")))

	e, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, "5", e.Required.String())
	assert.Equal(t, "1.00", e.Current.StringFixed(2))
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindProvider, "payout failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}
