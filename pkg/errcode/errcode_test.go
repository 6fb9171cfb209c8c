package errcode

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestWrapKeepsClassification(t *testing.T) {
	err := Wrap(ErrConcurrencyTimeout, context.DeadlineExceeded)

	assert.True(t, errors.Is(err, ErrConcurrencyTimeout))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, errors.Is(err, ErrInsufficientBalance))
	assert.Equal(t, CodeConcurrencyTimeout, CodeOf(err))
}

func TestWrappedTwiceStillMatches(t *testing.T) {
	err := fmt.Errorf("debit account 7: %w", Wrapf(ErrInsufficientBalance, nil, "balance=%d amount=%d", 20, 30))

	assert.True(t, errors.Is(err, ErrInsufficientBalance))
	assert.Equal(t, CodeInsufficientBalance, CodeOf(err))
	assert.Contains(t, err.Error(), "balance=20 amount=30")
}

func TestRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable(ErrInsufficientBalance))
	assert.True(t, IsRecoverable(ErrNoActiveTariff))
	assert.True(t, IsRecoverable(ErrLimitExceeded))
	assert.True(t, IsRecoverable(ErrConcurrencyTimeout))
	assert.False(t, IsRecoverable(ErrConfiguration))
	assert.False(t, IsRecoverable(ErrIntegrityViolation))
	assert.False(t, IsRecoverable(errors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(errors.New("boom")))
}
