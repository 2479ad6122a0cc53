package service

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindMatching(t *testing.T) {
	err := fmt.Errorf("borrow: %w", newError(KindNoUnitsAvailable, "no units of book %d are available", 3))

	assert.ErrorIs(t, err, ErrNoUnitsAvailable)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindNoUnitsAvailable, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))

	var svcErr *Error
	assert.True(t, errors.As(err, &svcErr))
	assert.Equal(t, "no units of book 3 are available", svcErr.Message)
}

func TestWrappedCauseIsKept(t *testing.T) {
	cause := errors.New("row not in expected state")
	err := wrapError(KindIntegrity, cause, "loan %d closed but its unit was not on loan", 5)

	assert.ErrorIs(t, err, ErrIntegrity)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "INTEGRITY")
}
