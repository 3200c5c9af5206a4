package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolutionError_IsMatchesCategoryAndCause(t *testing.T) {
	cause := &StatusError{URL: "https://kwik.test/f/abc", StatusCode: 503}
	err := error(&ResolutionError{
		Stage:    StageFetchIntermediate,
		Attempts: 5,
		Err:      ErrRetryLimitExceeded,
		Cause:    cause,
	})

	assert.True(t, errors.Is(err, ErrRetryLimitExceeded))
	assert.False(t, errors.Is(err, ErrPatternNotFound))

	var statusErr *StatusError
	assert.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 503, statusErr.StatusCode)

	assert.Contains(t, err.Error(), "fetch_intermediate")
	assert.Contains(t, err.Error(), "exceeded retry limit")
	assert.Contains(t, err.Error(), "5 attempt(s)")
	assert.Contains(t, err.Error(), "503")
}

func TestResolutionError_NoDuplicateCause(t *testing.T) {
	err := &ResolutionError{Stage: StageEmbedLink, Err: ErrPatternNotFound, Cause: ErrPatternNotFound}
	assert.Equal(t, "resolve embed_link: pattern not found", err.Error())
}
