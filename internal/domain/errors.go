package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientFetch indicates a non-success HTTP status or a connection failure.
	ErrTransientFetch = errors.New("network request failed")
	// ErrPatternNotFound indicates that an expected marker was absent from a page,
	// which usually means the site structure changed.
	ErrPatternNotFound = errors.New("pattern not found")
	// ErrUnexpectedStatus indicates the token exchange answered with something other than 302.
	ErrUnexpectedStatus = errors.New("unexpected response status")
	// ErrRetryLimitExceeded indicates the resolver spent its whole attempt budget.
	ErrRetryLimitExceeded = errors.New("exceeded retry limit")
	// ErrTransfer indicates an I/O or transport failure in the middle of a download.
	ErrTransfer = errors.New("transfer failed")
	// ErrCancelled indicates the caller asked for the work to stop.
	ErrCancelled = errors.New("cancelled")
)

// ResolveStage names the step of the link resolution at which a failure occurred
type ResolveStage string

const (
	StageFetchEmbed        ResolveStage = "fetch_embed"
	StageEmbedLink         ResolveStage = "embed_link"
	StageFetchIntermediate ResolveStage = "fetch_intermediate"
	StageExtractPayload    ResolveStage = "extract_payload"
	StageExtractForm       ResolveStage = "extract_form"
	StagePostToken         ResolveStage = "post_token"
)

// ResolutionError is returned by the link resolver. Err is the failure
// category (one of the sentinels above) and Cause the last underlying error.
type ResolutionError struct {
	URL      string
	Stage    ResolveStage
	Attempts int
	Err      error
	Cause    error
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("resolve %s: %s", e.Stage, e.Err)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	}
	if e.Cause != nil && !errors.Is(e.Err, e.Cause) {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the category and the last cause to errors.Is / errors.As
func (e *ResolutionError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// StatusError carries the HTTP status of a failed request
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d from %s", e.StatusCode, e.URL)
}
