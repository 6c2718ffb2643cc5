package api

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy shared by every layer. Callers match with errors.Is.
var (
	ErrInsufficientData   = errors.New("insufficient data for training")
	ErrModelNotTrained    = errors.New("model not trained")
	ErrFeatureAlignment   = errors.New("feature columns cannot be aligned")
	ErrTrainingInProgress = errors.New("training already in progress")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUpstream           = errors.New("upstream failure")
)

// InsufficientDataError reports how many usable samples a run had.
type InsufficientDataError struct {
	RawRows  int
	Samples  int
	Required int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%v: %d samples after feature engineering (%d raw rows), need %d",
		ErrInsufficientData, e.Samples, e.RawRows, e.Required)
}

func (e *InsufficientDataError) Is(target error) bool {
	return target == ErrInsufficientData
}

// FeatureAlignmentError lists persisted columns the current series cannot supply.
type FeatureAlignmentError struct {
	Missing []string
}

func (e *FeatureAlignmentError) Error() string {
	return fmt.Sprintf("%v: missing %s", ErrFeatureAlignment, strings.Join(e.Missing, ", "))
}

func (e *FeatureAlignmentError) Is(target error) bool {
	return target == ErrFeatureAlignment
}

// UpstreamError wraps a failure of an external collaborator
// (transactional store, artifact backend). It is never retried here.
type UpstreamError struct {
	Op  string
	Err error
}

// Upstream wraps err as an UpstreamError. A nil err stays nil.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UpstreamError{Op: op, Err: err}
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}
