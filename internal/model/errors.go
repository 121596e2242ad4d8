package model

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// Sentinel errors shared by the store and the services.
var (
	ErrNotFound             = eris.New("not found")
	ErrExtractionInProgress = eris.New("extraction already in progress")
	ErrInvalidTransition    = eris.New("invalid extraction state transition")
	ErrJobCancelled         = eris.New("job cancelled")
)

// FileUploadError reports unreadable or unwritable upload input. No partial
// PhysicalFile is left behind when it is returned.
type FileUploadError struct {
	Name string
	Err  error
}

func (e *FileUploadError) Error() string {
	return fmt.Sprintf("file upload %q: %v", e.Name, e.Err)
}

func (e *FileUploadError) Unwrap() error { return e.Err }

// ProviderError reports a failed call to an external provider (parser,
// extractor, language model). Transient marks failures worth retrying.
type ProviderError struct {
	Provider  string
	Op        string
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// TemplateMismatchError reports that no template matched confidently. It maps
// to the template_needed state, not to a failure.
type TemplateMismatchError struct {
	Best       string
	Confidence float64
}

func (e *TemplateMismatchError) Error() string {
	if e.Best == "" {
		return "no template matched"
	}
	return fmt.Sprintf("template %q matched with confidence %.2f", e.Best, e.Confidence)
}

// VerificationConflictError reports a re-verification of an already verified
// field with a different value. The new value still wins.
type VerificationConflictError struct {
	FieldID  string
	Previous string
	Incoming string
}

func (e *VerificationConflictError) Error() string {
	return fmt.Sprintf("field %s already verified as %q, overwritten with %q", e.FieldID, e.Previous, e.Incoming)
}

// CacheMissError signals a fall-through between query cache tiers.
type CacheMissError struct {
	Tier   string
	Reason string
}

func (e *CacheMissError) Error() string {
	return fmt.Sprintf("%s cache miss: %s", e.Tier, e.Reason)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCacheMiss reports whether err is a CacheMissError.
func IsCacheMiss(err error) bool {
	var cm *CacheMissError
	return errors.As(err, &cm)
}
