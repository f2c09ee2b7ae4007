package snaptypes

import (
	"errors"
	"fmt"
	"strings"
)

// error kinds. adapters wrap their SDK errors so that both the kind and the original cause are
// visible to errors.Is() / errors.As()
var (
	ErrConnectivity         = errors.New("connectivity")
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrCorruptArchive       = errors.New("corrupt archive")
	ErrSegmentCountMismatch = errors.New("segment count mismatch")
	ErrValidation           = errors.New("validation")
	ErrQuotaExceeded        = errors.New("quota exceeded")
)

// tags "cause" with error kind "kind". nil stays nil.
func Wrap(kind error, cause error) error {
	if cause == nil {
		return nil
	}

	if errors.Is(cause, kind) {
		return cause
	}

	return fmt.Errorf("%w: %w", kind, cause)
}

// backup was aborted because reading collection (or writing the archive) failed. no object is
// left under the requested name.
type BackupFailedError struct {
	Collection string // empty if failure was not specific to a collection
	Cause      error
}

func (b *BackupFailedError) Error() string {
	if b.Collection == "" {
		return fmt.Sprintf("backup failed: %v", b.Cause)
	}

	return fmt.Sprintf("backup failed at collection %s: %v", b.Collection, b.Cause)
}

func (b *BackupFailedError) Unwrap() error {
	return b.Cause
}

// restore stopped at "Segment". segments before it stay applied.
type RestoreFailedError struct {
	Segment string // empty if we failed before reaching first segment
	State   string
	Cause   error
}

func (r *RestoreFailedError) Error() string {
	if r.Segment == "" {
		return fmt.Sprintf("restore failed while %s: %v", r.State, r.Cause)
	}

	return fmt.Sprintf("restore failed while %s segment %s: %v", r.State, r.Segment, r.Cause)
}

func (r *RestoreFailedError) Unwrap() error {
	return r.Cause
}

type CountMismatch struct {
	Segment  string
	Declared int64
	Observed int64
}

// for some segments the number of documents did not match the number the archive declared.
// either the archive disagrees with itself (nothing was restored), or the database accepted a
// different number of documents than it was given (the restore ran to completion).
type SegmentCountMismatchError struct {
	Mismatches []CountMismatch
}

func (s *SegmentCountMismatchError) Error() string {
	descriptions := []string{}
	for _, mismatch := range s.Mismatches {
		descriptions = append(descriptions, fmt.Sprintf(
			"%s (declared %d, observed %d)",
			mismatch.Segment,
			mismatch.Declared,
			mismatch.Observed))
	}

	return fmt.Sprintf("%s: %s", ErrSegmentCountMismatch.Error(), strings.Join(descriptions, ", "))
}

func (s *SegmentCountMismatchError) Is(target error) bool {
	return target == ErrSegmentCountMismatch
}
