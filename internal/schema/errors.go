package schema

import (
	"errors"
	"fmt"
)

// Sentinel errors for schema operations. Handlers translate these into
// HTTP statuses; callers branch with errors.Is.
var (
	ErrCollectionNotFound = errors.New("collection not found")
	ErrCollectionExists   = errors.New("collection already exists")
	ErrFieldNotFound      = errors.New("field not found")
	ErrFieldExists        = errors.New("field already exists")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidDefinition  = errors.New("invalid definition")
	ErrMutationFailed     = errors.New("mutation failed")
)

func invalidDefinition(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, fmt.Sprintf(format, args...))
}

// MutationError reports a failure inside the mutation pipeline after
// preconditions passed. Stage is "ddl" or "metadata". Diverged means the
// physical change was already applied when a later stage failed, so the
// catalog and the metadata tables disagree until an operator reconciles
// them; the error text carries enough detail to do that by hand.
type MutationError struct {
	Stage      string
	Collection string
	Diverged   bool
	Err        error
}

func (e *MutationError) Error() string {
	if e.Diverged {
		return fmt.Sprintf("mutation failed at %s stage for %q (physical change already applied, metadata out of sync): %v",
			e.Stage, e.Collection, e.Err)
	}
	return fmt.Sprintf("mutation failed at %s stage for %q: %v", e.Stage, e.Collection, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

func (e *MutationError) Is(target error) bool { return target == ErrMutationFailed }

func ddlError(collection string, err error) error {
	return &MutationError{Stage: "ddl", Collection: collection, Err: err}
}

func metadataError(collection string, diverged bool, err error) error {
	return &MutationError{Stage: "metadata", Collection: collection, Diverged: diverged, Err: err}
}
