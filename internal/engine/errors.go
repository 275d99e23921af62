package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/agencysync/internal/identity"
	"github.com/roach88/agencysync/internal/snapshot"
)

// ErrorCode categorizes merge errors in reports and logs.
type ErrorCode string

const (
	// CodeDataAccess indicates the store failed or was unreachable.
	CodeDataAccess ErrorCode = "DATA_ACCESS"

	// CodeSerialization indicates a malformed row or document.
	CodeSerialization ErrorCode = "SERIALIZATION"

	// CodeDanglingReference indicates a foreign key that resolves nowhere.
	CodeDanglingReference ErrorCode = "DANGLING_REFERENCE"

	// CodeNaturalKeyConflict indicates a row was cloned under a new key.
	CodeNaturalKeyConflict ErrorCode = "NATURAL_KEY_CONFLICT"

	// CodeConstraintViolation indicates the store rejected a single row.
	CodeConstraintViolation ErrorCode = "CONSTRAINT_VIOLATION"

	// CodeCloneExhausted indicates no free clone key was left.
	CodeCloneExhausted ErrorCode = "CLONE_EXHAUSTED"
)

// DataAccessError reports a store failure. It aborts the current collection
// and stops the import; it is never recorded as a row error.
type DataAccessError struct {
	Op         string
	Collection snapshot.Collection
	Err        error
}

func (e *DataAccessError) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("%s: %s %s: %v", CodeDataAccess, e.Op, e.Collection, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", CodeDataAccess, e.Op, e.Err)
}

func (e *DataAccessError) Unwrap() error { return e.Err }

// DanglingReferenceError reports a foreign key whose target exists neither in
// the snapshot being merged nor in the local store.
type DanglingReferenceError struct {
	Collection snapshot.Collection
	Key        string
	Field      string
	Target     snapshot.Collection
	TargetKey  string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("%s: %s %q: %s references unknown %s %q",
		CodeDanglingReference, e.Collection, e.Key, e.Field, e.Target, e.TargetKey)
}

func (*DanglingReferenceError) rowCode() ErrorCode { return CodeDanglingReference }

// NaturalKeyConflictError records that a row arrived with a natural key
// already used by another scope and was stored under ClonedAs. It is
// informational: the row was merged.
type NaturalKeyConflictError struct {
	Collection   snapshot.Collection
	Key          string
	ClonedAs     string
	SourceAgency int64
	TargetAgency int64
}

func (e *NaturalKeyConflictError) Error() string {
	return fmt.Sprintf("%s: %s %q from agency %d already used in the store; stored in agency %d as %q",
		CodeNaturalKeyConflict, e.Collection, e.Key, e.SourceAgency, e.TargetAgency, e.ClonedAs)
}

// ConstraintError reports a uniqueness, NOT NULL or foreign key violation
// raised by the store for a single row.
type ConstraintError struct {
	Collection snapshot.Collection
	Key        string
	Err        error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("%s: %s %q: %v", CodeConstraintViolation, e.Collection, e.Key, e.Err)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

func (*ConstraintError) rowCode() ErrorCode { return CodeConstraintViolation }

// cloneExhausted adapts identity.CloneExhaustedError to a row error.
type cloneExhausted struct {
	*identity.CloneExhaustedError
}

func (cloneExhausted) rowCode() ErrorCode { return CodeCloneExhausted }

// decodeProblem adapts a row rejected by snapshot.Decode to a row error.
type decodeProblem struct {
	*snapshot.SerializationError
}

func (decodeProblem) rowCode() ErrorCode { return CodeSerialization }

// rowScoped is implemented by the errors that may be recorded against a single
// row. Anything else escaping a row aborts the run.
type rowScoped interface {
	error
	rowCode() ErrorCode
}

// IsDataAccess returns true if err is or wraps a DataAccessError.
func IsDataAccess(err error) bool {
	var de *DataAccessError
	return errors.As(err, &de)
}

// IsDanglingReference returns true if err is or wraps a DanglingReferenceError.
func IsDanglingReference(err error) bool {
	var de *DanglingReferenceError
	return errors.As(err, &de)
}

// IsNaturalKeyConflict returns true if err is or wraps a NaturalKeyConflictError.
func IsNaturalKeyConflict(err error) bool {
	var ce *NaturalKeyConflictError
	return errors.As(err, &ce)
}

// IsConstraint returns true if err is or wraps a ConstraintError.
func IsConstraint(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}
