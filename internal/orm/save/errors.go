package save

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// ErrorCode classifies execution failures
type ErrorCode int

const (
	// Storage is any failure the engine cannot classify further
	Storage ErrorCode = iota
	// ConstraintViolation wraps a unique, foreign key, not null or check violation
	ConstraintViolation
	// ConcurrentModification means the row changed between lookup and write
	ConcurrentModification
	// CannotDissociateTarget means a child cannot be detached from its parent
	// because its foreign key is not nullable
	CannotDissociateTarget
	// IllegalTargetID means an attached reference points at no stored row
	IllegalTargetID
)

// String returns the string representation of the error code
func (c ErrorCode) String() string {
	switch c {
	case ConstraintViolation:
		return "CONSTRAINT_VIOLATION"
	case ConcurrentModification:
		return "CONCURRENT_MODIFICATION"
	case CannotDissociateTarget:
		return "CANNOT_DISSOCIATE_TARGET"
	case IllegalTargetID:
		return "ILLEGAL_TARGET_ID"
	default:
		return "STORAGE"
	}
}

// Common save error types, matched by *Error through errors.Is
var (
	ErrConstraintViolation    = errors.New("constraint violation")
	ErrConcurrentModification = errors.New("row was modified by another transaction")
	ErrCannotDissociate       = errors.New("cannot dissociate target")
	ErrIllegalTargetID        = errors.New("illegal target id")
)

// ConstraintKind names the kind of a violated constraint
type ConstraintKind string

const (
	UniqueConstraint     ConstraintKind = "unique"
	ForeignKeyConstraint ConstraintKind = "foreign_key"
	NotNullConstraint    ConstraintKind = "not_null"
	CheckConstraint      ConstraintKind = "check"
)

// Error is an execution failure, tagged with the failed statement
type Error struct {
	Code ErrorCode
	// Index is the position of the failed statement in the statement log, or
	// -1 when the failure happened before a statement was issued
	Index   int
	Table   string
	Columns []string
	Kind    ConstraintKind
	// Constraint is the violated constraint name when the driver reports it
	Constraint string
	Err        error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "save: %s on table %q", e.Code, e.Table)
	if e.Kind != "" {
		fmt.Fprintf(&b, " (%s", e.Kind)
		if e.Constraint != "" {
			fmt.Fprintf(&b, " %s", e.Constraint)
		}
		b.WriteByte(')')
	}
	if e.Index >= 0 {
		fmt.Fprintf(&b, " at statement %d", e.Index)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error code
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConstraintViolation:
		return e.Code == ConstraintViolation
	case ErrConcurrentModification:
		return e.Code == ConcurrentModification
	case ErrCannotDissociate:
		return e.Code == CannotDissociateTarget
	case ErrIllegalTargetID:
		return e.Code == IllegalTargetID
	}
	return false
}

// CodeOf returns the code of a save error, or Storage
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Storage
}

// IsConstraintViolation returns true if the error is a constraint violation
func IsConstraintViolation(err error) bool {
	return errors.Is(err, ErrConstraintViolation)
}

// IsConcurrentModification returns true if the error is a concurrent modification
func IsConcurrentModification(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// classifyDBError maps a driver error to an error code and constraint
func classifyDBError(err error) (ErrorCode, ConstraintKind, string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if kind := kindOfSQLState(pgErr.Code); kind != "" {
			return ConstraintViolation, kind, pgErr.ConstraintName
		}
		return Storage, "", ""
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if kind := kindOfSQLState(string(pqErr.Code)); kind != "" {
			return ConstraintViolation, kind, pqErr.Constraint
		}
		return Storage, "", ""
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return ConstraintViolation, UniqueConstraint, ""
		case sqlite3.ErrConstraintForeignKey:
			return ConstraintViolation, ForeignKeyConstraint, ""
		case sqlite3.ErrConstraintNotNull:
			return ConstraintViolation, NotNullConstraint, ""
		case sqlite3.ErrConstraintCheck:
			return ConstraintViolation, CheckConstraint, ""
		}
		if liteErr.Code == sqlite3.ErrConstraint {
			return ConstraintViolation, "", ""
		}
		return Storage, "", ""
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "duplicate key"), strings.Contains(msg, "unique constraint"):
		return ConstraintViolation, UniqueConstraint, ""
	case strings.Contains(msg, "foreign key constraint"):
		return ConstraintViolation, ForeignKeyConstraint, ""
	case strings.Contains(msg, "not-null constraint"), strings.Contains(msg, "not null constraint"):
		return ConstraintViolation, NotNullConstraint, ""
	case strings.Contains(msg, "check constraint"):
		return ConstraintViolation, CheckConstraint, ""
	}
	return Storage, "", ""
}

func kindOfSQLState(code string) ConstraintKind {
	switch code {
	case "23505": // unique_violation
		return UniqueConstraint
	case "23503": // foreign_key_violation
		return ForeignKeyConstraint
	case "23502": // not_null_violation
		return NotNullConstraint
	case "23514": // check_violation
		return CheckConstraint
	}
	return ""
}
