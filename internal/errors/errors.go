// Package errors re-exports github.com/cockroachdb/errors and defines the
// harvester's error taxonomy.
//
// Callers match on the sentinels with errors.Is and wrap them with
// errors.Wrapf to attach the offending identifier:
//
//	if src == nil {
//	    return errors.Wrapf(errors.ErrNotFound, "harvest source %s", id)
//	}
package errors

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	WithDetail   = crdb.WithDetail
	WithDetailf  = crdb.WithDetailf
	WithHint     = crdb.WithHint

	Is          = crdb.Is
	IsAny       = crdb.IsAny
	As          = crdb.As
	Unwrap      = crdb.Unwrap
	UnwrapAll   = crdb.UnwrapAll
	GetAllHints = crdb.GetAllHints
)

// Sentinels. Wrap them to add context; errors.Is still matches.
var (
	// ErrNotFound: a source, job, object or package does not exist.
	ErrNotFound = New("not found")

	// ErrValidation: malformed input to a create/update call.
	ErrValidation = New("validation error")

	// ErrAlreadyExists: a uniqueness rule rejected the write.
	ErrAlreadyExists = New("already exists")

	// ErrJobExists: the source already has a New or Running job.
	ErrJobExists = Wrap(ErrAlreadyExists, "there already is an unrun job for this source")

	// ErrInvalidState: the operation is not valid for the current status.
	ErrInvalidState = New("invalid state")

	// ErrUnknownFrequency: a source carries an unrecognised schedule.
	ErrUnknownFrequency = New("frequency not recognised")

	// ErrConfig: a harvester rejected a source configuration blob.
	ErrConfig = New("invalid harvester configuration")

	// ErrSystem: an unexpected failure caught at a stage boundary.
	ErrSystem = New("system error")
)

// ValidationError carries a field-level summary of rejected input.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError from raw field names.
func NewValidationError(fields map[string]string) *ValidationError {
	return &ValidationError{Fields: fields}
}

func (e *ValidationError) Error() string {
	summary := e.Summary()
	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, summary[k]))
	}
	return "validation error: " + strings.Join(parts, "; ")
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Summary returns the field messages keyed by a human readable field label.
func (e *ValidationError) Summary() map[string]string {
	out := make(map[string]string, len(e.Fields))
	for field, msg := range e.Fields {
		out[prettify(field)] = msg
	}
	return out
}

var urlWord = regexp.MustCompile(`\b[Uu]rl\b`)

func prettify(field string) string {
	field = strings.ReplaceAll(field, "_", " ")
	if field == "" {
		return field
	}
	field = strings.ToUpper(field[:1]) + strings.ToLower(field[1:])
	return urlWord.ReplaceAllString(field, "URL")
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}
