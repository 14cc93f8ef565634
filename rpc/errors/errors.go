// Package errors provides the status taxonomy used across the rpc packages.
// It re-exports the stdlib errors functions so call sites that only need
// errors.New/errors.Is/errors.As can import this package alone, and adds
// Category-tagged errors analogous to gRPC status codes.
package errors

import (
	stdlib "errors"
	"fmt"

	"github.com/gostdlib/base/context"
)

// New, Is, As, Unwrap mirror the standard library so packages that import
// rpc/errors do not also need to import the stdlib errors package.
var (
	New    = stdlib.New
	Is     = stdlib.Is
	As     = stdlib.As
	Unwrap = stdlib.Unwrap
)

// Category classifies an error the way a transaction status code does on
// the wire. The numeric values match msgs.ErrCode so a Category can be
// round-tripped through a Close/OpenAck transaction without translation.
type Category uint32

//go:generate stringer -type=Category -linecomment

const (
	OK                 Category = Category(0)  // OK
	Canceled           Category = Category(1)  // Canceled
	Unknown            Category = Category(2)  // Unknown
	InvalidArgument    Category = Category(3)  // InvalidArgument
	DeadlineExceeded   Category = Category(4)  // DeadlineExceeded
	NotFound           Category = Category(5)  // NotFound
	AlreadyExists      Category = Category(6)  // AlreadyExists
	PermissionDenied   Category = Category(7)  // PermissionDenied
	ResourceExhausted  Category = Category(8)  // ResourceExhausted
	FailedPrecondition Category = Category(9)  // FailedPrecondition
	Aborted            Category = Category(10) // Aborted
	OutOfRange         Category = Category(11) // OutOfRange
	Unimplemented      Category = Category(12) // Unimplemented
	Internal           Category = Category(13) // Internal
	Unavailable        Category = Category(14) // Unavailable
	DataLoss           Category = Category(15) // DataLoss
	Unauthenticated    Category = Category(16) // Unauthenticated
)

var categoryNames = map[Category]string{
	OK:                 "OK",
	Canceled:            "Canceled",
	Unknown:            "Unknown",
	InvalidArgument:    "InvalidArgument",
	DeadlineExceeded:   "DeadlineExceeded",
	NotFound:           "NotFound",
	AlreadyExists:      "AlreadyExists",
	PermissionDenied:   "PermissionDenied",
	ResourceExhausted:  "ResourceExhausted",
	FailedPrecondition: "FailedPrecondition",
	Aborted:            "Aborted",
	OutOfRange:         "OutOfRange",
	Unimplemented:      "Unimplemented",
	Internal:           "Internal",
	Unavailable:        "Unavailable",
	DataLoss:           "DataLoss",
	Unauthenticated:    "Unauthenticated",
}

// String implements fmt.Stringer.
func (c Category) String() string {
	if n, ok := categoryNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Category(%d)", uint32(c))
}

// Error is a categorized error. It wraps an underlying error with the
// Category that a transport or RPC caller should surface as a status code.
type Error struct {
	category Category
	err      error
}

// E creates a categorized Error. The ctx argument is accepted (and ignored)
// to match call sites that thread a context through
// error construction for future trace/log attribution.
func E(ctx context.Context, c Category, err error) Error {
	return Error{category: c, err: err}
}

// Category returns the error's category.
func (e Error) Category() Category {
	return e.category
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.err == nil {
		return e.category.String()
	}
	return fmt.Sprintf("%s: %s", e.category, e.err)
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped error.
func (e Error) Unwrap() error {
	return e.err
}

// IsZero reports whether e is the zero Error, i.e. no error was
// constructed. Callers that use Error as a sentinel "no error yet" value
// (rather than a pointer or a separate bool) should check this instead
// of comparing against a literal Error{}.
func (e Error) IsZero() bool {
	return e.category == OK && e.err == nil
}

// CategoryOf extracts the Category from err if it (or something it wraps)
// is an Error. Returns Unknown otherwise.
func CategoryOf(err error) Category {
	var e Error
	if stdlib.As(err, &e) {
		return e.category
	}
	return Unknown
}
