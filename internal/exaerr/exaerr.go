// Package exaerr implements the closed error taxonomy shared by every
// component of the storage virtualizer (spec §7). An error is a plain
// *Error value carrying its Code; ToGRPCStatus renders one as a gRPC
// status for a transport that needs it, the same way
// nestybox-sysbox-fs/state reports container errors via grpc/codes and
// grpc/status.
package exaerr

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Code is the closed error taxonomy of spec §7.
type Code int

const (
	// Invalid marks a malformed request (bad argument, null pointer,
	// invalid operation).
	Invalid Code = iota
	NotFound
	Busy
	NoSpace
	IoError
	Canceled
	Corruption
	VersionMismatch
	UuidMismatch
	LayoutConstraintsInfringed
	NotEnoughDevices
	PermissionDenied
	Timeout
	Internal
)

var messages = map[Code]string{
	Invalid:                    "Invalid argument.",
	NotFound:                   "Entity not found.",
	Busy:                       "Resource is busy.",
	NoSpace:                    "Not enough storage capacity to create or resize the volume.",
	IoError:                    "An I/O error occurred.",
	Canceled:                   "Operation was canceled.",
	Corruption:                 "Superblock is corrupted.",
	VersionMismatch:            "Incompatible version.",
	UuidMismatch:               "UUID does not match the expected group.",
	LayoutConstraintsInfringed: "Layout constraints cannot be satisfied.",
	NotEnoughDevices:           "Not enough devices across distinct SPOF groups.",
	PermissionDenied:           "Permission denied.",
	Timeout:                    "Operation timed out.",
	Internal:                   "Internal error.",
}

// grpcCode maps the taxonomy onto the closest stock gRPC code, used only
// as the wire carrier — callers should match on Code, never on the
// underlying grpc/codes.Code.
var grpcCode = map[Code]codes.Code{
	Invalid:                    codes.InvalidArgument,
	NotFound:                   codes.NotFound,
	Busy:                       codes.Unavailable,
	NoSpace:                    codes.ResourceExhausted,
	IoError:                    codes.Unknown,
	Canceled:                   codes.Canceled,
	Corruption:                 codes.DataLoss,
	VersionMismatch:            codes.FailedPrecondition,
	UuidMismatch:               codes.FailedPrecondition,
	LayoutConstraintsInfringed: codes.FailedPrecondition,
	NotEnoughDevices:           codes.FailedPrecondition,
	PermissionDenied:           codes.PermissionDenied,
	Timeout:                    codes.DeadlineExceeded,
	Internal:                   codes.Internal,
}

// Kind classifies an error for propagation policy (spec §7).
type Kind int

const (
	KindError Kind = iota
	KindWarning
	KindInformational
)

// Error is a taxonomy error: a fixed Code plus an optional one-line
// context string prepared by the caller.
type Error struct {
	code    Code
	kind    Kind
	context string
}

func (e *Error) Error() string {
	msg := messages[e.code]
	if e.context == "" {
		return msg
	}
	return msg + " " + e.context
}

// CodeOf returns the taxonomy code carried by err, or (Internal, false) if
// err does not carry one.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.code, true
	}
	return Internal, false
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// New builds a taxonomy error. format/args become the one-line context
// appended to the fixed message string.
func New(code Code, format string, args ...interface{}) error {
	return &Error{code: code, kind: KindError, context: fmt.Sprintf(format, args...)}
}

// NewWarning builds a warning-kind taxonomy error (spec §7: force
// disabled, node down, partial export failure, IO-barrier capability
// missing).
func NewWarning(code Code, format string, args ...interface{}) error {
	return &Error{code: code, kind: KindWarning, context: fmt.Sprintf(format, args...)}
}

// NewInformational builds an informational-kind taxonomy error (spec
// §7: already started/stopped).
func NewInformational(code Code, format string, args ...interface{}) error {
	return &Error{code: code, kind: KindInformational, context: fmt.Sprintf(format, args...)}
}

func (e *Error) KindOf() Kind { return e.kind }

// ToGRPCStatus renders err as a gRPC status, mapping its Code onto the
// closest stock gRPC code; an error without a Code maps to Unknown.
func ToGRPCStatus(err error) *grpcstatus.Status {
	var e *Error
	if errors.As(err, &e) {
		return grpcstatus.New(grpcCode[e.code], e.Error())
	}
	return grpcstatus.New(codes.Unknown, err.Error())
}

// Context annotates err with a one-line outer-layer context message,
// mirroring the teacher's use of github.com/pkg/errors for exactly this.
func Context(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
