// Package tcerror defines the fixed, client-visible error codes of the
// transaction coordinator wire protocol, and the small error type that
// carries them across the API boundary.
package tcerror

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Code is one of the fixed numeric error codes the coordinator may return
// to a client. These values are part of the wire protocol and must never
// be renumbered.
type Code int

const (
	StateError             Code = 202
	LengthError            Code = 207
	ZeroKeyLength           Code = 208
	SignalError             Code = 209
	NoAttrBuffer            Code = 217
	NoDataRecord            Code = 218
	NoFreeAPIConnection     Code = 219
	TooMuchAttrInRequest    Code = 220
	InvalidConnection       Code = 229
	CommitInProgress        Code = 230
	RollbackNotAllowed      Code = 232
	NoFreeTCConnection      Code = 233
	AbortInProgress         Code = 237
	WrongSchemaVersion      Code = 241
	NoConcurrency           Code = 242
	TooHighConcurrency      Code = 244
	NoScanRecord            Code = 245
	NoFragment              Code = 246
	ScanNodeError           Code = 250
	TimeOut                 Code = 266
	ScanError269            Code = 269
	ScanError270            Code = 270
	ScanError274            Code = 274
	SeizeAPICopyError       Code = 275
	ScanInProgress          Code = 276
	AbortError              Code = 277
	CommitTypeError         Code = 278
	NoFreeTCMarker          Code = 279
	ClusterShutdown         Code = 280
	NodeShutdown            Code = 281
	DropTableInProgress     Code = 283
	NoSuchTable             Code = 284
	UnknownTable            Code = 285
	NodeFailBeforeCommit    Code = 286
	ScanTimeout296          Code = 296
	ScanTimeout297          Code = 297
	SingleUserMode          Code = 299
	NotFound                Code = 626
	AlreadyExists           Code = 630
	NotUnique               Code = 893
)

// Error is a client-visible reply carrying a fixed Code, the transaction id
// it pertains to (so the client can correlate), and debugging aids that
// mirror the source's line-number-in-reply convention.
type Error struct {
	Code     Code
	TransId  uint64
	Line     int
	ErrData  int32
}

func (e *Error) Error() string {
	if e.ErrData != 0 {
		return fmt.Sprintf("tc error %d (transid=%d, line=%d, data=%d)", e.Code, e.TransId, e.Line, e.ErrData)
	}
	return fmt.Sprintf("tc error %d (transid=%d, line=%d)", e.Code, e.TransId, e.Line)
}

// New builds a client-visible error at the given call site line.
func New(code Code, transid uint64, line int) *Error {
	return &Error{Code: code, TransId: transid, Line: line}
}

// WithData attaches error-data (e.g. an offending index id) to an error.
func (e *Error) WithData(data int32) *Error {
	e.ErrData = data
	return e
}

// Fatal reports a condition that the source would have handled with
// systemErrorLab(__LINE__): an invariant violation that must never occur in
// a correct build. It logs the invariant at Fatal, which terminates the
// process — matching the source's "assert and die" discipline. Unlike a
// client Error, this is never returned to a caller.
func Fatal(line int, format string, args ...interface{}) {
	log.WithFields(log.Fields{
		"line": line,
	}).Fatalf("invariant violation: "+format, args...)
}
