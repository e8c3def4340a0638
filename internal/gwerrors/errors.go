// Package gwerrors carries the two-variant error result used across the
// gateway: BizError reaches the HTTP surface verbatim, SysError is logged
// and collapses to a generic failure for the caller.
package gwerrors

import "fmt"

// BizError is a user-visible domain failure with a stable numeric code.
// Codes in the 1000s follow the admin API's {code,msg,data} envelope;
// code 1000 means "device offline", the 1100 range means resource
// exhaustion or timeout, per spec §7.
type BizError struct {
	Code int
	Msg  string
}

func (e *BizError) Error() string { return fmt.Sprintf("biz(%d): %s", e.Code, e.Msg) }

// NewBiz builds a BizError.
func NewBiz(code int, msg string) *BizError { return &BizError{Code: code, Msg: msg} }

// Well-known biz codes.
const (
	CodeDeviceOffline      = 1000
	CodeConcurrencyLimit   = 1100
	CodeNoStream           = 1100
	CodeStreamNotFound     = 1100
	CodeUnknownDevice      = 1100
	CodeDuplicateListen    = 1101
)

// SysError wraps an unexpected internal failure; never sent to a client body.
type SysError struct {
	Err error
}

func (e *SysError) Error() string { return fmt.Sprintf("sys: %v", e.Err) }
func (e *SysError) Unwrap() error { return e.Err }

// NewSys wraps err as a SysError.
func NewSys(err error) *SysError { return &SysError{Err: err} }

// AsBiz reports whether err is a *BizError and returns it.
func AsBiz(err error) (*BizError, bool) {
	be, ok := err.(*BizError)
	return be, ok
}
