package ledger

import "fmt"

// Code is a logical error code surfaced to API clients as the `code`
// field of a JSON error body; every request-level failure is reported
// this way over HTTP 200, never via the HTTP status line.
type Code int

// Logical error codes, stable across releases.
const (
	CodeAddressNotFound   Code = 40001
	CodeAssetNotTrusted   Code = 40002
	CodeTxnNotFound       Code = 40003
	CodeAssetMismatch     Code = 40004
	CodeTxnBuildFailed    Code = 40005
	CodeTxnExpired        Code = 40006
	CodeInsufficientFunds Code = 40007
	CodeTxnSendFailed     Code = 40008
	CodeSelfTransfer      Code = 40009
	CodeBulkLockFailed    Code = 40010
	CodeInvalidTransaction Code = 40011
	CodeInvalidAccount    Code = 40012
)

// Error is a logical (business-rule) failure, distinct from transport or
// storage errors: handlers map it straight to a JSON {code, message} body
// and always answer with HTTP 200, per spec.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ams[%d]: %s", e.Code, e.Message)
}

// NewError builds a logical Error with a formatted message.
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Convenience constructors for the error kinds named in spec.md §7.

func ErrAddressNotFound(addr string) *Error {
	return NewError(CodeAddressNotFound, "address not found: %s", addr)
}

func ErrAssetNotTrusted(addr, asset string) *Error {
	return NewError(CodeAssetNotTrusted, "account %s does not trust asset %s", addr, asset)
}

func ErrTxnNotFound(handle string) *Error {
	return NewError(CodeTxnNotFound, "transaction not found: %s", handle)
}

func ErrAssetMismatch(asset string) *Error {
	return NewError(CodeAssetMismatch, "asset mismatch: %s", asset)
}

func ErrTxnBuildFailed(reason string) *Error {
	return NewError(CodeTxnBuildFailed, "failed to build transaction: %s", reason)
}

func ErrTxnExpired() *Error {
	return NewError(CodeTxnExpired, "transaction expired")
}

func ErrInsufficientFunds(addr, asset string) *Error {
	return NewError(CodeInsufficientFunds, "account %s has insufficient %s balance", addr, asset)
}

func ErrTxnSendFailed(reason string) *Error {
	return NewError(CodeTxnSendFailed, "failed to send transaction: %s", reason)
}

func ErrSelfTransfer() *Error {
	return NewError(CodeSelfTransfer, "from and to address must differ")
}

func ErrBulkLockFailed(addr string) *Error {
	return NewError(CodeBulkLockFailed, "failed to acquire transfer lock for %s", addr)
}

func ErrInvalidTransaction(reason string) *Error {
	return NewError(CodeInvalidTransaction, "invalid transaction: %s", reason)
}

func ErrInvalidAccount(reason string) *Error {
	return NewError(CodeInvalidAccount, "invalid account: %s", reason)
}

// AsError unwraps err into an *Error, if it is one.
func AsError(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
