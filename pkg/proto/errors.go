package proto

import "fmt"

// Code is a Maelstrom error code.
type Code int

const (
	CodeTimeout                Code = 0
	CodeNodeNotFound           Code = 1
	CodeNotSupported           Code = 10
	CodeTemporarilyUnavailable Code = 11
	CodeMalformedRequest       Code = 12
	CodeCrash                  Code = 13
	CodeAbort                  Code = 14
	CodeKeyDoesNotExist        Code = 20
	CodeKeyAlreadyExists       Code = 21
	CodePreconditionFailed     Code = 22
	CodeTxnConflict            Code = 30
)

// Error is the body of an error reply. It doubles as a Go error so that
// handlers can return it and RPC callers can inspect it with errors.As.
type Error struct {
	Header
	Code Code   `json:"code"`
	Text string `json:"text"`
}

func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Text: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Text)
}
