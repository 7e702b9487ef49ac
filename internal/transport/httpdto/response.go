package httpdto

import sentinal_errors "sentinal-e2ee/pkg/errors"

// Response is the envelope of every JSON reply. Code carries the wire error
// code on failures.
type Response[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func NewSuccessResponse[T any](data T) Response[T] {
	return Response[T]{Success: true, Data: data}
}

func NewErrorResponse(msg string, code string) Response[any] {
	return Response[any]{Error: msg, Code: code}
}

// ErrorFrom renders err under its wire code. A non-empty msg replaces the
// error text.
func ErrorFrom(err error, msg string) Response[any] {
	if msg == "" {
		msg = err.Error()
	}
	return NewErrorResponse(msg, sentinal_errors.Code(err))
}
