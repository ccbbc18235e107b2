package model

type (
	// Response wraps every API result. Message is set on failure only.
	Response[T any] struct {
		Code    int     `json:"code"`
		Message *string `json:"message"`
		Data    *T      `json:"data"`
	}
)

func OK[T any](code int, data T) *Response[T] {
	return &Response[T]{Code: code, Data: &data}
}

func Fail[T any](code int, msg string) *Response[T] {
	return &Response[T]{Code: code, Message: &msg}
}
