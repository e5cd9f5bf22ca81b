package store

import (
	"errors"
	"fmt"
)

// ErrInvalid 是所有配置校验错误的根，调用方可用 errors.Is 判断。
var ErrInvalid = errors.New("invalid store definition")

// ValidationError 提供字段路径与错误原因，风格与 config.FieldError 保持一致。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Unwrap 使 errors.Is(err, ErrInvalid) 成立。
func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

func newValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
