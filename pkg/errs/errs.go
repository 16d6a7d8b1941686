// Package errs 定义了索引、检索与管道组件共用的错误分类。
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind 是错误的类别。重试判断与 HTTP 状态码映射都基于 Kind，而不是错误信息。
type Kind string

const (
	InvalidConfiguration Kind = "InvalidConfiguration"
	UnsupportedFormat    Kind = "UnsupportedFormat"
	CorruptInput         Kind = "CorruptInput"
	FileTooLarge         Kind = "FileTooLarge"
	Throttled            Kind = "Throttled"
	Timeout              Kind = "Timeout"
	ServiceError         Kind = "ServiceError"
	ExtractionFailed     Kind = "ExtractionFailed"
	GenerationFailed     Kind = "GenerationFailed"
	Cancelled            Kind = "Cancelled"
	NotFound             Kind = "NotFound"
	InvalidState         Kind = "InvalidState"
	Internal             Kind = "Internal"
)

// Error 携带错误类别、出错的操作以及底层原因。
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// E 用 kind 和 op 包装 err。
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// New 根据错误信息创建带类别的错误。
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Newf 是支持格式化的 New。
func Newf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf 返回错误链中最外层的类别。未包装的 context 错误分别对应 Cancelled 与 Timeout，
// 其余未分类的错误视为 Internal。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	return Internal
}

// Is 报告错误链中是否存在指定类别。
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			break
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	switch kind {
	case Cancelled:
		return errors.Is(err, context.Canceled)
	case Timeout:
		return errors.Is(err, context.DeadlineExceeded)
	}
	return false
}

// IsTransient 报告错误是否可能在重试后成功。
func IsTransient(err error) bool {
	switch KindOf(err) {
	case Throttled, Timeout, ServiceError:
		return true
	}
	return false
}
