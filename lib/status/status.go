package status

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// --------------------------------------------------------------------------
// Result Codes
// --------------------------------------------------------------------------

// Code identifies the kind of a result status.
type Code int32

const (
	Success Code = iota
	UnknownError
	SystemError
	NotImplementedError
	PreconditionError
	InvalidArgumentError
	CancelledError
	NotFoundError
	PermissionError
	InfeasibleError
	DuplicationError
	BrokenDataError
)

func (c Code) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case UnknownError:
		return "UNKNOWN_ERROR"
	case SystemError:
		return "SYSTEM_ERROR"
	case NotImplementedError:
		return "NOT_IMPLEMENTED_ERROR"
	case PreconditionError:
		return "PRECONDITION_ERROR"
	case InvalidArgumentError:
		return "INVALID_ARGUMENT_ERROR"
	case CancelledError:
		return "CANCELLED_ERROR"
	case NotFoundError:
		return "NOT_FOUND_ERROR"
	case PermissionError:
		return "PERMISSION_ERROR"
	case InfeasibleError:
		return "INFEASIBLE_ERROR"
	case DuplicationError:
		return "DUPLICATION_ERROR"
	case BrokenDataError:
		return "BROKEN_DATA_ERROR"
	default:
		return "INVALID_CODE"
	}
}

// --------------------------------------------------------------------------
// Status Type
// --------------------------------------------------------------------------

// Status carries a result code and an optional message. It implements the
// error interface; a nil error stands for Success everywhere in this module.
type Status struct {
	code    Code
	message string
}

// New creates a status error with the given code and message.
// A Success code yields nil so the result can be returned directly.
func New(code Code, message string) error {
	if code == Success {
		return nil
	}
	return &Status{code: code, message: message}
}

// Newf creates a status error with a formatted message.
func Newf(code Code, format string, args ...interface{}) error {
	if code == Success {
		return nil
	}
	return &Status{code: code, message: fmt.Sprintf(format, args...)}
}

// Code returns the result code.
func (s *Status) Code() Code {
	if s == nil {
		return Success
	}
	return s.code
}

// Message returns the message without the code prefix.
func (s *Status) Message() string {
	if s == nil {
		return ""
	}
	return s.message
}

func (s *Status) Error() string {
	if s == nil {
		return Success.String()
	}
	if s.message == "" {
		return s.code.String()
	}
	return s.code.String() + ": " + s.message
}

// Is reports whether target is a status with the same code.
// This makes errors.Is usable for code comparisons.
func (s *Status) Is(target error) bool {
	var other *Status
	if !errors.As(target, &other) {
		return false
	}
	return s.Code() == other.Code()
}

// --------------------------------------------------------------------------
// Inspection Helpers
// --------------------------------------------------------------------------

// Get extracts the code of an error. A nil error is Success; an error that
// is not a *Status is UnknownError.
func Get(err error) Code {
	if err == nil {
		return Success
	}
	var s *Status
	if errors.As(err, &s) {
		return s.Code()
	}
	return UnknownError
}

// Is reports whether the error carries the given code.
func Is(err error, code Code) bool {
	return Get(err) == code
}

// Join accumulates multiple cleanup failures into a single status.
// The code of the first non-success error wins; messages concatenate.
func Join(errs ...error) error {
	var (
		code     = Success
		messages []string
	)
	for _, err := range errs {
		if err == nil {
			continue
		}
		if code == Success {
			code = Get(err)
			if code == Success {
				code = UnknownError
			}
		}
		messages = append(messages, errMessage(err))
	}
	if code == Success {
		return nil
	}
	return &Status{code: code, message: strings.Join(messages, "; ")}
}

func errMessage(err error) string {
	var s *Status
	if errors.As(err, &s) {
		return s.Message()
	}
	return err.Error()
}

// --------------------------------------------------------------------------
// OS Error Wrapping
// --------------------------------------------------------------------------

// FromSysError wraps an OS level error with the name of the failing syscall.
// The errno decides the code so that callers can react to the kind of
// failure without parsing messages.
func FromSysError(call string, err error) error {
	if err == nil {
		return nil
	}
	msg := func(text string) string {
		return fmt.Sprintf("%s failed: %s", call, text)
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return &Status{code: SystemError, message: msg(err.Error())}
	}
	switch errno {
	case syscall.EAGAIN:
		return &Status{code: SystemError, message: msg("temporarily unavailable")}
	case syscall.EINTR:
		return &Status{code: SystemError, message: msg("interrupted by a signal")}
	case syscall.EACCES:
		return &Status{code: PermissionError, message: msg("permission denied")}
	case syscall.ENOENT:
		return &Status{code: NotFoundError, message: msg("no such file")}
	case syscall.ENOTDIR:
		return &Status{code: NotFoundError, message: msg("not a directory")}
	case syscall.EISDIR:
		return &Status{code: InfeasibleError, message: msg("duplicated directory")}
	case syscall.ELOOP:
		return &Status{code: InfeasibleError, message: msg("looped path")}
	case syscall.EFBIG:
		return &Status{code: InfeasibleError, message: msg("too big file")}
	case syscall.ENOSPC:
		return &Status{code: InfeasibleError, message: msg("no enough space")}
	case syscall.ENOMEM:
		return &Status{code: InfeasibleError, message: msg("no enough memory")}
	case syscall.EEXIST:
		return &Status{code: DuplicationError, message: msg("already exist")}
	case syscall.ENOTEMPTY:
		return &Status{code: InfeasibleError, message: msg("not empty")}
	case syscall.EXDEV:
		return &Status{code: InfeasibleError, message: msg("cross device move")}
	case syscall.EBADF:
		return &Status{code: SystemError, message: msg("bad file descriptor")}
	case syscall.EINVAL:
		return &Status{code: SystemError, message: msg("invalid file descriptor")}
	case syscall.EIO:
		return &Status{code: SystemError, message: msg("low-level I/O error")}
	case syscall.EFAULT:
		return &Status{code: SystemError, message: msg("fault buffer address")}
	case syscall.EDQUOT:
		return &Status{code: InfeasibleError, message: msg("exhausted quota")}
	case syscall.EMFILE:
		return &Status{code: InfeasibleError, message: msg("exceeding process limit")}
	case syscall.ENFILE:
		return &Status{code: InfeasibleError, message: msg("exceeding system-wide limit")}
	case syscall.ENAMETOOLONG:
		return &Status{code: InfeasibleError, message: msg("too long name")}
	case syscall.ETXTBSY:
		return &Status{code: InfeasibleError, message: msg("busy file")}
	case syscall.EOVERFLOW:
		return &Status{code: InfeasibleError, message: msg("size overflow")}
	default:
		return &Status{code: SystemError, message: msg(fmt.Sprintf("unknown error: %d", int(errno)))}
	}
}
