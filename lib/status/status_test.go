package status

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSuccessIsNil(t *testing.T) {
	require.Nil(t, New(Success, "ignored"))
	require.Nil(t, Newf(Success, "ignored %d", 1))
}

func TestCodeStrings(t *testing.T) {
	cases := map[Code]string{
		Success:              "SUCCESS",
		UnknownError:         "UNKNOWN_ERROR",
		SystemError:          "SYSTEM_ERROR",
		NotImplementedError:  "NOT_IMPLEMENTED_ERROR",
		PreconditionError:    "PRECONDITION_ERROR",
		InvalidArgumentError: "INVALID_ARGUMENT_ERROR",
		CancelledError:       "CANCELLED_ERROR",
		NotFoundError:        "NOT_FOUND_ERROR",
		PermissionError:      "PERMISSION_ERROR",
		InfeasibleError:      "INFEASIBLE_ERROR",
		DuplicationError:     "DUPLICATION_ERROR",
		BrokenDataError:      "BROKEN_DATA_ERROR",
	}
	for code, expected := range cases {
		require.Equal(t, expected, code.String())
	}
}

func TestErrorFormatting(t *testing.T) {
	err := New(NotFoundError, "no matching record")
	require.Equal(t, "NOT_FOUND_ERROR: no matching record", err.Error())
	require.Equal(t, "INFEASIBLE_ERROR", New(InfeasibleError, "").Error())
}

func TestGetAndIs(t *testing.T) {
	require.Equal(t, Success, Get(nil))
	require.Equal(t, UnknownError, Get(errors.New("foreign")))
	require.Equal(t, NotFoundError, Get(New(NotFoundError, "")))

	err := fmt.Errorf("wrapped: %w", New(InfeasibleError, "mismatch"))
	require.True(t, Is(err, InfeasibleError))
	require.False(t, Is(err, NotFoundError))

	// errors.Is compares by code
	require.True(t, errors.Is(New(NotFoundError, "a"), New(NotFoundError, "b")))
	require.False(t, errors.Is(New(NotFoundError, "a"), New(InfeasibleError, "b")))
}

func TestJoin(t *testing.T) {
	require.Nil(t, Join())
	require.Nil(t, Join(nil, nil))

	// the first non-success code wins, messages concatenate
	err := Join(nil, New(SystemError, "munmap failed"), New(PermissionError, "locked"))
	require.Equal(t, SystemError, Get(err))
	require.Equal(t, "SYSTEM_ERROR: munmap failed; locked", err.Error())

	// foreign errors degrade to UnknownError but keep their message
	err = Join(errors.New("boom"))
	require.Equal(t, UnknownError, Get(err))
}

func TestFromSysError(t *testing.T) {
	require.Nil(t, FromSysError("open", nil))

	cases := map[syscall.Errno]Code{
		syscall.ENOENT:       NotFoundError,
		syscall.EACCES:       PermissionError,
		syscall.ENOSPC:       InfeasibleError,
		syscall.EEXIST:       DuplicationError,
		syscall.EIO:          SystemError,
		syscall.EMFILE:       InfeasibleError,
		syscall.ENAMETOOLONG: InfeasibleError,
		syscall.ETXTBSY:      InfeasibleError,
		syscall.EOVERFLOW:    InfeasibleError,
		syscall.EPROTO:       SystemError, // unmapped errnos stay system errors
	}
	for errno, expected := range cases {
		require.Equal(t, expected, Get(FromSysError("call", errno)), "errno %d", errno)
	}

	// wrapped errnos as the OS package returns them
	pathErr := fmt.Errorf("stat: %w", syscall.ENOENT)
	require.Equal(t, NotFoundError, Get(FromSysError("stat", pathErr)))

	// non-errno failures are system errors with the syscall name
	err := FromSysError("mmap", errors.New("boom"))
	require.Equal(t, SystemError, Get(err))
	require.Equal(t, "SYSTEM_ERROR: mmap failed: boom", err.Error())
}
