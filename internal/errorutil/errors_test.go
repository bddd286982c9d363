package errorutil_test

import (
	"errors"
	"io"
	"testing"

	"github.com/ghettovoice/sipcore/internal/errorutil"
)

const errTest errorutil.Error = "test error"

func TestNewWrapperError(t *testing.T) {
	t.Parallel()

	if err := errorutil.NewWrapperError(errTest); err != errTest { //nolint:errorlint
		t.Fatalf("NewWrapperError() = %v, want %v", err, errTest)
	}

	err := errorutil.NewWrapperError(errTest, io.EOF)
	if !errors.Is(err, errTest) || !errors.Is(err, io.EOF) {
		t.Fatalf("NewWrapperError(io.EOF) = %v, want wrapping both errors", err)
	}
	if again := errorutil.NewWrapperError(errTest, err); again != err { //nolint:errorlint
		t.Fatalf("NewWrapperError(wrapped) = %v, want %v", again, err)
	}

	err = errorutil.NewInvalidArgumentError("bad %s", "value")
	if !errors.Is(err, errorutil.ErrInvalidArgument) {
		t.Fatalf("NewInvalidArgumentError() = %v, want %v", err, errorutil.ErrInvalidArgument)
	}
	if got, want := err.Error(), "invalid argument: bad value"; got != want {
		t.Fatalf("err.Error() = %q, want %q", got, want)
	}
}

func TestJoinPrefix(t *testing.T) {
	t.Parallel()

	if err := errorutil.JoinPrefix("close:", nil, nil); err != nil {
		t.Fatalf("JoinPrefix(nil, nil) = %v, want nil", err)
	}

	err := errorutil.JoinPrefix("close:", nil, io.EOF)
	if got, want := err.Error(), "close: EOF"; got != want {
		t.Fatalf("err.Error() = %q, want %q", got, want)
	}

	err = errorutil.JoinPrefix("close:", io.EOF, errTest)
	if !errors.Is(err, io.EOF) || !errors.Is(err, errTest) {
		t.Fatalf("JoinPrefix() = %v, want wrapping both errors", err)
	}
	if got, want := err.Error(), "close:\n  - EOF\n  - test error"; got != want {
		t.Fatalf("err.Error() = %q, want %q", got, want)
	}
}
