package appupd

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
)

func ExampleError() {
	fmt.Println(&Error{
		Kind:    ErrConfig,
		Message: "test",
		Op:      "ExampleError",
	})
	fmt.Println(&Error{
		Inner:   fs.ErrNotExist,
		Kind:    ErrValidation,
		Message: "checksum manifest missing entry",
		Op:      "Verify",
	})
	fmt.Println(fmt.Errorf("pipeline: oops: %w", &Error{
		Inner:   fs.ErrPermission,
		Kind:    ErrPermission,
		Message: "cannot write ledger",
		Op:      "ledger.Set",
	}))

	// Output:
	// ExampleError [CONFIG_ERROR]: test
	// Verify [VALIDATION_ERROR]: checksum manifest missing entry: file does not exist
	// pipeline: oops: ledger.Set [PERMISSION_ERROR]: cannot write ledger: permission denied
}

type kindTestcase struct {
	Err  error
	Kind ErrorKind
	Exit int
}

func (tc kindTestcase) Run(t *testing.T) {
	t.Log(tc.Err)
	if got, want := errors.Is(tc.Err, tc.Kind), true; got != want {
		t.Errorf("%v: got: %v, want: %v", tc.Kind, got, want)
	}
	if got, want := ExitCode(tc.Err), tc.Exit; got != want {
		t.Errorf("exit code: got: %d, want: %d", got, want)
	}
}

func TestErrorKind(t *testing.T) {
	tt := []kindTestcase{
		{Err: &Error{Kind: ErrNetwork}, Kind: ErrNetwork, Exit: 10},
		{Err: fmt.Errorf("wrapped: %w", &Error{Kind: ErrConfig}), Kind: ErrConfig, Exit: 11},
		{Err: &Error{Kind: ErrPermission}, Kind: ErrPermission, Exit: 12},
		{Err: &Error{Kind: ErrValidation}, Kind: ErrValidation, Exit: 13},
		{Err: &Error{Kind: ErrDependency}, Kind: ErrDependency, Exit: 14},
		{Err: &Error{Kind: ErrGPG}, Kind: ErrGPG, Exit: 15},
		{Err: &Error{Kind: ErrCustomChecker}, Kind: ErrCustomChecker, Exit: 16},
		{Err: &Error{Kind: ErrInstallation}, Kind: ErrInstallation, Exit: 17},
		{Err: &Error{Kind: ErrCache}, Kind: ErrCache, Exit: 20},
		{Err: &Error{Kind: ErrLock}, Kind: ErrLock, Exit: 20},
		{Err: &Error{Kind: ErrSecurity}, Kind: ErrSecurity, Exit: 1},
		{Err: &Error{Kind: ErrTimeout}, Kind: ErrTimeout, Exit: 1},
		{Err: &Error{Kind: ErrCompilation}, Kind: ErrCompilation, Exit: 1},
		{Err: &Error{Kind: ErrCLI}, Kind: ErrCLI, Exit: 1},
	}
	for i, tc := range tt {
		t.Run(fmt.Sprint(i), tc.Run)
	}
	if got := ExitCode(nil); got != 0 {
		t.Errorf("nil exit code: got: %d, want: 0", got)
	}
	if got := ExitCode(errors.New("anonymous")); got != 1 {
		t.Errorf("plain error exit code: got: %d, want: 1", got)
	}
}

func TestNotifies(t *testing.T) {
	want := map[ErrorKind]bool{
		ErrNetwork:      true,
		ErrPermission:   true,
		ErrGPG:          true,
		ErrInstallation: true,
		ErrConfig:       false,
		ErrValidation:   false,
		ErrLock:         false,
	}
	for k, w := range want {
		if got := k.Notifies(); got != w {
			t.Errorf("%v: got: %v, want: %v", k, got, w)
		}
	}
}
