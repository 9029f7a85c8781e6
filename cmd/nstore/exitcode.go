package main

import "github.com/pkg/errors"

type exitCodeError struct {
	code  int
	msg   string
	quiet bool
}

func (e *exitCodeError) Error() string {
	return e.msg
}

func (e *exitCodeError) ExitCode() int {
	return e.code
}

func (e *exitCodeError) Quiet() bool {
	return e.quiet
}

// exitCode maps an error returned by a command to a process exit code and
// reports whether the message was already printed.
func exitCode(err error) (int, bool) {
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.ExitCode(), ec.Quiet()
	}
	return 1, false
}
