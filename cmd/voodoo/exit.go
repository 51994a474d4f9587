package main

import "fmt"

const (
	exitSuccess  = 0
	exitFailures = 1 // at least one test failed
	exitSetup    = 2 // bad config, flags or inputs
	exitAborted  = 3 // run interrupted before all tests ran
)

// ExitError is an error that carries a specific process exit code.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}
