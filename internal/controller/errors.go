package controller

import "fmt"

// ErrorCode names one entry of the step-loop failure taxonomy. Every code
// is surfaced either as an error event in history or as an Errored
// lifecycle transition with LastError set; nothing is swallowed.
type ErrorCode string

const (
	CodeMalformedAction       ErrorCode = "malformed_action"
	CodeNoAction              ErrorCode = "no_action"
	CodeContextWindowExceeded ErrorCode = "context_window_exceeded"
	CodeStuckLoop             ErrorCode = "stuck_loop"
	CodeBudgetExceeded        ErrorCode = "budget_exceeded"
	CodeIterationLimit        ErrorCode = "iteration_limit_exceeded"
	CodeExecutorUnavailable   ErrorCode = "execution_backend_unavailable"
	CodeSecurityRejected      ErrorCode = "security_rejected"
)

// StepError is a normalized step-loop failure.
type StepError struct {
	Code        ErrorCode
	Message     string
	Recoverable bool
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func stepErrorf(code ErrorCode, recoverable bool, format string, args ...any) *StepError {
	return &StepError{Code: code, Message: fmt.Sprintf(format, args...), Recoverable: recoverable}
}
