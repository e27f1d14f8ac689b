package domain

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindConfiguration   Kind = "ConfigurationError"
	KindStageFailure    Kind = "StageFailure"
	KindTimeout         Kind = "Timeout"
	KindMissingArtifact Kind = "MissingArtifact"
	KindCancelled       Kind = "Cancelled"
)

// Sentinels for errors.Is; every *Error matches the sentinel of its kind.
var (
	ErrConfiguration   = &Error{Kind: KindConfiguration}
	ErrStageFailure    = &Error{Kind: KindStageFailure}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrMissingArtifact = &Error{Kind: KindMissingArtifact}
	ErrCancelled       = &Error{Kind: KindCancelled}
)

// Error is the single error type surfaced by the orchestrator. Output holds
// the captured tail of the failing stage, if any.
type Error struct {
	Kind   Kind
	Stage  string
	Msg    string
	Output string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Stage != "" {
		msg += " in stage " + e.Stage
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Stage == "" && t.Msg == "" && t.Err == nil
}

func ConfigError(format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Msg: fmt.Sprintf(format, args...)}
}

func MissingArtifact(stage, path string, err error) error {
	return &Error{Kind: KindMissingArtifact, Stage: stage, Msg: path, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
