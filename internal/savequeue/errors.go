package savequeue

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Class is how the processor treats a failed operation.
type Class int

const (
	// ClassTransient is the zero value so unclassified errors are retried.
	ClassTransient Class = iota
	ClassClient
	ClassConflict
	ClassAuth
)

func (c Class) String() string {
	switch c {
	case ClassClient:
		return "client"
	case ClassConflict:
		return "conflict"
	case ClassAuth:
		return "auth"
	default:
		return "transient"
	}
}

const CodeVersionConflict = "VERSION_CONFLICT"

var (
	ErrAuthExpired = errors.New("authentication failed, log in again to save your work")
	ErrNoHandler   = errors.New("no handler registered")
	ErrClosed      = errors.New("save queue closed")
)

// Error is the structured failure a store adapter returns.
type Error struct {
	Class       Class
	Status      int
	Code        string
	ServerStamp time.Time
	ClientStamp time.Time
	Err         error
}

func (e *Error) Error() string {
	msg := e.Class.String() + " error"
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Class == ClassConflict {
		msg += fmt.Sprintf(": server updated at %s, client last saw %s",
			formatStamp(e.ServerStamp), formatStamp(e.ClientStamp))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func AuthError(err error) error {
	return &Error{Class: ClassAuth, Status: http.StatusUnauthorized, Err: err}
}

func ConflictError(server, client time.Time) error {
	return &Error{
		Class:       ClassConflict,
		Status:      http.StatusConflict,
		Code:        CodeVersionConflict,
		ServerStamp: server,
		ClientStamp: client,
	}
}

func ClientError(status int, err error) error {
	return &Error{Class: ClassClient, Status: status, Err: err}
}

func TransientError(err error) error {
	return &Error{Class: ClassTransient, Err: err}
}

// Classify reports the class of err. Errors that carry no classification are
// transient.
func Classify(err error) Class {
	var saveErr *Error
	if !errors.As(err, &saveErr) {
		return ClassTransient
	}
	if saveErr.Class != ClassTransient {
		return saveErr.Class
	}
	return classifyStatus(saveErr.Status, saveErr.Code)
}

// ClassifyStatus maps an HTTP-like status and error code to a class.
func ClassifyStatus(status int, code string) Class {
	return classifyStatus(status, code)
}

func classifyStatus(status int, code string) Class {
	switch {
	case status == http.StatusUnauthorized:
		return ClassAuth
	case code == CodeVersionConflict:
		return ClassConflict
	case status >= 400 && status < 500:
		return ClassClient
	default:
		return ClassTransient
	}
}

func conflictStamps(err error) (server, client time.Time) {
	var saveErr *Error
	if errors.As(err, &saveErr) {
		return saveErr.ServerStamp, saveErr.ClientStamp
	}
	return time.Time{}, time.Time{}
}

func formatStamp(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format(time.RFC3339Nano)
}
