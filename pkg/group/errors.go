package group

import (
	"errors"
	"fmt"
)

var (
	ErrGroupAlreadyExists  = errors.New("group: already exists")
	ErrGroupDoesNotExist   = errors.New("group: does not exist")
	ErrMemberDoesNotExist  = errors.New("group: member does not exist")
	ErrMemberAlreadyExists = errors.New("group: member already exists")

	// ErrClosed is returned by Create and CreateExclusive after Close.
	ErrClosed = errors.New("group: closed")
)

// Error is a coordination failure translated into a group error. It
// matches its Kind and, through Unwrap, the underlying coord error.
type Error struct {
	Kind error
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", e.Kind, e.Path)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// translate maps the coord sentinel in err to kind; any other error is
// returned as is.
func translate(err, from, kind error, p string) error {
	if errors.Is(err, from) {
		return &Error{Kind: kind, Path: p, Err: err}
	}
	return err
}
