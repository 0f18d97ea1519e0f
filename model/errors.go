package model

import (
	"errors"
	"fmt"
)

// ErrorKind
//
//	The source a SocketError originated from. The transport kinds only
//	exist in builds compiled with the matching tag: KindServer with
//	`server` and KindWeb with `web`.
type ErrorKind int

const (
	// KindParseJSON marks malformed or schema-mismatched payloads.
	KindParseJSON ErrorKind = iota
	// KindUTF8Decode marks frames whose bytes are not valid UTF-8.
	KindUTF8Decode
)

// kindNames is extended by the transport specific files of this package.
var kindNames = map[ErrorKind]string{
	KindParseJSON:  "ParseJson",
	KindUTF8Decode: "Utf8Decode",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// SocketError
//
//	The single error surface of the codec and the socket transports. The
//	original failure is kept untouched in Err; Error returns its text.
type SocketError struct {
	Kind ErrorKind
	Err  error
}

func (e *SocketError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *SocketError) Unwrap() error {
	return e.Err
}

// Is
//
//	Matches another SocketError with the same kind and no cause, which lets
//	callers write errors.Is(err, &SocketError{Kind: KindUTF8Decode}).
func (e *SocketError) Is(target error) bool {
	t, ok := target.(*SocketError)
	if !ok {
		return false
	}
	return t.Err == nil && t.Kind == e.Kind
}

// newSocketError
//
//	Wraps err under kind. Errors that already are SocketErrors keep their
//	original kind.
func newSocketError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var se *SocketError
	if errors.As(err, &se) {
		return err
	}
	return &SocketError{Kind: kind, Err: err}
}

// KindOf
//
//	Returns the kind of the SocketError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var se *SocketError
	if !errors.As(err, &se) {
		return 0, false
	}
	return se.Kind, true
}

// UTF8Error
//
//	A frame could not be read as text. ValidUpTo is the length of the
//	longest valid prefix.
type UTF8Error struct {
	ValidUpTo int
	Err       error
}

func (e *UTF8Error) Error() string {
	return fmt.Sprintf("invalid utf-8 sequence after byte %d: %v", e.ValidUpTo, e.Err)
}

func (e *UTF8Error) Unwrap() error {
	return e.Err
}
