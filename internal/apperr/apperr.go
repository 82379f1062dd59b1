// Package apperr définit la taxonomie d'erreurs du contrôleur et sa
// correspondance HTTP.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	Internal Kind = iota
	Invalid
	Unauthorized
	Forbidden
	NotFound
	Conflict
	Gone
	UpstreamUnreachable
	Timeout
)

func (k Kind) String() string {
	switch k {
	case Invalid:
		return "invalid"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not found"
	case Conflict:
		return "conflict"
	case Gone:
		return "gone"
	case UpstreamUnreachable:
		return "upstream unreachable"
	case Timeout:
		return "timeout"
	default:
		return "internal error"
	}
}

// Error porte un Kind, un message destiné à l'appelant et la cause éventuelle.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is compare par Kind. Une entité Gone est aussi NotFound.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Msg != "" || t.Err != nil {
		return e == t
	}
	return e.Kind == t.Kind || (e.Kind == Gone && t.Kind == NotFound)
}

// Sentinelles utilisables avec errors.Is.
var (
	ErrInvalid             = &Error{Kind: Invalid}
	ErrUnauthorized        = &Error{Kind: Unauthorized}
	ErrForbidden           = &Error{Kind: Forbidden}
	ErrNotFound            = &Error{Kind: NotFound}
	ErrConflict            = &Error{Kind: Conflict}
	ErrGone                = &Error{Kind: Gone}
	ErrUpstreamUnreachable = &Error{Kind: UpstreamUnreachable}
	ErrTimeout             = &Error{Kind: Timeout}
	ErrInternal            = &Error{Kind: Internal}
)

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf retourne Internal pour toute erreur hors taxonomie.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Message retourne le texte exposable au client.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != Internal {
		if e.Msg != "" {
			return e.Msg
		}
		return e.Kind.String()
	}
	return "internal error"
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case Invalid:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Gone:
		return http.StatusGone
	case UpstreamUnreachable:
		return http.StatusBadGateway
	case Timeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
