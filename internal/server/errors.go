package server

import "github.com/wilsongn/Whatslike-sub000/internal/protocol"

// routeError maps handler validation and routing failures to Error envelopes.
// Fatal errors close the connection once the reply has been written.
type routeError struct {
	code  string
	msg   string
	fatal bool
}

func (e *routeError) Error() string {
	return e.msg
}

func badRequest(msg string) *routeError {
	return &routeError{code: protocol.CodeBadRequest, msg: msg}
}

func unavailable(msg string) *routeError {
	return &routeError{code: protocol.CodeUnavailable, msg: msg}
}
