package main

import (
	"errors"

	"github.com/danmuck/mfpsync/internal/protocol/schema"
	"github.com/danmuck/mfpsync/internal/protocol/session"
	"github.com/danmuck/mfpsync/internal/protocol/tlv"
	"github.com/danmuck/mfpsync/internal/transport"
)

const (
	exitOK        = 0
	exitGeneric   = 1
	exitAuth      = 2
	exitFraming   = 3
	exitTransport = 4
	exitSchema    = 5
)

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var (
		authErr      *session.AuthError
		framingErr   *tlv.FramingError
		malformedErr *session.MalformedResponseError
		transportErr *transport.TransportError
		schemaErr    *schema.SchemaError
	)
	switch {
	case errors.As(err, &authErr):
		return exitAuth
	case errors.As(err, &framingErr), errors.As(err, &malformedErr):
		return exitFraming
	case errors.As(err, &transportErr):
		return exitTransport
	case errors.As(err, &schemaErr):
		return exitSchema
	default:
		return exitGeneric
	}
}
