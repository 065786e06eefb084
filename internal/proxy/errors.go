package proxy

import (
	"errors"

	"github.com/marketcalls/openalgo-sub010/internal/auth"
	"github.com/marketcalls/openalgo-sub010/internal/broker"
	"github.com/marketcalls/openalgo-sub010/internal/connection"
	"github.com/marketcalls/openalgo-sub010/internal/instrument"
	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// Client-facing error codes.
const (
	CodeUnauthenticated   = "UNAUTHENTICATED"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeInvalidSymbol     = "INVALID_SYMBOL"
	CodeCapacityExceeded  = "CAPACITY_EXCEEDED"
	CodeBrokerUnavailable = "BROKER_UNAVAILABLE"
	CodeRateLimited       = "RATE_LIMITED"
)

var (
	errUnauthenticated = errors.New("session is not authenticated")
	errSessionLimit    = errors.New("session symbol limit reached")
	errRateLimited     = errors.New("too many requests")
	errInvalidRequest  = errors.New("invalid request")
)

// codeFor maps an internal error to the code sent to clients. Anything not
// attributable to the request itself is reported as BROKER_UNAVAILABLE.
func codeFor(err error) string {
	switch {
	case errors.Is(err, errUnauthenticated), errors.Is(err, auth.ErrAuth):
		return CodeUnauthenticated
	case errors.Is(err, errInvalidRequest), errors.Is(err, model.ErrInvalidMode),
		errors.Is(err, model.ErrInvalidStreamKey):
		return CodeInvalidRequest
	case errors.Is(err, instrument.ErrNotFound), errors.Is(err, broker.ErrUnsupportedSymbol):
		return CodeInvalidSymbol
	case errors.Is(err, errSessionLimit), errors.Is(err, connection.ErrCapacityExceeded),
		errors.Is(err, broker.ErrCapacity):
		return CodeCapacityExceeded
	case errors.Is(err, errRateLimited):
		return CodeRateLimited
	default:
		return CodeBrokerUnavailable
	}
}

// message returns the client-visible text for err. Internal details of
// unavailability errors are not exposed.
func message(err error) string {
	if codeFor(err) == CodeBrokerUnavailable && !errors.Is(err, connection.ErrBrokerUnavailable) {
		return "upstream unavailable"
	}
	return err.Error()
}
