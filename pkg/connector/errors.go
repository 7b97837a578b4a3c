package connector

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/gopcua/opcua/ua"
)

// Session-fatal status codes. Any of these means the secure channel or
// session is gone and the whole connection must be rebuilt.
var sessionStatusCodes = map[ua.StatusCode]bool{
	ua.StatusBadSessionClosed:       true,
	ua.StatusBadSessionIDInvalid:    true,
	ua.StatusBadSecureChannelClosed: true,
	ua.StatusBadServerNotConnected:  true,
	ua.StatusBadServerHalted:        true,
	ua.StatusBadConnectionClosed:    true,
	ua.StatusBadConnectionRejected:  true,
	ua.StatusBadNotConnected:        true,
}

// Binding-local status codes. The affected binding is reset and re-resolved
// on the next scan; the session stays up.
var bindingStatusCodes = map[ua.StatusCode]bool{
	ua.StatusBadNodeIDUnknown:           true,
	ua.StatusBadNodeIDInvalid:           true,
	ua.StatusBadInvalidState:            true,
	ua.StatusBadAttributeIDInvalid:      true,
	ua.StatusBadCommunicationError:      true,
	ua.StatusBadOutOfService:            true,
	ua.StatusBadNoMatch:                 true,
	ua.StatusBadUnexpectedError:         true,
	ua.StatusBadWaitingForInitialData:   true,
	ua.StatusBadMonitoredItemIDInvalid:  true,
	ua.StatusBadSubscriptionIDInvalid:   true,
	ua.StatusBadTooManyMonitoredItems:   true,
	ua.StatusBadNodeNotInView:           true,
	ua.StatusBadDataEncodingUnsupported: true,
}

// isSessionError reports whether err requires tearing down the session.
// Everything not listed here is treated as binding-local: a single bad node
// must never take the whole connection down.
func isSessionError(err error) bool {
	if err == nil {
		return false
	}

	var code ua.StatusCode
	if errors.As(err, &code) {
		return sessionStatusCodes[code]
	}

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// isBindingError reports whether err should invalidate just the one binding.
func isBindingError(err error) bool {
	return err != nil && !isSessionError(err)
}
