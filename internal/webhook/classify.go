package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// StatusError is returned for a response outside the 2xx range.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d", e.Code)
}

var transientMarkers = []string{
	"timeout",
	"timed out",
	"network",
	"connection refused",
	"connection reset",
	"broken pipe",
	"econnrefused",
	"econnreset",
}

// Classify reports whether a failed attempt should be retried, plus a short
// label for logs and metrics. Timeouts and network-level failures are
// retryable; HTTP status errors and everything unrecognised are terminal.
func Classify(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return false, "http_status"
	}

	if errors.Is(err, context.Canceled) {
		return true, "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout || dnsErr.IsTemporary {
			return true, "dns_temporary"
		}
		return false, "dns_not_found"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true, "network_timeout"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true, "network_error"
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true, "connection_closed"
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true, "network_error"
		}
	}

	return false, "unknown_error"
}
