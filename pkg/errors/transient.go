package errors

import (
	"context"
	"errors"
	"net"
	"strings"
)

// TransientErrorPatterns contains patterns that indicate transient errors worth retrying.
// These cover Docker daemon connectivity, registry hiccups and proxy admin timeouts.
var TransientErrorPatterns = []string{
	// Docker / registry
	"Cannot connect to the Docker daemon",
	"connection refused",
	"connection reset by peer",
	"TLS handshake timeout",
	"toomanyrequests",
	"502 Bad Gateway",
	"503 Service Unavailable",
	// network
	"connection timed out",
	"i/o timeout",
	"no such host",
	"network is unreachable",
	"EOF",
}

// IsTransient reports whether err looks like a temporary failure of the Docker
// daemon, the registry or the proxy admin API. The matched pattern is returned
// for logging.
func IsTransient(err error) (bool, string) {
	if err == nil {
		return false, ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "context deadline exceeded"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true, "timeout"
	}
	// Configuration and data errors never heal on their own.
	switch KindOf(err) {
	case KindConfiguration, KindNotFound, KindSerialization, KindInvalidRequest:
		return false, ""
	}
	msg := err.Error()
	for _, pattern := range TransientErrorPatterns {
		if strings.Contains(msg, pattern) {
			return true, pattern
		}
	}
	return false, ""
}
