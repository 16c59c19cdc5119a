package imapx

import (
	"errors"
	"io"
	"net"
	"strings"
)

// IsRetryable reports whether err is a transient network or IMAP condition
// worth retrying after a sleep. Authentication and protocol errors are not
// retryable; the sync loop must surface those instead of spinning.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"i/o timeout",
		"connection closed",
		"use of closed network connection",
		"try again later",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
