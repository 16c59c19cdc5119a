package imapx

import (
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "deadline exceeded" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"closed network conn", net.ErrClosed, true},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, true},
		{"wrapped eof", fmt.Errorf("failed to fetch: %w", io.EOF), true},
		{"connection reset string", errors.New("read tcp: connection reset by peer"), true},
		{"auth failure", errors.New("NO [AUTHENTICATIONFAILED] Invalid credentials"), false},
		{"protocol error", errors.New("BAD unknown command"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

// Keep the net.Error contract honest for the fake above.
var _ net.Error = &net.OpError{Op: "read", Err: timeoutErr{}}
