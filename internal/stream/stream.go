// Package stream implements the newline-delimited JSON channel between this
// worker and the parent UI process, over stdin/stdout or a Unix socket.
package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"

	"github.com/tuksik/mailsync/internal/store"
)

// ErrChannelClosed is returned by WaitForPacket when the parent side of the
// channel is gone.
var ErrChannelClosed = errors.New("ui channel closed")

// Packet is one inbound message from the UI.
type Packet struct {
	Type string          `json:"type"`
	Task json.RawMessage `json:"task,omitempty"`
	IDs  []string        `json:"ids,omitempty"`
}

// Inbound packet types.
const (
	PacketTaskQueued = "task-queued"
	PacketNeedBodies = "need-bodies"
)

// Stream frames JSON packets over the UI channel. Writes are serialized so
// deltas from every worker interleave at line granularity.
type Stream struct {
	mu     sync.Mutex
	w      io.Writer
	r      *bufio.Reader
	closer io.Closer
}

// New wraps an existing reader/writer pair, typically stdin/stdout.
func New(r io.Reader, w io.Writer) *Stream {
	return &Stream{r: bufio.NewReader(r), w: w}
}

// Dial connects to the parent's Unix socket.
func Dial(socketPath string) (*Stream, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ui socket %s: %w", socketPath, err)
	}
	return &Stream{r: bufio.NewReader(conn), w: conn, closer: conn}, nil
}

// Stdio returns a stream over the process's stdin/stdout.
func Stdio() *Stream {
	return New(os.Stdin, os.Stdout)
}

// Close closes the underlying connection, if it owns one.
func (s *Stream) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// SendJSON writes one value as a single line.
func (s *Stream) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal packet: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}
	return nil
}

// EmitDelta satisfies store.DeltaSink. Delivery is best effort; a broken
// channel is the orphan watchdog's problem, not the committing transaction's.
func (s *Stream) EmitDelta(d store.Delta) {
	if err := s.SendJSON(d); err != nil {
		log.Printf("stream: failed to emit %s delta: %v", d.ObjectClass, err)
	}
}

// WaitForPacket blocks until a well-formed packet arrives. Malformed lines
// are dropped with an error reply and reading continues; a closed or broken
// channel returns ErrChannelClosed.
func (s *Stream) WaitForPacket() (Packet, error) {
	for {
		line, err := s.r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				return Packet{}, ErrChannelClosed
			}
			return Packet{}, fmt.Errorf("failed to read packet: %w", err)
		}

		var packet Packet
		if err := json.Unmarshal(line, &packet); err != nil {
			log.Printf("stream: dropping malformed packet: %v", err)
			_ = s.SendJSON(map[string]string{"error": "malformed packet: " + err.Error()})
			continue
		}
		return packet, nil
	}
}
