package reporter

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"
)

// UDPSender writes payloads as datagrams to a udp://host:port target.
// The socket is dialed on first use and redialed after a write error or a
// target change.
type UDPSender struct {
	// DatagramSize splits each payload into datagrams of this many bytes.
	// Zero sends the payload as a single datagram.
	DatagramSize int

	mu          sync.Mutex
	conn        net.Conn
	target      string
	initialized bool
}

// NewUDPSender creates an unconnected sender
func NewUDPSender(datagramSize int) *UDPSender {
	return &UDPSender{DatagramSize: datagramSize}
}

// Send implements Sender
func (s *UDPSender) Send(ctx context.Context, uri string, payload []byte) (time.Duration, error) {
	host, err := udpHost(uri)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized && s.target != host {
		s.resetLocked()
	}
	if !s.initialized {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "udp", host)
		if err != nil {
			return 0, fmt.Errorf("failed to dial %s: %w", host, err)
		}
		s.conn = conn
		s.target = host
		s.initialized = true
	}

	for _, datagram := range s.split(payload) {
		if _, err := s.conn.Write(datagram); err != nil {
			s.resetLocked()
			return 0, fmt.Errorf("failed to write datagram: %w", err)
		}
	}
	return 0, nil
}

func (s *UDPSender) split(payload []byte) [][]byte {
	if s.DatagramSize <= 0 || len(payload) <= s.DatagramSize {
		return [][]byte{payload}
	}
	var out [][]byte
	for len(payload) > 0 {
		n := min(s.DatagramSize, len(payload))
		out = append(out, payload[:n])
		payload = payload[n:]
	}
	return out
}

// Close implements Sender
func (s *UDPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetLocked()
}

func (s *UDPSender) resetLocked() error {
	s.initialized = false
	s.target = ""
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func udpHost(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid uri %q: %w", uri, err)
	}
	if u.Scheme != "udp" || u.Host == "" {
		return "", fmt.Errorf("invalid udp uri %q", uri)
	}
	return u.Host, nil
}
