// Package bus implements the subscriber side of the notification channel.
// The broker writes one "<topic> <payload>" line per publication to every
// connected subscriber; filtering by topic prefix happens on the subscriber,
// mirroring a SUB socket with a subscription filter. Delivery is
// at-most-once: lines published before the subscriber connects, or after
// its connection breaks, are gone.
package bus

import (
	"bufio"
	"fmt"
	"net"
	"strings"
)

// Subscriber is a read-only connection to the broker's notification port.
type Subscriber struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

// Dial connects to the notification bus at addr.
func Dial(addr string) (*Subscriber, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to notification bus at %s: %w", addr, err)
	}
	return &Subscriber{conn: conn, scanner: bufio.NewScanner(conn)}, nil
}

// Receive blocks until the next publication arrives and returns its topic
// and payload. An error means the connection is gone; the caller decides
// whether to redial.
func (s *Subscriber) Receive() (topic, payload string, err error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return "", "", err
		}
		return "", "", fmt.Errorf("notification bus connection closed")
	}
	line := s.scanner.Text()
	topic, payload, _ = strings.Cut(line, " ")
	return topic, payload, nil
}

// Close tears down the bus connection.
func (s *Subscriber) Close() error {
	return s.conn.Close()
}
