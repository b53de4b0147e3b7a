package appserver

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// rpcClient is a persistent request/reply connection carrying one JSON
// value per frame, used for both the data store and the broker control
// channel. The mutex keeps request/reply pairs from interleaving when
// several loops share the connection; the deadline bounds every round-trip
// so a hung peer surfaces as an error instead of a stalled worker.
type rpcClient struct {
	mu      sync.Mutex
	conn    net.Conn
	enc     *json.Encoder
	dec     *json.Decoder
	timeout time.Duration
}

func dialRPC(addr string, timeout time.Duration) (*rpcClient, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &rpcClient{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		dec:     json.NewDecoder(conn),
		timeout: timeout,
	}, nil
}

// call sends req and decodes the peer's reply into reply.
func (c *rpcClient) call(req, reply interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	if err := c.enc.Encode(req); err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if err := c.dec.Decode(reply); err != nil {
		return fmt.Errorf("reply failed: %w", err)
	}
	return nil
}

func (c *rpcClient) close() error {
	return c.conn.Close()
}
