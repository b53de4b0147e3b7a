package broker

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// publisher is the write side of the notification bus. Every publication
// goes to every connected subscriber as one "<topic> <payload>" line;
// subscribers filter by topic prefix themselves. Delivery is best-effort:
// a subscriber that is not connected, or whose write fails, simply misses
// the line.
type publisher struct {
	mu   sync.Mutex
	subs map[net.Conn]struct{}
	log  zerolog.Logger
}

func newPublisher(log zerolog.Logger) *publisher {
	return &publisher{subs: make(map[net.Conn]struct{}), log: log}
}

// add registers a subscriber connection and watches it for closure. The
// bus is one-way; anything the subscriber writes is discarded.
func (p *publisher) add(conn net.Conn) {
	p.mu.Lock()
	p.subs[conn] = struct{}{}
	n := len(p.subs)
	p.mu.Unlock()

	p.log.Info().Str("remote", conn.RemoteAddr().String()).Int("subscribers", n).Msg("bus subscriber attached")

	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				p.remove(conn)
				return
			}
		}
	}()
}

func (p *publisher) remove(conn net.Conn) {
	p.mu.Lock()
	_, present := p.subs[conn]
	delete(p.subs, conn)
	p.mu.Unlock()

	if present {
		conn.Close()
		p.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("bus subscriber detached")
	}
}

// publish writes the topic-prefixed line to all current subscribers and
// returns how many received it. Failed writers are dropped.
func (p *publisher) publish(topic, payload string) int {
	line := fmt.Sprintf("%s %s\n", topic, payload)

	p.mu.Lock()
	conns := make([]net.Conn, 0, len(p.subs))
	for conn := range p.subs {
		conns = append(conns, conn)
	}
	p.mu.Unlock()

	delivered := 0
	for _, conn := range conns {
		if _, err := conn.Write([]byte(line)); err != nil {
			p.remove(conn)
			continue
		}
		delivered++
	}
	return delivered
}

// closeAll tears down every subscriber connection.
func (p *publisher) closeAll() {
	p.mu.Lock()
	conns := make([]net.Conn, 0, len(p.subs))
	for conn := range p.subs {
		conns = append(conns, conn)
	}
	p.subs = make(map[net.Conn]struct{})
	p.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
