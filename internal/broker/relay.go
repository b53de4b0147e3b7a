package broker

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"redesocial/internal/wire"
)

// worker is one attached app server on the backend channel. The mutex
// serializes request/reply exchanges so concurrent client connections can
// share the worker without interleaving frames.
type worker struct {
	mu      sync.Mutex
	conn    net.Conn
	enc     *json.Encoder
	dec     *json.Decoder
	name    string
	timeout time.Duration
}

// exchange forwards one raw request frame and returns the worker's raw
// reply. Frames pass through unchanged; the relay never inspects payloads.
// The deadline bounds the whole round-trip so a hung worker surfaces as an
// error. The second result reports whether the frame was delivered: once
// it was, the worker may have executed the request even if the reply never
// arrived, so the caller must not resend.
func (w *worker) exchange(frame json.RawMessage) (json.RawMessage, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.conn.SetDeadline(time.Now().Add(w.timeout)); err != nil {
		return nil, false, err
	}
	if err := w.enc.Encode(frame); err != nil {
		return nil, false, fmt.Errorf("forward to %s: %w", w.name, err)
	}
	var reply json.RawMessage
	if err := w.dec.Decode(&reply); err != nil {
		return nil, true, fmt.Errorf("reply from %s: %w", w.name, err)
	}
	return reply, true, nil
}

// workerPool hands out attached workers round-robin.
type workerPool struct {
	mu      sync.Mutex
	workers []*worker
	next    int
	log     zerolog.Logger
	timeout time.Duration
}

func newWorkerPool(log zerolog.Logger, timeout time.Duration) *workerPool {
	return &workerPool{log: log, timeout: timeout}
}

func (p *workerPool) add(conn net.Conn) *worker {
	w := &worker{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		dec:     json.NewDecoder(conn),
		name:    conn.RemoteAddr().String(),
		timeout: p.timeout,
	}
	p.mu.Lock()
	p.workers = append(p.workers, w)
	n := len(p.workers)
	p.mu.Unlock()

	p.log.Info().Str("worker", w.name).Int("workers", n).Msg("app server attached to backend")
	return w
}

func (p *workerPool) remove(w *worker) {
	p.mu.Lock()
	for i, cur := range p.workers {
		if cur == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			break
		}
	}
	n := len(p.workers)
	p.mu.Unlock()

	w.conn.Close()
	p.log.Warn().Str("worker", w.name).Int("workers", n).Msg("app server detached from backend")
}

// pick returns the next worker round-robin, or nil when none is attached.
func (p *workerPool) pick() *worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.workers) == 0 {
		return nil
	}
	w := p.workers[p.next%len(p.workers)]
	p.next++
	return w
}

func (p *workerPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// handleClient relays frames for one frontend connection. Each client holds
// a single connection handled serially, so request/reply stays FIFO within
// a session. Relay failures are answered locally with ret -1 so a dying
// worker never strands the client.
func (s *Service) handleClient(conn net.Conn) {
	defer conn.Close()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	remote := conn.RemoteAddr().String()

	for {
		var frame json.RawMessage
		if err := dec.Decode(&frame); err != nil {
			return
		}

		reply := s.relay(frame)
		if err := enc.Encode(reply); err != nil {
			s.log.Error().Err(err).Str("client", remote).Msg("client reply encode error")
			return
		}
	}
}

// relay picks a worker and exchanges one frame. The retry is limited to
// frames that never reached a worker: once a frame was delivered, the
// worker may have executed the request, and resending it elsewhere would
// apply a non-idempotent operation twice.
func (s *Service) relay(frame json.RawMessage) interface{} {
	for attempt := 0; attempt < 2; attempt++ {
		w := s.pool.pick()
		if w == nil {
			s.metrics.forwardErrors.Inc()
			return wire.StatusReply{Ret: wire.ErrRuntime, Msg: "Erro: nenhum servidor disponível"}
		}

		reply, delivered, err := w.exchange(frame)
		if err != nil {
			s.log.Error().Err(err).Msg("relay exchange failed")
			s.pool.remove(w)
			if delivered {
				break
			}
			continue
		}
		s.metrics.requestsForwarded.Inc()
		return reply
	}
	s.metrics.forwardErrors.Inc()
	return wire.StatusReply{Ret: wire.ErrRuntime, Msg: "Erro: falha ao encaminhar requisição"}
}
