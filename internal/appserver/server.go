package appserver

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"redesocial/internal/bus"
	"redesocial/internal/config"
	"redesocial/internal/logging"
	"redesocial/internal/wire"
)

// Server is one app server instance. It is stateless with respect to user
// data; it only holds its broker-assigned id, the cached list of active
// servers, and the local logical clock.
type Server struct {
	cfg *config.Config
	log zerolog.Logger

	id    int
	clock *Clock

	control *rpcClient
	store   *rpcClient
	backend net.Conn
	hb      net.Conn
	sub     *bus.Subscriber

	// serversMu only guards the diagnostic membership cache.
	serversMu     sync.Mutex
	activeServers []int

	closeLog func() error
}

func New(cfg *config.Config, bootstrapLog zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		log:      bootstrapLog,
		clock:    NewClock(),
		closeLog: func() error { return nil },
	}
}

// ID returns the broker-assigned server id, valid after Start registered.
func (s *Server) ID() int { return s.id }

// Start registers with the broker, connects every channel, launches the
// periodic loops, and serves the request loop until the context ends.
func (s *Server) Start(ctx context.Context) error {
	timeout := s.cfg.Server.RequestTimeout()

	control, err := dialRPC(s.cfg.Broker.ControlAddr, timeout)
	if err != nil {
		return err
	}
	s.control = control
	defer control.close()

	// Register first: every other loop needs the id.
	var idReply wire.GetServerIDReply
	req := wire.GetServerIDRequest{RID: wire.NewRID(), Action: wire.ActionGetServerID}
	if err := control.call(req, &idReply); err != nil {
		return fmt.Errorf("failed to register with broker: %w", err)
	}
	s.id = idReply.ServerID

	// With the id known, switch to the per-server log file.
	logger, closeLog := logging.New("appserver", s.cfg.LogDir,
		fmt.Sprintf("servidor_%d_log.txt", s.id), s.cfg.Debug)
	s.log = logger.With().Int("server_id", s.id).Logger()
	s.closeLog = closeLog
	defer s.closeLog()
	s.log.Info().Msg("registered with broker")

	var listReply wire.ListServersReply
	listReq := wire.ListServersRequest{RID: wire.NewRID(), Action: wire.ActionListServers}
	if err := control.call(listReq, &listReply); err != nil {
		s.log.Error().Err(err).Msg("initial server list failed")
	} else {
		s.setActiveServers(listReply.Servers)
	}

	store, err := dialRPC(s.cfg.DataStore.Addr, timeout)
	if err != nil {
		return err
	}
	s.store = store
	defer store.close()

	backend, err := net.Dial("tcp", s.cfg.Broker.BackendAddr)
	if err != nil {
		return fmt.Errorf("failed to attach to broker backend at %s: %w", s.cfg.Broker.BackendAddr, err)
	}
	s.backend = backend
	defer backend.Close()

	hb, err := net.Dial("tcp", s.cfg.Broker.HeartbeatAddr)
	if err != nil {
		return fmt.Errorf("failed to connect heartbeat channel at %s: %w", s.cfg.Broker.HeartbeatAddr, err)
	}
	s.hb = hb
	defer hb.Close()

	sub, err := bus.Dial(s.cfg.Broker.NotifyAddr)
	if err != nil {
		return err
	}
	s.sub = sub
	defer sub.Close()

	go s.heartbeatLoop(ctx)
	go s.membershipLoop(ctx)
	go s.electionLoop(ctx)
	go s.clockSyncLoop(ctx)
	go s.driftLoop(ctx)
	go s.clockReportLoop(ctx)

	go func() {
		<-ctx.Done()
		backend.Close()
		sub.Close()
	}()

	return s.requestLoop(ctx)
}

// requestLoop pulls one request frame at a time from the backend channel
// and answers it. A failed request never terminates the loop; only a dead
// backend connection does.
func (s *Server) requestLoop(ctx context.Context) error {
	dec := json.NewDecoder(s.backend)
	enc := json.NewEncoder(s.backend)

	for {
		var frame json.RawMessage
		if err := dec.Decode(&frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("backend channel lost: %w", err)
		}

		reply := s.handleFrame(frame)
		if err := enc.Encode(reply); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("backend reply failed: %w", err)
		}
	}
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Server.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		line := fmt.Sprintf("HEARTBEAT %d\n", s.id)
		if _, err := s.hb.Write([]byte(line)); err != nil {
			s.log.Error().Err(err).Msg("heartbeat send failed")
		} else {
			s.log.Debug().Msg("heartbeat sent")
		}
	}
}

func (s *Server) membershipLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Server.MembershipInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var reply wire.ListServersReply
		req := wire.ListServersRequest{RID: wire.NewRID(), Action: wire.ActionListServers}
		if err := s.control.call(req, &reply); err != nil {
			s.log.Error().Err(err).Msg("server list refresh failed")
			continue
		}
		s.setActiveServers(reply.Servers)
		s.log.Info().Ints("servers", reply.Servers).Msg("active servers refreshed")
	}
}

// electionLoop asks the broker who the leader is; when this server holds
// the highest live id it broadcasts the current wall time to the cluster.
func (s *Server) electionLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Server.ElectionInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var reply wire.WhoIsLeaderReply
		req := wire.WhoIsLeaderRequest{RID: wire.NewRID(), Action: wire.ActionWhoIsLeader}
		if err := s.control.call(req, &reply); err != nil {
			s.log.Error().Err(err).Msg("leader probe failed")
			continue
		}
		if reply.LeaderID == nil {
			s.log.Warn().Msg("leader probe: registry empty")
			continue
		}
		s.log.Info().Int("leader_id", *reply.LeaderID).Msg("leader probe")

		if *reply.LeaderID != s.id {
			continue
		}

		now := WallSeconds()
		syncReq := wire.SyncClockRequest{RID: wire.NewRID(), Action: wire.ActionSyncClock, Timestamp: now}
		var syncReply wire.SyncClockReply
		if err := s.control.call(syncReq, &syncReply); err != nil {
			s.log.Error().Err(err).Msg("clock sync broadcast failed")
			continue
		}
		s.log.Info().Float64("timestamp", now).Msg("leader broadcast clock sync")
	}
}

// clockSyncLoop adopts every clock_sync broadcast, including this server's
// own: setting the same value twice is harmless.
func (s *Server) clockSyncLoop(ctx context.Context) {
	for {
		topic, payload, err := s.sub.Receive()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error().Err(err).Msg("clock sync subscription lost")
			}
			return
		}
		if topic != wire.ClockSyncTopic {
			continue
		}
		ts, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			s.log.Error().Err(err).Str("payload", payload).Msg("bad clock sync payload")
			continue
		}
		old := s.clock.Now()
		s.clock.Set(ts)
		s.log.Info().Float64("from", old).Float64("to", ts).Msg("local clock synchronized")
	}
}

func (s *Server) driftLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Server.DriftInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		delta := rand.Float64()*2 - 1 // uniform in [-1, +1) seconds
		val := s.clock.Drift(delta)
		s.log.Debug().Float64("drift", delta).Float64("clock", val).Msg("drift applied to local clock")
	}
}

func (s *Server) clockReportLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Server.ClockReportInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.log.Info().Float64("clock", s.clock.Now()).Msg("local clock")
	}
}

func (s *Server) setActiveServers(ids []int) {
	s.serversMu.Lock()
	s.activeServers = ids
	s.serversMu.Unlock()
}

// ActiveServers returns the last membership snapshot, for diagnostics.
func (s *Server) ActiveServers() []int {
	s.serversMu.Lock()
	defer s.serversMu.Unlock()
	out := make([]int, len(s.activeServers))
	copy(out, s.activeServers)
	return out
}

// ClockNow exposes the local clock value, mainly for tests and reporting.
func (s *Server) ClockNow() float64 {
	return s.clock.Now()
}
