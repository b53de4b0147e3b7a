package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"redesocial/internal/config"
	"redesocial/internal/wire"
)

// Service is the broker process: frontend and backend relay channels, the
// control channel, the notification bus, heartbeat ingress, and the
// Prometheus scrape endpoint.
type Service struct {
	cfg     config.BrokerConfig
	log     zerolog.Logger
	cluster *ClusterState
	pool    *workerPool
	pub     *publisher
	metrics *metrics
	promReg *prometheus.Registry

	// heartbeats are pushed here by ingress connections and drained
	// non-blockingly by the liveness sweep.
	heartbeats chan int

	frontendLn  net.Listener
	backendLn   net.Listener
	controlLn   net.Listener
	notifyLn    net.Listener
	heartbeatLn net.Listener
	metricsLn   net.Listener
}

func NewService(cfg config.BrokerConfig, log zerolog.Logger) *Service {
	promReg := prometheus.NewRegistry()
	return &Service{
		cfg:        cfg,
		log:        log,
		cluster:    NewClusterState(),
		pool:       newWorkerPool(log, cfg.RequestTimeout()),
		pub:        newPublisher(log),
		metrics:    newMetrics(promReg),
		promReg:    promReg,
		heartbeats: make(chan int, 1024),
	}
}

// Bound listen addresses, available after Listen. Useful when configured
// ports are ":0".
func (s *Service) FrontendAddr() string  { return s.frontendLn.Addr().String() }
func (s *Service) BackendAddr() string   { return s.backendLn.Addr().String() }
func (s *Service) ControlAddr() string   { return s.controlLn.Addr().String() }
func (s *Service) NotifyAddr() string    { return s.notifyLn.Addr().String() }
func (s *Service) HeartbeatAddr() string { return s.heartbeatLn.Addr().String() }
func (s *Service) MetricsAddr() string   { return s.metricsLn.Addr().String() }

// Listen binds all broker sockets without serving yet.
func (s *Service) Listen() error {
	bind := func(name, addr string, ln *net.Listener) error {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s (%s): %w", addr, name, err)
		}
		*ln = l
		return nil
	}

	if err := bind("frontend", s.cfg.FrontendAddr, &s.frontendLn); err != nil {
		return err
	}
	if err := bind("backend", s.cfg.BackendAddr, &s.backendLn); err != nil {
		return err
	}
	if err := bind("control", s.cfg.ControlAddr, &s.controlLn); err != nil {
		return err
	}
	if err := bind("notify", s.cfg.NotifyAddr, &s.notifyLn); err != nil {
		return err
	}
	if err := bind("heartbeat", s.cfg.HeartbeatAddr, &s.heartbeatLn); err != nil {
		return err
	}
	return bind("metrics", s.cfg.MetricsAddr, &s.metricsLn)
}

// Start runs every broker loop until the context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if s.frontendLn == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.log.Info().
		Str("frontend", s.FrontendAddr()).
		Str("backend", s.BackendAddr()).
		Str("control", s.ControlAddr()).
		Str("notify", s.NotifyAddr()).
		Str("heartbeat", s.HeartbeatAddr()).
		Str("metrics", s.MetricsAddr()).
		Msg("broker listening")

	go s.acceptLoop(ctx, s.frontendLn, func(conn net.Conn) { s.handleClient(conn) })
	go s.acceptLoop(ctx, s.backendLn, func(conn net.Conn) { s.pool.add(conn) })
	go s.acceptLoop(ctx, s.controlLn, func(conn net.Conn) { s.handleControlConn(conn) })
	go s.acceptLoop(ctx, s.notifyLn, func(conn net.Conn) { s.pub.add(conn) })
	go s.acceptLoop(ctx, s.heartbeatLn, func(conn net.Conn) { s.handleHeartbeatConn(conn) })
	go s.sweepLoop(ctx)

	metricsSrv := &http.Server{Handler: metricsHandler(s.promReg)}
	go func() {
		if err := metricsSrv.Serve(s.metricsLn); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("metrics server error")
		}
	}()

	<-ctx.Done()
	s.log.Info().Msg("broker shutting down")

	metricsSrv.Close()
	s.frontendLn.Close()
	s.backendLn.Close()
	s.controlLn.Close()
	s.notifyLn.Close()
	s.heartbeatLn.Close()
	s.pub.closeAll()
	return nil
}

func (s *Service) acceptLoop(ctx context.Context, ln net.Listener, handle func(net.Conn)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error().Err(err).Msg("broker accept error")
			continue
		}
		go handle(conn)
	}
}

// handleHeartbeatConn reads "HEARTBEAT <id>" lines and pushes the ids into
// the heartbeat channel. When the channel is full the ping is dropped; the
// next ping arrives within seconds anyway.
func (s *Service) handleHeartbeatConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 || fields[0] != "HEARTBEAT" {
			s.log.Warn().Str("line", scanner.Text()).Msg("malformed heartbeat line")
			continue
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			s.log.Warn().Str("line", scanner.Text()).Msg("malformed heartbeat id")
			continue
		}
		select {
		case s.heartbeats <- id:
		default:
		}
	}
}

// sweepLoop is the liveness sweep: drain pending heartbeats without
// blocking, then evict every server whose last heartbeat is older than the
// timeout.
func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		draining := true
		for draining {
			select {
			case id := <-s.heartbeats:
				s.cluster.Touch(id, time.Now())
				s.metrics.heartbeatsReceived.Inc()
				s.log.Debug().Int("server_id", id).Msg("heartbeat received")
			default:
				draining = false
			}
		}

		evicted := s.cluster.Evict(time.Now(), s.cfg.HeartbeatTimeout())
		for _, id := range evicted {
			s.metrics.serversEvicted.Inc()
			s.log.Warn().Int("server_id", id).Msg("server offline, removed from registry")
		}
		s.metrics.serversActive.Set(float64(len(s.cluster.Servers())))
	}
}

// handleControlConn serves registration, election, clock sync, and
// notification requests for one app server connection.
func (s *Service) handleControlConn(conn net.Conn) {
	defer conn.Close()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var frame json.RawMessage
		if err := dec.Decode(&frame); err != nil {
			return
		}

		reply := s.handleControl(frame)
		if err := enc.Encode(reply); err != nil {
			s.log.Error().Err(err).Msg("control reply encode error")
			return
		}
	}
}

func (s *Service) handleControl(frame json.RawMessage) interface{} {
	var head struct {
		RID    string `json:"rid"`
		Action string `json:"action"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		s.log.Error().Err(err).Msg("malformed control request")
		return wire.ControlErrorReply{Error: "Ação desconhecida"}
	}
	s.metrics.controlRequests.WithLabelValues(head.Action).Inc()

	switch head.Action {
	case wire.ActionGetServerID:
		id := s.cluster.Register(time.Now())
		s.metrics.serversActive.Set(float64(len(s.cluster.Servers())))
		s.log.Info().Str("rid", head.RID).Int("server_id", id).Msg("server registered")
		return wire.GetServerIDReply{RID: head.RID, ServerID: id}

	case wire.ActionListServers:
		servers := s.cluster.Servers()
		s.log.Debug().Str("rid", head.RID).Ints("servers", servers).Msg("server list requested")
		return wire.ListServersReply{RID: head.RID, Servers: servers}

	case wire.ActionWhoIsLeader:
		reply := wire.WhoIsLeaderReply{RID: head.RID}
		if leader, ok := s.cluster.Leader(); ok {
			reply.LeaderID = &leader
			s.log.Debug().Str("rid", head.RID).Int("leader_id", leader).Msg("leader requested")
		} else {
			s.log.Debug().Str("rid", head.RID).Msg("leader requested, registry empty")
		}
		return reply

	case wire.ActionSyncClock:
		var req wire.SyncClockRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			return wire.ControlErrorReply{RID: head.RID, Error: "Ação desconhecida"}
		}
		// No leader check here: any caller is trusted, only the elected
		// leader is expected to broadcast. Duplicate broadcasts are
		// idempotent in effect.
		payload := strconv.FormatFloat(req.Timestamp, 'f', -1, 64)
		s.pub.publish(wire.ClockSyncTopic, payload)
		s.metrics.notificationsPublished.Inc()
		s.log.Info().Str("rid", head.RID).Float64("timestamp", req.Timestamp).Msg("clock sync broadcast")
		return wire.SyncClockReply{RID: head.RID, Status: "clock_sync_broadcasted", Timestamp: req.Timestamp}

	case wire.ActionNotifyUsers:
		var req wire.NotifyUsersRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			return wire.ControlErrorReply{RID: head.RID, Error: "Ação desconhecida"}
		}
		msg := req.Msg
		if msg == "" {
			msg = fmt.Sprintf("Novo post de %s disponível!", req.PostOwner)
		}
		notified := make([]int, 0, len(req.UsersToNotify))
		for userID, topic := range req.UsersToNotify {
			s.pub.publish(topic, msg)
			s.metrics.notificationsPublished.Inc()
			s.log.Info().Str("topic", topic).Str("msg", msg).Msg("notification published")
			notified = append(notified, userID)
		}
		return wire.NotifyUsersReply{RID: head.RID, Status: "ok", NotifiedUsers: notified}

	default:
		s.log.Warn().Str("action", head.Action).Msg("unknown control action")
		return wire.ControlErrorReply{RID: head.RID, Error: "Ação desconhecida"}
	}
}
