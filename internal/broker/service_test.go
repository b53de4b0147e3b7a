package broker

import (
	"context"
	"encoding/json"
	"net"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"redesocial/internal/bus"
	"redesocial/internal/config"
	"redesocial/internal/wire"
)

func startBroker(t *testing.T, heartbeatTimeoutSeconds, requestTimeoutSeconds int) *Service {
	t.Helper()

	cfg := config.BrokerConfig{
		FrontendAddr:            "127.0.0.1:0",
		BackendAddr:             "127.0.0.1:0",
		ControlAddr:             "127.0.0.1:0",
		NotifyAddr:              "127.0.0.1:0",
		HeartbeatAddr:           "127.0.0.1:0",
		MetricsAddr:             "127.0.0.1:0",
		HeartbeatTimeoutSeconds: heartbeatTimeoutSeconds,
		SweepIntervalSeconds:    1,
		RequestTimeoutSeconds:   requestTimeoutSeconds,
	}

	svc := NewService(cfg, zerolog.Nop())
	if err := svc.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Start(ctx)
	return svc
}

type controlConn struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

func dialControl(t *testing.T, svc *Service) *controlConn {
	t.Helper()

	conn, err := net.Dial("tcp", svc.ControlAddr())
	if err != nil {
		t.Fatalf("control dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &controlConn{conn: conn, enc: json.NewEncoder(conn), dec: json.NewDecoder(conn)}
}

func (c *controlConn) roundTrip(t *testing.T, req interface{}, reply interface{}) {
	t.Helper()

	if err := c.enc.Encode(req); err != nil {
		t.Fatalf("control request failed: %v", err)
	}
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := c.dec.Decode(reply); err != nil {
		t.Fatalf("control reply failed: %v", err)
	}
}

func TestControlRegistrationAndLeader(t *testing.T) {
	svc := startBroker(t, 60, 30)
	ctl := dialControl(t, svc)

	var idReply wire.GetServerIDReply
	ctl.roundTrip(t, wire.GetServerIDRequest{RID: wire.NewRID(), Action: wire.ActionGetServerID}, &idReply)
	if idReply.ServerID != 1 {
		t.Errorf("first server id: %d", idReply.ServerID)
	}
	ctl.roundTrip(t, wire.GetServerIDRequest{RID: wire.NewRID(), Action: wire.ActionGetServerID}, &idReply)
	if idReply.ServerID != 2 {
		t.Errorf("second server id: %d", idReply.ServerID)
	}

	var listReply wire.ListServersReply
	ctl.roundTrip(t, wire.ListServersRequest{RID: wire.NewRID(), Action: wire.ActionListServers}, &listReply)
	if !reflect.DeepEqual(listReply.Servers, []int{1, 2}) {
		t.Errorf("servers: %v", listReply.Servers)
	}

	var leaderReply wire.WhoIsLeaderReply
	ctl.roundTrip(t, wire.WhoIsLeaderRequest{RID: wire.NewRID(), Action: wire.ActionWhoIsLeader}, &leaderReply)
	if leaderReply.LeaderID == nil || *leaderReply.LeaderID != 2 {
		t.Errorf("leader: %v", leaderReply.LeaderID)
	}
}

func TestControlLeaderNullWhenEmpty(t *testing.T) {
	svc := startBroker(t, 60, 30)
	ctl := dialControl(t, svc)

	var leaderReply wire.WhoIsLeaderReply
	ctl.roundTrip(t, wire.WhoIsLeaderRequest{RID: wire.NewRID(), Action: wire.ActionWhoIsLeader}, &leaderReply)
	if leaderReply.LeaderID != nil {
		t.Errorf("leader: %v", *leaderReply.LeaderID)
	}
}

func TestControlUnknownAction(t *testing.T) {
	svc := startBroker(t, 60, 30)
	ctl := dialControl(t, svc)

	var errReply wire.ControlErrorReply
	ctl.roundTrip(t, map[string]string{"rid": wire.NewRID(), "action": "promote_self"}, &errReply)
	if errReply.Error != "Ação desconhecida" {
		t.Errorf("error reply: %q", errReply.Error)
	}
}

func TestHeartbeatSuppressionEvictsServer(t *testing.T) {
	if testing.Short() {
		t.Skip("eviction test needs multi-second sweep cycles")
	}

	svc := startBroker(t, 1, 30)
	ctl := dialControl(t, svc)

	var idReply wire.GetServerIDReply
	ctl.roundTrip(t, wire.GetServerIDRequest{RID: wire.NewRID(), Action: wire.ActionGetServerID}, &idReply)
	ctl.roundTrip(t, wire.GetServerIDRequest{RID: wire.NewRID(), Action: wire.ActionGetServerID}, &idReply)

	// Server 1 keeps pinging, server 2 stays silent.
	hbConn, err := net.Dial("tcp", svc.HeartbeatAddr())
	if err != nil {
		t.Fatalf("heartbeat dial failed: %v", err)
	}
	defer hbConn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(300 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				hbConn.Write([]byte("HEARTBEAT 1\n"))
			}
		}
	}()

	time.Sleep(3 * time.Second)

	var listReply wire.ListServersReply
	ctl.roundTrip(t, wire.ListServersRequest{RID: wire.NewRID(), Action: wire.ActionListServers}, &listReply)
	if !reflect.DeepEqual(listReply.Servers, []int{1}) {
		t.Errorf("servers after sweep: %v", listReply.Servers)
	}

	var leaderReply wire.WhoIsLeaderReply
	ctl.roundTrip(t, wire.WhoIsLeaderRequest{RID: wire.NewRID(), Action: wire.ActionWhoIsLeader}, &leaderReply)
	if leaderReply.LeaderID == nil || *leaderReply.LeaderID != 1 {
		t.Errorf("leader after eviction: %v", leaderReply.LeaderID)
	}
}

// receiveWithTimeout wraps Subscriber.Receive so a lost publication fails
// the test instead of hanging it.
func receiveWithTimeout(t *testing.T, sub *bus.Subscriber) (string, string) {
	t.Helper()

	type result struct {
		topic, payload string
		err            error
	}
	ch := make(chan result, 1)
	go func() {
		topic, payload, err := sub.Receive()
		ch <- result{topic, payload, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("bus receive failed: %v", r.err)
		}
		return r.topic, r.payload
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for bus publication")
		return "", ""
	}
}

func TestSyncClockBroadcast(t *testing.T) {
	svc := startBroker(t, 60, 30)
	ctl := dialControl(t, svc)

	sub, err := bus.Dial(svc.NotifyAddr())
	if err != nil {
		t.Fatalf("bus dial failed: %v", err)
	}
	defer sub.Close()
	time.Sleep(200 * time.Millisecond) // let the broker register the subscriber

	var reply wire.SyncClockReply
	ctl.roundTrip(t, wire.SyncClockRequest{RID: wire.NewRID(), Action: wire.ActionSyncClock, Timestamp: 1234.5}, &reply)
	if reply.Status != "clock_sync_broadcasted" {
		t.Errorf("status: %q", reply.Status)
	}
	if reply.Timestamp != 1234.5 {
		t.Errorf("timestamp: %v", reply.Timestamp)
	}

	topic, payload := receiveWithTimeout(t, sub)
	if topic != wire.ClockSyncTopic {
		t.Errorf("topic: %q", topic)
	}
	if payload != "1234.5" {
		t.Errorf("payload: %q", payload)
	}
}

func TestNotifyUsersPublishesAndDefaultsMessage(t *testing.T) {
	svc := startBroker(t, 60, 30)
	ctl := dialControl(t, svc)

	sub, err := bus.Dial(svc.NotifyAddr())
	if err != nil {
		t.Fatalf("bus dial failed: %v", err)
	}
	defer sub.Close()
	time.Sleep(200 * time.Millisecond)

	var reply wire.NotifyUsersReply
	ctl.roundTrip(t, wire.NotifyUsersRequest{
		RID:           wire.NewRID(),
		Action:        wire.ActionNotifyUsers,
		PostOwner:     "alice",
		UsersToNotify: map[int]string{3: wire.UserTopic(3)},
	}, &reply)

	if reply.Status != "ok" {
		t.Errorf("status: %q", reply.Status)
	}
	if !reflect.DeepEqual(reply.NotifiedUsers, []int{3}) {
		t.Errorf("notified: %v", reply.NotifiedUsers)
	}

	topic, payload := receiveWithTimeout(t, sub)
	if topic != "notificacao_user_3" {
		t.Errorf("topic: %q", topic)
	}
	if payload != "Novo post de alice disponível!" {
		t.Errorf("payload: %q", payload)
	}
}

// attachEchoWorker connects a fake app server to the backend channel that
// answers every frame with a fixed message, so relay order is observable.
func attachEchoWorker(t *testing.T, svc *Service, tag string) {
	t.Helper()

	conn, err := net.Dial("tcp", svc.BackendAddr())
	if err != nil {
		t.Fatalf("backend dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		dec := json.NewDecoder(conn)
		enc := json.NewEncoder(conn)
		for {
			var frame json.RawMessage
			if err := dec.Decode(&frame); err != nil {
				return
			}
			if err := enc.Encode(wire.StatusReply{Ret: wire.Success, Msg: tag}); err != nil {
				return
			}
		}
	}()
}

func waitForWorkers(t *testing.T, svc *Service, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for svc.pool.size() < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d workers attached", svc.pool.size(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRelayRoundRobin(t *testing.T) {
	svc := startBroker(t, 60, 30)

	attachEchoWorker(t, svc, "worker-a")
	attachEchoWorker(t, svc, "worker-b")
	waitForWorkers(t, svc, 2)

	client, err := net.Dial("tcp", svc.FrontendAddr())
	if err != nil {
		t.Fatalf("frontend dial failed: %v", err)
	}
	defer client.Close()
	enc := json.NewEncoder(client)
	dec := json.NewDecoder(client)

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		if err := enc.Encode(map[string]string{"action": "get_timeline"}); err != nil {
			t.Fatalf("request failed: %v", err)
		}
		var reply wire.StatusReply
		client.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := dec.Decode(&reply); err != nil {
			t.Fatalf("reply failed: %v", err)
		}
		seen[reply.Msg]++
	}

	if seen["worker-a"] != 2 || seen["worker-b"] != 2 {
		t.Errorf("round-robin distribution: %v", seen)
	}
}

// TestRelayDeliveredFrameIsNotResent covers the duplicate-execution
// hazard: a worker that received the frame but died before replying may
// already have executed it, so the relay must answer ret -1 instead of
// resending to another worker.
func TestRelayDeliveredFrameIsNotResent(t *testing.T) {
	if testing.Short() {
		t.Skip("needs a full relay timeout to elapse")
	}

	svc := startBroker(t, 60, 1)

	// First worker swallows the frame without ever replying.
	var silentSeen, echoSeen atomic.Int32
	silent, err := net.Dial("tcp", svc.BackendAddr())
	if err != nil {
		t.Fatalf("backend dial failed: %v", err)
	}
	t.Cleanup(func() { silent.Close() })
	go func() {
		dec := json.NewDecoder(silent)
		for {
			var frame json.RawMessage
			if err := dec.Decode(&frame); err != nil {
				return
			}
			silentSeen.Add(1)
		}
	}()
	waitForWorkers(t, svc, 1)

	// Second worker is healthy; round-robin would offer it the resend.
	echo, err := net.Dial("tcp", svc.BackendAddr())
	if err != nil {
		t.Fatalf("backend dial failed: %v", err)
	}
	t.Cleanup(func() { echo.Close() })
	go func() {
		dec := json.NewDecoder(echo)
		enc := json.NewEncoder(echo)
		for {
			var frame json.RawMessage
			if err := dec.Decode(&frame); err != nil {
				return
			}
			echoSeen.Add(1)
			if err := enc.Encode(wire.StatusReply{Ret: wire.Success, Msg: "echo"}); err != nil {
				return
			}
		}
	}()
	waitForWorkers(t, svc, 2)

	client, err := net.Dial("tcp", svc.FrontendAddr())
	if err != nil {
		t.Fatalf("frontend dial failed: %v", err)
	}
	defer client.Close()

	enc := json.NewEncoder(client)
	dec := json.NewDecoder(client)
	if err := enc.Encode(map[string]string{"action": "post_text"}); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	var reply wire.StatusReply
	client.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := dec.Decode(&reply); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	if reply.Ret != wire.ErrRuntime {
		t.Errorf("ret: %d", reply.Ret)
	}
	if reply.Msg != "Erro: falha ao encaminhar requisição" {
		t.Errorf("msg: %q", reply.Msg)
	}

	if got := silentSeen.Load(); got != 1 {
		t.Errorf("silent worker received %d frames", got)
	}
	if got := echoSeen.Load(); got != 0 {
		t.Errorf("frame was resent to the healthy worker %d times", got)
	}
}

func TestRelayWithoutWorkers(t *testing.T) {
	svc := startBroker(t, 60, 30)

	client, err := net.Dial("tcp", svc.FrontendAddr())
	if err != nil {
		t.Fatalf("frontend dial failed: %v", err)
	}
	defer client.Close()

	enc := json.NewEncoder(client)
	dec := json.NewDecoder(client)
	if err := enc.Encode(map[string]string{"action": "get_timeline"}); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	var reply wire.StatusReply
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := dec.Decode(&reply); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	if reply.Ret != wire.ErrRuntime {
		t.Errorf("ret: %d", reply.Ret)
	}
	if reply.Msg != "Erro: nenhum servidor disponível" {
		t.Errorf("msg: %q", reply.Msg)
	}
}
