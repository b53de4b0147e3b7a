// Package client implements the end-user side of the network: a
// request/reply connection through the broker frontend plus a subscription
// to the user's own notification topic. The interactive menu lives in
// cmd/client; this package only exposes the operations it drives.
package client

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"redesocial/internal/bus"
	"redesocial/internal/config"
	"redesocial/internal/logging"
	"redesocial/internal/wire"
)

// postTimeLayout matches the ISO-8601 timestamps carried by posts.
const postTimeLayout = "2006-01-02T15:04:05.000000"

// User is a connected client. Fields are populated by SignUp; until then
// only request/reply traffic is possible.
type User struct {
	cfg *config.Config
	log zerolog.Logger

	Username string
	ID       int
	Topic    string

	// forcedDelay back-dates outgoing timestamps to simulate a skewed
	// clock; zero means honest timestamps.
	forcedDelay time.Duration

	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder

	sub *bus.Subscriber

	notifMu       sync.Mutex
	notifications []string

	closeLog func() error
}

// Dial opens the request connection to the broker frontend. The
// notification subscription is established later, once SignUp knows the
// user's topic.
func Dial(cfg *config.Config, log zerolog.Logger) (*User, error) {
	conn, err := net.Dial("tcp", cfg.Broker.FrontendAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker frontend at %s: %w", cfg.Broker.FrontendAddr, err)
	}
	return &User{
		cfg:      cfg,
		log:      log,
		conn:     conn,
		enc:      json.NewEncoder(conn),
		dec:      json.NewDecoder(conn),
		closeLog: func() error { return nil },
	}, nil
}

// call sends one request frame and decodes the reply. The client holds a
// single request connection, so its session is strictly FIFO. The deadline
// bounds the round-trip; a hung broker surfaces as an error instead of a
// frozen menu.
func (u *User) call(req, reply interface{}) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if err := u.conn.SetDeadline(time.Now().Add(u.cfg.Server.RequestTimeout())); err != nil {
		return err
	}
	if err := u.enc.Encode(req); err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if err := u.dec.Decode(reply); err != nil {
		return fmt.Errorf("reply failed: %w", err)
	}
	return nil
}

// SignUp attempts to register username. On wire.ErrUsernameTaken the
// caller should prompt for a different name and retry; on success the
// client subscribes to its topic and starts collecting notifications.
func (u *User) SignUp(username string) (int, error) {
	req := wire.AddUserRequest{Action: wire.ActionAddUser, Username: username}
	var reply wire.AddUserReply
	if err := u.call(req, &reply); err != nil {
		return wire.ErrRuntime, err
	}
	if reply.Ret != wire.Success {
		return reply.Ret, nil
	}

	u.Username = username
	u.ID = reply.ID
	u.Topic = reply.Topic

	logger, closeLog := logging.New("client", u.cfg.LogDir, username+".log", u.cfg.Debug)
	u.log = logger.With().Str("username", username).Int("user_id", reply.ID).Logger()
	u.closeLog = closeLog
	u.log.Info().Str("topic", reply.Topic).Msg("signed up")

	sub, err := bus.Dial(u.cfg.Broker.NotifyAddr)
	if err != nil {
		return wire.ErrRuntime, err
	}
	u.sub = sub
	go u.collectNotifications()

	return wire.Success, nil
}

// collectNotifications drains the bus into the local queue. Topics other
// than the user's own are filtered out here, subscriber-side.
func (u *User) collectNotifications() {
	for {
		topic, payload, err := u.sub.Receive()
		if err != nil {
			return
		}
		if topic != u.Topic {
			continue
		}
		u.notifMu.Lock()
		u.notifications = append(u.notifications, topic+" "+payload)
		u.notifMu.Unlock()
		u.log.Info().Str("notification", payload).Msg("notification received")
	}
}

// Notifications drains and returns all queued notifications, oldest first.
func (u *User) Notifications() []string {
	u.notifMu.Lock()
	defer u.notifMu.Unlock()
	out := u.notifications
	u.notifications = nil
	return out
}

// SetForcedDelay back-dates all outgoing timestamps by the given number of
// seconds, the knob used to exercise clock-skew scenarios.
func (u *User) SetForcedDelay(seconds int) {
	u.forcedDelay = time.Duration(seconds) * time.Second
	u.log.Info().Int("seconds", seconds).Msg("forced delay configured")
}

// ForcedDelaySeconds reports the configured delay.
func (u *User) ForcedDelaySeconds() int {
	return int(u.forcedDelay / time.Second)
}

// stampedNow returns the wall time minus the forced delay.
func (u *User) stampedNow() time.Time {
	return time.Now().Add(-u.forcedDelay)
}

// PostText publishes a timeline post.
func (u *User) PostText(text string) (wire.StatusReply, error) {
	req := wire.PostTextRequest{
		Action:   wire.ActionPostText,
		Username: u.Username,
		UserID:   u.ID,
		Text:     text,
		SentAt:   u.stampedNow().Format(postTimeLayout),
	}
	var reply wire.StatusReply
	if err := u.call(req, &reply); err != nil {
		return wire.StatusReply{}, err
	}
	u.log.Info().Str("texto", text).Int("ret", reply.Ret).Msg("post published")
	return reply, nil
}

// Follow asks to follow another user by name.
func (u *User) Follow(username string) (int, error) {
	req := wire.AddFollowerRequest{Action: wire.ActionAddFollower, ID: u.ID, ToFollow: username}
	var reply wire.RetReply
	if err := u.call(req, &reply); err != nil {
		return wire.ErrRuntime, err
	}
	if reply.Ret == wire.Success {
		u.log.Info().Str("followee", username).Msg("now following")
	}
	return reply.Ret, nil
}

// Timeline fetches the full post log in timeline order. The reply is the
// raw post array, not a ret envelope.
func (u *User) Timeline() ([]wire.Post, error) {
	req := wire.GetTimelineRequest{Action: wire.ActionGetTimeline}
	var posts []wire.Post
	if err := u.call(req, &posts); err != nil {
		return nil, err
	}
	u.log.Info().Int("posts", len(posts)).Msg("timeline fetched")
	return posts, nil
}

// SendPrivateMessage stores a private message addressed to recipient. The
// timestamp travels as integer seconds, back-dated by the forced delay.
func (u *User) SendPrivateMessage(recipient, text string) (int, error) {
	req := wire.AddPrivateMessageRequest{
		Action:    wire.ActionAddPrivateMessage,
		Sender:    u.Username,
		Recipient: recipient,
		Text:      text,
		Timestamp: fmt.Sprintf("%d", u.stampedNow().Unix()),
	}
	var reply wire.RetReply
	if err := u.call(req, &reply); err != nil {
		return wire.ErrRuntime, err
	}
	u.log.Info().Str("destinatario", recipient).Int("ret", reply.Ret).Msg("private message sent")
	return reply.Ret, nil
}

// Conversation fetches the private conversation with the given user, as
// stored from this user's perspective.
func (u *User) Conversation(recipient string) ([]wire.PrivateMessage, error) {
	req := wire.GetPrivateMessagesRequest{
		Action:    wire.ActionGetPrivateMessages,
		Sender:    u.Username,
		Recipient: recipient,
	}
	var reply wire.GetPrivateMessagesReply
	if err := u.call(req, &reply); err != nil {
		return nil, err
	}
	return reply.Messages, nil
}

// Close tears down both connections and the log file.
func (u *User) Close() error {
	if u.sub != nil {
		u.sub.Close()
	}
	err := u.conn.Close()
	u.closeLog()
	return err
}
