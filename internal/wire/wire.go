// Package wire defines the message schemas shared by every process in the
// cluster: client requests forwarded through the broker, data store
// operations, broker control commands, and the records that travel inside
// them. All request/reply channels carry one UTF-8 JSON value per frame;
// the notification bus carries plain "<topic> <payload>" strings.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Return codes carried in the "ret" field of replies.
const (
	Success             = 0
	ErrRuntime          = -1
	ErrUsernameTaken    = -2
	ErrInvalidParameter = -3
	ErrUserNotFound     = -4
	ErrUnknownAction    = -99
)

// Actions accepted on the frontend/backend and data store channels.
const (
	ActionAddUser            = "add_user"
	ActionGetUserID          = "get_user_id"
	ActionAddPost            = "add_post"
	ActionGetPosts           = "get_posts"
	ActionGetUserTopic       = "get_user_topic"
	ActionAddFollower        = "add_follower"
	ActionGetFollowers       = "get_followers"
	ActionAddPrivateMessage  = "add_private_message"
	ActionGetPrivateMessages = "get_private_messages"
	ActionPostText           = "post_text"
	ActionGetTimeline        = "get_timeline"
)

// Actions accepted on the broker control channel.
const (
	ActionGetServerID = "get_server_id"
	ActionListServers = "list_servers"
	ActionWhoIsLeader = "who_is_leader"
	ActionSyncClock   = "sync_clock"
	ActionNotifyUsers = "notify_users"
)

// ClockSyncTopic is the notification bus topic for leader clock broadcasts.
// Per-user topics are derived with UserTopic.
const ClockSyncTopic = "clock_sync"

// UserTopic derives the notification topic assigned to a user id.
func UserTopic(id int) string {
	return fmt.Sprintf("notificacao_user_%d", id)
}

// Action extracts the "action" field from a raw request frame without
// committing to a payload type. The typed payload is unmarshaled afterwards
// by the handler selected for the action.
func Action(frame []byte) (string, error) {
	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return "", fmt.Errorf("malformed request frame: %w", err)
	}
	return head.Action, nil
}

// Post is a timeline entry. SentAt is an ISO-8601 timestamp string; the
// global post log is kept sorted ascending by it, which for ISO-8601 is
// plain lexicographic order.
type Post struct {
	Username string `json:"username"`
	UserID   int    `json:"id"`
	Text     string `json:"texto"`
	SentAt   string `json:"tempoEnvioMensagem"`
}

// PrivateMessage is one entry of a private conversation. On the wire it is
// the positional triple [text, timestamp, sender], kept for compatibility
// with the documented get_private_messages schema.
type PrivateMessage struct {
	Text      string
	Timestamp int64
	Sender    string
}

func (m PrivateMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{m.Text, m.Timestamp, m.Sender})
}

func (m *PrivateMessage) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 3 {
		return fmt.Errorf("private message tuple has %d elements, want 3", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &m.Text); err != nil {
		return err
	}
	if err := json.Unmarshal(tuple[1], &m.Timestamp); err != nil {
		return err
	}
	return json.Unmarshal(tuple[2], &m.Sender)
}

// Requests and replies on the frontend/backend and data store channels.
// One struct per action replaces dispatch on loose maps; the only place an
// unknown action can surface is the parser boundary.

type AddUserRequest struct {
	Action   string `json:"action"`
	Username string `json:"username"`
}

type AddUserReply struct {
	Ret   int    `json:"ret"`
	ID    int    `json:"id,omitempty"`
	Topic string `json:"topic,omitempty"`
}

type GetUserIDRequest struct {
	Action   string `json:"action"`
	Username string `json:"username"`
}

type GetUserIDReply struct {
	ID int `json:"id"`
}

type AddPostRequest struct {
	Action string `json:"action"`
	Post   Post   `json:"post"`
}

type GetPostsRequest struct {
	Action string `json:"action"`
}

type GetPostsReply struct {
	Posts []Post `json:"posts"`
}

type GetUserTopicRequest struct {
	Action string `json:"action"`
	ID     int    `json:"id"`
}

type GetUserTopicReply struct {
	Topic string `json:"topic"`
}

type AddFollowerRequest struct {
	Action   string `json:"action"`
	ID       int    `json:"id"`
	ToFollow string `json:"to_follow"`
}

type GetFollowersRequest struct {
	Action string `json:"action"`
	ID     int    `json:"id"`
}

type GetFollowersReply struct {
	Followers []int `json:"followers"`
}

type AddPrivateMessageRequest struct {
	Action    string `json:"action"`
	Sender    string `json:"remetente"`
	Recipient string `json:"destinatario"`
	Text      string `json:"mensagem"`
	Timestamp string `json:"timestamp"`
}

type GetPrivateMessagesRequest struct {
	Action    string `json:"action"`
	Sender    string `json:"remetente"`
	Recipient string `json:"destinatario"`
}

type GetPrivateMessagesReply struct {
	Ret      int              `json:"ret"`
	Messages []PrivateMessage `json:"mensagens"`
}

// PostTextRequest is the client-facing publish request. The app server
// stores it as a Post and fans out notifications before acknowledging.
type PostTextRequest struct {
	Action   string `json:"action"`
	Username string `json:"username"`
	UserID   int    `json:"id"`
	Text     string `json:"texto"`
	SentAt   string `json:"tempoEnvioMensagem"`
}

type GetTimelineRequest struct {
	Action string `json:"action"`
}

// RetReply is the minimal reply carrying only a return code.
type RetReply struct {
	Ret int `json:"ret"`
}

// StatusReply carries a return code plus a human-readable message. It is
// also the shape of error replies (ret -1) and unknown-action replies
// (ret -99).
type StatusReply struct {
	Ret int    `json:"ret"`
	Msg string `json:"msg"`
}

// Control channel schemas. Every control request carries a correlation id
// so broker and server logs can be matched; replies echo it back.

type GetServerIDRequest struct {
	RID    string `json:"rid"`
	Action string `json:"action"`
}

type GetServerIDReply struct {
	RID      string `json:"rid,omitempty"`
	ServerID int    `json:"server_id"`
}

type ListServersRequest struct {
	RID    string `json:"rid"`
	Action string `json:"action"`
}

type ListServersReply struct {
	RID     string `json:"rid,omitempty"`
	Servers []int  `json:"servers"`
}

type WhoIsLeaderRequest struct {
	RID    string `json:"rid"`
	Action string `json:"action"`
}

// WhoIsLeaderReply reports the highest live server id, or null when the
// registry is empty.
type WhoIsLeaderReply struct {
	RID      string `json:"rid,omitempty"`
	LeaderID *int   `json:"leader_id"`
}

type SyncClockRequest struct {
	RID       string  `json:"rid"`
	Action    string  `json:"action"`
	Timestamp float64 `json:"timestamp"`
}

type SyncClockReply struct {
	RID       string  `json:"rid,omitempty"`
	Status    string  `json:"status"`
	Timestamp float64 `json:"timestamp"`
}

type NotifyUsersRequest struct {
	RID           string         `json:"rid"`
	Action        string         `json:"action"`
	PostOwner     string         `json:"post_owner"`
	UsersToNotify map[int]string `json:"users_to_notify"`
	Msg           string         `json:"msg"`
}

type NotifyUsersReply struct {
	RID           string `json:"rid,omitempty"`
	Status        string `json:"status"`
	NotifiedUsers []int  `json:"notified_users"`
}

// ControlErrorReply is returned for unrecognized control actions.
type ControlErrorReply struct {
	RID   string `json:"rid,omitempty"`
	Error string `json:"error"`
}

// NewRID returns a fresh correlation id for a control request.
func NewRID() string {
	return uuid.NewString()
}
