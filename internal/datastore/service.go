package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"redesocial/internal/wire"
)

// Service exposes a Store over TCP, one JSON value per frame. App servers
// hold a persistent connection and issue request/reply pairs on it.
type Service struct {
	addr     string
	store    *Store
	log      zerolog.Logger
	listener net.Listener
}

func NewService(addr string, store *Store, log zerolog.Logger) *Service {
	return &Service{addr: addr, store: store, log: log}
}

// Addr returns the bound listen address, useful when the configured port
// was ":0".
func (s *Service) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Listen binds the listen socket without serving yet.
func (s *Service) Listen() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	return nil
}

// Start serves requests until the context is cancelled. Each connection is
// handled in its own goroutine; the store's single mutex keeps operation
// handling serial.
func (s *Service) Start(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.log.Info().Str("addr", s.Addr()).Msg("data store listening")

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error().Err(err).Msg("data store accept error")
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Service) handleConnection(conn net.Conn) {
	defer conn.Close()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var frame json.RawMessage
		if err := dec.Decode(&frame); err != nil {
			return // connection closed or garbage stream
		}

		reply := s.handleFrame(frame)
		if err := enc.Encode(reply); err != nil {
			s.log.Error().Err(err).Msg("data store reply encode error")
			return
		}
	}
}

// handleFrame dispatches one request to its typed handler. Unknown actions
// only exist at this boundary.
func (s *Service) handleFrame(frame json.RawMessage) interface{} {
	action, err := wire.Action(frame)
	if err != nil {
		s.log.Error().Err(err).Msg("malformed data store request")
		return wire.StatusReply{Ret: wire.ErrRuntime, Msg: fmt.Sprintf("Erro: %v", err)}
	}

	s.log.Debug().Str("action", action).RawJSON("request", frame).Msg("data store request")

	switch action {
	case wire.ActionAddUser:
		var req wire.AddUserRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			return invalidParams(err)
		}
		ret, id, topic := s.store.AddUser(req.Username)
		if ret != wire.Success {
			s.log.Warn().Str("username", req.Username).Msg("username already taken")
			return wire.AddUserReply{Ret: ret}
		}
		s.log.Info().Str("username", req.Username).Int("id", id).Str("topic", topic).Msg("user registered")
		return wire.AddUserReply{Ret: ret, ID: id, Topic: topic}

	case wire.ActionGetUserID:
		var req wire.GetUserIDRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			return invalidParams(err)
		}
		return wire.GetUserIDReply{ID: s.store.UserID(req.Username)}

	case wire.ActionAddPost:
		var req wire.AddPostRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			return invalidParams(err)
		}
		return wire.RetReply{Ret: s.store.AddPost(req.Post)}

	case wire.ActionGetPosts:
		return wire.GetPostsReply{Posts: s.store.Posts()}

	case wire.ActionGetUserTopic:
		var req wire.GetUserTopicRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			return invalidParams(err)
		}
		return wire.GetUserTopicReply{Topic: s.store.UserTopic(req.ID)}

	case wire.ActionAddFollower:
		var req wire.AddFollowerRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			return invalidParams(err)
		}
		ret := s.store.AddFollower(req.ID, req.ToFollow)
		if ret == wire.Success {
			s.log.Info().Int("follower", req.ID).Str("followee", req.ToFollow).Msg("follower added")
		}
		return wire.RetReply{Ret: ret}

	case wire.ActionGetFollowers:
		var req wire.GetFollowersRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			return invalidParams(err)
		}
		return wire.GetFollowersReply{Followers: s.store.Followers(req.ID)}

	case wire.ActionAddPrivateMessage:
		var req wire.AddPrivateMessageRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			return invalidParams(err)
		}
		return wire.RetReply{Ret: s.store.AddPrivateMessage(req.Sender, req.Recipient, req.Text, req.Timestamp)}

	case wire.ActionGetPrivateMessages:
		var req wire.GetPrivateMessagesRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			return invalidParams(err)
		}
		msgs := s.store.PrivateMessages(req.Sender, req.Recipient)
		return wire.GetPrivateMessagesReply{Ret: wire.Success, Messages: msgs}

	default:
		s.log.Warn().Str("action", action).Msg("unknown data store action")
		return wire.StatusReply{Ret: wire.ErrUnknownAction, Msg: "Ação não reconhecida"}
	}
}

func invalidParams(err error) wire.StatusReply {
	return wire.StatusReply{Ret: wire.ErrInvalidParameter, Msg: fmt.Sprintf("Erro: %v", err)}
}
