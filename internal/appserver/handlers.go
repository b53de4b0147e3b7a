package appserver

import (
	"encoding/json"
	"fmt"

	"redesocial/internal/wire"
)

// handleFrame dispatches one client request pulled from the backend
// channel. Any error from the data store or the broker is reported to the
// client as ret -1; the request loop itself never dies on a bad request.
func (s *Server) handleFrame(frame json.RawMessage) interface{} {
	action, err := wire.Action(frame)
	if err != nil {
		s.log.Error().Err(err).Msg("malformed client request")
		return wire.StatusReply{Ret: wire.ErrRuntime, Msg: fmt.Sprintf("Erro: %v", err)}
	}
	s.log.Info().Str("action", action).Msg("handling client request")

	reply, err := s.dispatch(action, frame)
	if err != nil {
		s.log.Error().Err(err).Str("action", action).Msg("request handling failed")
		return wire.StatusReply{Ret: wire.ErrRuntime, Msg: fmt.Sprintf("Erro: %v", err)}
	}
	return reply
}

func (s *Server) dispatch(action string, frame json.RawMessage) (interface{}, error) {
	switch action {
	case wire.ActionAddUser:
		return s.handleAddUser(frame)
	case wire.ActionAddFollower:
		return s.handleAddFollower(frame)
	case wire.ActionPostText:
		return s.handlePostText(frame)
	case wire.ActionGetTimeline:
		return s.handleGetTimeline()
	case wire.ActionAddPrivateMessage:
		return s.handleAddPrivateMessage(frame)
	case wire.ActionGetPrivateMessages:
		return s.handleGetPrivateMessages(frame)
	default:
		s.log.Warn().Str("action", action).Msg("unknown action")
		return wire.StatusReply{Ret: wire.ErrUnknownAction, Msg: "Ação desconhecida"}, nil
	}
}

func (s *Server) handleAddUser(frame json.RawMessage) (interface{}, error) {
	var req wire.AddUserRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, err
	}

	var reply wire.AddUserReply
	if err := s.store.call(req, &reply); err != nil {
		return nil, err
	}
	if reply.Ret == wire.Success {
		s.log.Info().Str("username", req.Username).Int("id", reply.ID).Str("topic", reply.Topic).Msg("user signed up")
	} else {
		s.log.Warn().Str("username", req.Username).Msg("signup rejected, username taken")
	}
	return reply, nil
}

func (s *Server) handleAddFollower(frame json.RawMessage) (interface{}, error) {
	var req wire.AddFollowerRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, err
	}

	var reply wire.RetReply
	if err := s.store.call(req, &reply); err != nil {
		return nil, err
	}
	switch reply.Ret {
	case wire.Success:
		s.log.Info().Int("follower", req.ID).Str("followee", req.ToFollow).Msg("follow recorded")
	case wire.ErrInvalidParameter:
		s.log.Warn().Int("follower", req.ID).Msg("user cannot follow themselves")
	default:
		s.log.Warn().Str("followee", req.ToFollow).Msg("followee not found")
	}
	return reply, nil
}

// handlePostText persists the post and then, before acknowledging the
// client, fans the notification out to every current follower. A client
// that sees the ack therefore knows delivery was at least attempted.
func (s *Server) handlePostText(frame json.RawMessage) (interface{}, error) {
	var req wire.PostTextRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, err
	}

	post := wire.Post{Username: req.Username, UserID: req.UserID, Text: req.Text, SentAt: req.SentAt}
	var stored wire.RetReply
	if err := s.store.call(wire.AddPostRequest{Action: wire.ActionAddPost, Post: post}, &stored); err != nil {
		return nil, err
	}

	if err := s.notifyFollowers(req.UserID, req.Username); err != nil {
		return nil, err
	}

	s.log.Info().Str("username", req.Username).Str("texto", req.Text).Msg("post stored and followers notified")
	return wire.StatusReply{Ret: wire.Success, Msg: "Postagem recebida!"}, nil
}

// notifyFollowers resolves each follower's topic and asks the broker to
// publish the notification, waiting for its acknowledgment.
func (s *Server) notifyFollowers(userID int, username string) error {
	var followers wire.GetFollowersReply
	req := wire.GetFollowersRequest{Action: wire.ActionGetFollowers, ID: userID}
	if err := s.store.call(req, &followers); err != nil {
		return err
	}

	usersToNotify := make(map[int]string, len(followers.Followers))
	for _, followerID := range followers.Followers {
		var topic wire.GetUserTopicReply
		req := wire.GetUserTopicRequest{Action: wire.ActionGetUserTopic, ID: followerID}
		if err := s.store.call(req, &topic); err != nil {
			return err
		}
		usersToNotify[followerID] = topic.Topic
	}

	notify := wire.NotifyUsersRequest{
		RID:           wire.NewRID(),
		Action:        wire.ActionNotifyUsers,
		PostOwner:     username,
		UsersToNotify: usersToNotify,
		Msg:           fmt.Sprintf("Novo post do %s disponível!", username),
	}
	var ack wire.NotifyUsersReply
	if err := s.control.call(notify, &ack); err != nil {
		return err
	}
	s.log.Info().Ints("notified", ack.NotifiedUsers).Str("post_owner", username).Msg("broker acknowledged notification")
	return nil
}

// handleGetTimeline replies with the raw post array, not wrapped in a ret
// envelope, matching the documented get_timeline schema.
func (s *Server) handleGetTimeline() (interface{}, error) {
	var reply wire.GetPostsReply
	if err := s.store.call(wire.GetPostsRequest{Action: wire.ActionGetPosts}, &reply); err != nil {
		return nil, err
	}
	if reply.Posts == nil {
		reply.Posts = []wire.Post{}
	}
	return reply.Posts, nil
}

func (s *Server) handleAddPrivateMessage(frame json.RawMessage) (interface{}, error) {
	var req wire.AddPrivateMessageRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, err
	}

	var reply wire.RetReply
	if err := s.store.call(req, &reply); err != nil {
		return nil, err
	}
	switch reply.Ret {
	case wire.Success:
		s.log.Info().Str("remetente", req.Sender).Str("destinatario", req.Recipient).Msg("private message stored")
	default:
		s.log.Warn().Str("remetente", req.Sender).Str("destinatario", req.Recipient).Int("ret", reply.Ret).Msg("private message rejected")
	}
	return reply, nil
}

func (s *Server) handleGetPrivateMessages(frame json.RawMessage) (interface{}, error) {
	var req wire.GetPrivateMessagesRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, err
	}

	var reply wire.GetPrivateMessagesReply
	if err := s.store.call(req, &reply); err != nil {
		return nil, err
	}
	if reply.Messages == nil {
		reply.Messages = []wire.PrivateMessage{}
	}
	return reply, nil
}
