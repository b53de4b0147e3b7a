// Package datastore implements the central authoritative state of the
// system: users, the follow graph, the global post log, and private
// conversations. State lives in memory only and is served strictly
// serially over a request/reply channel.
package datastore

import (
	"sort"
	"strconv"
	"sync"

	"redesocial/internal/wire"
)

// Store holds all user data. One mutex guards everything; operations are
// short and never suspend, so serial handling is preserved regardless of
// how many connections the service accepts.
type Store struct {
	mu sync.Mutex

	userIDCounter int
	usernames     map[string]int // username -> user id
	followers     map[int][]int  // user id -> follower ids
	topics        map[int]string // user id -> notification topic

	posts []wire.Post // sorted ascending by SentAt

	// conversations[a][b] mirrors conversations[b][a]; both sides are kept
	// sorted ascending by timestamp.
	conversations map[string]map[string][]wire.PrivateMessage
}

func NewStore() *Store {
	return &Store{
		userIDCounter: 1,
		usernames:     make(map[string]int),
		followers:     make(map[int][]int),
		topics:        make(map[int]string),
		conversations: make(map[string]map[string][]wire.PrivateMessage),
	}
}

// AddUser registers a new username and assigns the next user id. Ids are
// never reused, even though users are never deleted anyway.
func (s *Store) AddUser(username string) (ret, id int, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.usernames[username]; taken {
		return wire.ErrUsernameTaken, 0, ""
	}

	id = s.userIDCounter
	s.userIDCounter++
	topic = wire.UserTopic(id)

	s.usernames[username] = id
	s.followers[id] = []int{}
	s.topics[id] = topic
	return wire.Success, id, topic
}

// UserID resolves a username, returning -1 when unknown.
func (s *Store) UserID(username string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.usernames[username]; ok {
		return id
	}
	return -1
}

// AddPost appends to the global post log and restores ascending SentAt
// order. ISO-8601 strings compare lexicographically, so a plain string
// sort keeps the timeline chronological.
func (s *Store) AddPost(post wire.Post) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.posts = append(s.posts, post)
	sort.SliceStable(s.posts, func(i, j int) bool {
		return s.posts[i].SentAt < s.posts[j].SentAt
	})
	return wire.Success
}

// Posts returns a copy of the post log in timeline order.
func (s *Store) Posts() []wire.Post {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]wire.Post, len(s.posts))
	copy(out, s.posts)
	return out
}

// UserTopic returns the notification topic for a user id, or "" if the id
// is unknown.
func (s *Store) UserTopic(id int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topics[id]
}

// AddFollower records followerID as a follower of the named user.
// Following yourself is rejected; duplicate follows are accepted as-is.
func (s *Store) AddFollower(followerID int, toFollow string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	followeeID, ok := s.usernames[toFollow]
	if !ok {
		return wire.ErrUserNotFound
	}
	if followeeID == followerID {
		return wire.ErrInvalidParameter
	}
	s.followers[followeeID] = append(s.followers[followeeID], followerID)
	return wire.Success
}

// Followers returns the follower ids of a user, empty when unknown.
func (s *Store) Followers(id int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int, len(s.followers[id]))
	copy(out, s.followers[id])
	return out
}

// AddPrivateMessage stores a message under both endpoints of the
// conversation. The timestamp arrives as a digit string and is stored as
// integer seconds. Sender and recipient must be distinct existing users.
func (s *Store) AddPrivateMessage(sender, recipient, text, timestamp string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sender == recipient {
		return wire.ErrInvalidParameter
	}
	if _, ok := s.usernames[sender]; !ok {
		return wire.ErrInvalidParameter
	}
	if _, ok := s.usernames[recipient]; !ok {
		return wire.ErrInvalidParameter
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return wire.ErrInvalidParameter
	}

	msg := wire.PrivateMessage{Text: text, Timestamp: ts, Sender: sender}
	for _, pair := range [][2]string{{sender, recipient}, {recipient, sender}} {
		a, b := pair[0], pair[1]
		if s.conversations[a] == nil {
			s.conversations[a] = make(map[string][]wire.PrivateMessage)
		}
		s.conversations[a][b] = append(s.conversations[a][b], msg)
		list := s.conversations[a][b]
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Timestamp < list[j].Timestamp
		})
	}
	return wire.Success
}

// PrivateMessages returns the conversation as stored from the sender's
// perspective, oldest first. Unknown pairs yield an empty list.
func (s *Store) PrivateMessages(sender, recipient string) []wire.PrivateMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.conversations[sender][recipient]
	out := make([]wire.PrivateMessage, len(list))
	copy(out, list)
	return out
}
