package types

import (
	"encoding/json"
	"time"
)

// Role identifies who is logged in. Teachers and admins aggregate unread
// counts across many rooms, students track a single counterpart room.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// RoomKind is the flavour of a chat room. The kind decides which socket
// event carries its messages and which archive endpoints serve it.
type RoomKind string

const (
	RoomKindDirect    RoomKind = "direct"
	RoomKindBroadcast RoomKind = "group-broadcast"
	RoomKindSupport   RoomKind = "support"
)

// MessageKind is the deletion flavour of a message.
type MessageKind string

const (
	MessageKindNormal    MessageKind = "normal"
	MessageKindBroadcast MessageKind = "broadcast"
)

// Socket event names, exactly as the backend emits and expects them.
const (
	EventJoin               = "join"
	EventLeave              = "leave"
	EventChat               = "chat"
	EventGlobalChat         = "globalChat"
	EventSupportChat        = "supportChat"
	EventNewChat            = "newChat"
	EventNormalChatDeleted  = "normalChatDeleted"
	EventGlobalChatDeleted  = "globalChatDeleted"
	EventSupportChatDeleted = "supportChatDeleted"
	EventUserStatus         = "userStatus"

	// Local events injected by the transport, never sent on the wire.
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// Session is the authenticated identity the engine runs on behalf of.
// FUNCTIONAL DISCOVERY: created at login, held for the process lifetime,
// destroyed at logout
type Session struct {
	ID              string   `json:"id"`
	Role            Role     `json:"role"`
	Email           string   `json:"email"`
	Name            string   `json:"name"`
	SoundEnabled    *bool    `json:"soundEnabled,omitempty"`
	Token           string   `json:"-"`
	StudentIDs      []string `json:"studentIds,omitempty"`
	CounterpartRoom string   `json:"counterpartRoom,omitempty"`
}

// Counterpart returns the room a student chats with their teacher in.
func (s *Session) Counterpart() string {
	if s.CounterpartRoom != "" {
		return s.CounterpartRoom
	}
	return s.ID
}

// AggregatesRooms reports whether this session's unread ledger is per room.
func (s *Session) AggregatesRooms() bool {
	return s.Role == RoleTeacher || s.Role == RoleAdmin
}

// Room is a joined conversation. The ID doubles as the socket channel key
// and the archive path parameter.
type Room struct {
	ID          string    `json:"id"`
	Kind        RoomKind  `json:"kind"`
	DisplayName string    `json:"displayName,omitempty"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Message is one chat message, as delivered by both the socket and the archive.
type Message struct {
	ID          string    `json:"id"`
	Room        string    `json:"room"`
	SenderEmail string    `json:"senderEmail"`
	SenderName  string    `json:"senderName"`
	Body        string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Avatar      string    `json:"avatar,omitempty"`
	Role        string    `json:"role,omitempty"`
	IsFile      bool      `json:"isFile,omitempty"`
	Unread      bool      `json:"unread,omitempty"`
}

// LiveMessage is the feed payload for a delivered message. IsAttachment is
// resolved against the kind of the room it arrived in.
type LiveMessage struct {
	Message      Message `json:"message"`
	IsAttachment bool    `json:"isAttachment"`
}

// Envelope is the socket frame: an event name plus its JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinPayload is sent with join.
type JoinPayload struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

// LeavePayload is sent with leave.
type LeavePayload struct {
	Room string `json:"room"`
}

// OutboundChat is the payload of chat, globalChat and supportChat sends.
type OutboundChat struct {
	ClientID    string    `json:"clientId"`
	Room        string    `json:"room"`
	Body        string    `json:"message"`
	SenderEmail string    `json:"senderEmail"`
	SenderName  string    `json:"senderName"`
	Role        string    `json:"role,omitempty"`
	IsFile      bool      `json:"isFile,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// DeletePayload is carried by the three deletion events.
type DeletePayload struct {
	MessageID string `json:"messageId"`
	Room      string `json:"room,omitempty"`
}

// UserStatus is a presence update.
type UserStatus struct {
	ID     string `json:"id"`
	Online bool   `json:"online"`
	Name   string `json:"name"`
}

// UnreadSummary is the teacher-summary response, keyed by room id.
type UnreadSummary struct {
	LastMessages map[string]*Message `json:"lastMessages"`
	UnreadCounts map[string]int      `json:"unreadCounts"`
}

// UnreadSnapshot is the aggregator's last applied ledger.
type UnreadSnapshot struct {
	PerRoom      bool                `json:"perRoom"`
	Counts       map[string]int      `json:"counts,omitempty"`
	LastMessages map[string]*Message `json:"lastMessages,omitempty"`
	Count        int                 `json:"count"`
	RefreshedAt  time.Time           `json:"refreshedAt"`
}

// Total returns the badge value: the per-room sum in aggregate mode, the
// scalar otherwise.
func (s *UnreadSnapshot) Total() int {
	if !s.PerRoom {
		return s.Count
	}
	total := 0
	for _, n := range s.Counts {
		total += n
	}
	return total
}

// Feed event types pushed to local consumers.
const (
	FeedMessage        = "message"
	FeedMessageDeleted = "message_deleted"
	FeedUnread         = "unread"
	FeedNotify         = "notify"
	FeedPresence       = "presence"
	FeedConnection     = "connection"
)

// FeedEvent is what consumers of the local event feed receive.
type FeedEvent struct {
	Type      string      `json:"type"`
	Room      string      `json:"room,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
