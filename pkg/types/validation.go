package types

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Compiled once; room and user ids go through this on every event.
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)

// MaxBodyBytes bounds an outbound message body.
const MaxBodyBytes = 65536

// Validate checks the session before the engine is started for it.
func (s *Session) Validate() error {
	if !IsValidID(s.ID) {
		return ErrInvalidUserID
	}
	if !IsValidRole(s.Role) {
		return ErrInvalidRole
	}
	if !strings.Contains(s.Email, "@") {
		return ErrInvalidEmail
	}
	if s.CounterpartRoom != "" && !IsValidID(s.CounterpartRoom) {
		return ErrInvalidRoomID
	}
	for _, id := range s.StudentIDs {
		if !IsValidID(id) {
			return ErrInvalidRoomID
		}
	}
	return nil
}

// Validate checks an inbound message enough to attribute it to a room.
func (m *Message) Validate() error {
	if m.ID == "" {
		return ErrMissingMessageID
	}
	if !IsValidID(m.Room) {
		return ErrInvalidRoomID
	}
	return nil
}

// IsAttachment reports whether the message should render as a file link.
// Broadcast and support rooms carry an explicit flag; direct rooms only have
// the body, so any URL body is treated as a file.
func (m *Message) IsAttachment(kind RoomKind) bool {
	if kind == RoomKindDirect {
		return strings.HasPrefix(m.Body, "http")
	}
	return m.IsFile
}

// ValidateBody checks an outbound message body.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyBody
	}
	if len(body) > MaxBodyBytes {
		return ErrBodyTooLarge
	}
	if !utf8.ValidString(body) {
		return ErrInvalidBody
	}
	return nil
}

// IsValidID checks a user or room id: 1-100 characters, no whitespace.
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > 100 {
		return false
	}
	return idRegex.MatchString(id)
}

func IsValidRole(role Role) bool {
	switch role {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return true
	default:
		return false
	}
}

func IsValidRoomKind(kind RoomKind) bool {
	switch kind {
	case RoomKindDirect, RoomKindBroadcast, RoomKindSupport:
		return true
	default:
		return false
	}
}

// MessageKind maps a room flavour to the deletion flavour of its messages.
func (k RoomKind) MessageKind() MessageKind {
	if k == RoomKindDirect {
		return MessageKindNormal
	}
	return MessageKindBroadcast
}

// ChatEvent is the socket event that carries messages for rooms of this kind.
func (k RoomKind) ChatEvent() string {
	switch k {
	case RoomKindBroadcast:
		return EventGlobalChat
	case RoomKindSupport:
		return EventSupportChat
	default:
		return EventChat
	}
}

// RoomKindForEvent is the inverse of ChatEvent. ok is false for events that
// do not carry messages.
func RoomKindForEvent(event string) (RoomKind, bool) {
	switch event {
	case EventChat:
		return RoomKindDirect, true
	case EventGlobalChat:
		return RoomKindBroadcast, true
	case EventSupportChat:
		return RoomKindSupport, true
	default:
		return "", false
	}
}

// IsDeletionEvent reports whether event is one of the deletion echoes.
func IsDeletionEvent(event string) bool {
	switch event {
	case EventNormalChatDeleted, EventGlobalChatDeleted, EventSupportChatDeleted:
		return true
	default:
		return false
	}
}
