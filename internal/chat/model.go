package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxNameLength = 190

var (
	// ErrInvalidChatroom indicates that a chatroom name is empty or exceeds storage bounds.
	ErrInvalidChatroom = errors.New("chat: invalid chatroom name")
	// ErrInvalidChatName indicates that a chat name is empty or exceeds storage bounds.
	ErrInvalidChatName = errors.New("chat: invalid chat name")
	// ErrInvalidPeerName indicates that a downloaded peer carries no usable name.
	ErrInvalidPeerName = errors.New("chat: invalid peer name")
	// ErrInvalidMessage indicates that a message is missing required content.
	ErrInvalidMessage = errors.New("chat: invalid message")
	// ErrInvalidSequenceNumber indicates a sequence number that the server could not have assigned.
	ErrInvalidSequenceNumber = errors.New("chat: invalid sequence number")
)

// NewChatroomName validates raw input and returns a trimmed chatroom name.
func NewChatroomName(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidChatroom)
	}
	if len(trimmed) > maxNameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidChatroom, maxNameLength)
	}
	return trimmed, nil
}

// NewChatName validates raw input and returns a trimmed chat name.
func NewChatName(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidChatName)
	}
	if len(trimmed) > maxNameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidChatName, maxNameLength)
	}
	return trimmed, nil
}

// Location is the device position attached to peers, messages and requests.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Chatroom is a named room. Rooms are only ever inserted.
type Chatroom struct {
	Name string `json:"name" gorm:"column:name;primaryKey;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Chatroom) TableName() string {
	return "chatrooms"
}

// Peer is a chat participant identified by its unique name.
type Peer struct {
	ID        int64     `json:"id"                  gorm:"column:id;primaryKey;autoIncrement"`
	Name      string    `json:"name"                gorm:"column:name;size:190;not null;uniqueIndex:ux_peers_name"`
	Timestamp time.Time `json:"timestamp"           gorm:"column:timestamp;not null"`
	Latitude  *float64  `json:"latitude,omitempty"  gorm:"column:latitude"`
	Longitude *float64  `json:"longitude,omitempty" gorm:"column:longitude"`
}

// TableName provides the explicit table binding for GORM.
func (Peer) TableName() string {
	return "peers"
}

// Message is a chat message. A zero SeqNum marks a message this device has
// authored but the server has not yet ordered.
type Message struct {
	ID        int64     `json:"id"                  gorm:"column:id;primaryKey;autoIncrement"`
	Chatroom  string    `json:"chatroom"            gorm:"column:chatroom;size:190;not null;index:idx_messages_chatroom"`
	Text      string    `json:"text"                gorm:"column:text;type:text;not null"`
	SeqNum    int64     `json:"seq_num"             gorm:"column:seq_num;not null;default:0;index:idx_messages_seq_num"`
	AppID     uuid.UUID `json:"app_id"              gorm:"column:app_id;type:char(36);not null"`
	Timestamp time.Time `json:"timestamp"           gorm:"column:timestamp;not null"`
	Latitude  *float64  `json:"latitude,omitempty"  gorm:"column:latitude"`
	Longitude *float64  `json:"longitude,omitempty" gorm:"column:longitude"`
	// Sender references peers.name; deleting a peer is meant to cascade to its messages.
	Sender string `json:"sender" gorm:"column:sender;size:190;not null;index:idx_messages_sender"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// Settled reports whether the server has assigned the message its sequence number.
func (m Message) Settled() bool {
	return m.SeqNum > 0
}

// Watermark is the singleton record of the highest sequence number this
// device has durably incorporated.
type Watermark struct {
	ID         int64 `gorm:"column:id;primaryKey;autoIncrement:false"`
	LastSeqNum int64 `gorm:"column:last_seq_num;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Watermark) TableName() string {
	return "watermarks"
}

// Identity is the singleton device identity established at registration.
type Identity struct {
	ID            int64      `gorm:"column:id;primaryKey;autoIncrement:false"`
	AppID         uuid.UUID  `gorm:"column:app_id;type:char(36);not null"`
	ChatName      string     `gorm:"column:chat_name;size:190;not null;default:''"`
	ServerAddress string     `gorm:"column:server_address;size:512;not null;default:''"`
	RegisteredAt  *time.Time `gorm:"column:registered_at"`
}

// TableName provides the explicit table binding for GORM.
func (Identity) TableName() string {
	return "device_identity"
}

// DisplayAppID renders the app id, or the empty string before registration.
func (identity Identity) DisplayAppID() string {
	if identity.AppID == uuid.Nil {
		return ""
	}
	return identity.AppID.String()
}

// Registered reports whether the device has completed registration.
func (identity Identity) Registered() bool {
	return identity.ChatName != "" && identity.ServerAddress != ""
}

// Registration describes the local state seeded by a successful registration.
type Registration struct {
	// AppID is persisted unless the device already holds one.
	AppID           uuid.UUID
	ChatName        string
	ServerAddress   string
	DefaultChatroom string
	Location        Location
	Timestamp       time.Time
}

// MessageOutcomeKind describes how a downloaded message was applied.
type MessageOutcomeKind string

const (
	// MessageSettled marks an echo of one of this device's own messages.
	MessageSettled MessageOutcomeKind = "settled"
	// MessageInserted marks a peer message stored under a fresh local id.
	MessageInserted MessageOutcomeKind = "inserted"
	// MessageDuplicate marks a message that was already applied.
	MessageDuplicate MessageOutcomeKind = "duplicate"
)

// MessageOutcome captures the result of ApplyDownloadedMessage.
type MessageOutcome struct {
	Kind      MessageOutcomeKind
	LocalID   int64
	Watermark int64
}

func floatPointer(value float64) *float64 {
	v := value
	return &v
}
