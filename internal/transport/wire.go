package transport

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/chatrelay/internal/chat"
	"github.com/google/uuid"
)

// Metadata keys carrying the caller identity on every call.
const (
	HeaderAppID      = "x-app-id"
	HeaderChatName   = "x-chat-name"
	HeaderAppVersion = "x-app-version"
)

// ErrMalformedItem indicates a stream item carrying no payload or more than one.
var ErrMalformedItem = errors.New("transport: malformed stream item")

// Caller identifies the device issuing a request.
type Caller struct {
	AppID    uuid.UUID
	ChatName string
	Version  string
}

// RegistrationRequest is the body of the unary Register call.
type RegistrationRequest struct {
	Location chat.Location `json:"location"`
}

// RegistrationReply is the server's answer to a successful registration.
type RegistrationReply struct {
	ServerID string `json:"server_id,omitempty"`
}

// SyncStart opens an upload: the server sends everything newer than LastSeqNum.
type SyncStart struct {
	LastSeqNum int64         `json:"last_seq_num"`
	Location   chat.Location `json:"location"`
}

// UploadKind tags the payload of an UploadItem.
type UploadKind string

const (
	UploadStart    UploadKind = "start"
	UploadChatroom UploadKind = "chatroom"
	UploadMessage  UploadKind = "message"
)

// UploadItem is one item of the device-to-server half of a sync stream.
type UploadItem struct {
	Start    *SyncStart     `json:"start,omitempty"`
	Chatroom *chat.Chatroom `json:"chatroom,omitempty"`
	Message  *chat.Message  `json:"message,omitempty"`
}

// Kind reports which payload the item carries.
func (item *UploadItem) Kind() (UploadKind, error) {
	var kinds []UploadKind
	if item.Start != nil {
		kinds = append(kinds, UploadStart)
	}
	if item.Chatroom != nil {
		kinds = append(kinds, UploadChatroom)
	}
	if item.Message != nil {
		kinds = append(kinds, UploadMessage)
	}
	if len(kinds) != 1 {
		return "", fmt.Errorf("%w: upload carries %d payloads", ErrMalformedItem, len(kinds))
	}
	return kinds[0], nil
}

// DownloadKind tags the payload of a DownloadItem.
type DownloadKind string

const (
	DownloadChatroom DownloadKind = "chatroom"
	DownloadPeer     DownloadKind = "peer"
	DownloadMessage  DownloadKind = "message"
)

// DownloadItem is one item of the server-to-device half of a sync stream.
type DownloadItem struct {
	Chatroom *chat.Chatroom `json:"chatroom,omitempty"`
	Peer     *chat.Peer     `json:"peer,omitempty"`
	Message  *chat.Message  `json:"message,omitempty"`
}

// Kind reports which payload the item carries.
func (item *DownloadItem) Kind() (DownloadKind, error) {
	var kinds []DownloadKind
	if item.Chatroom != nil {
		kinds = append(kinds, DownloadChatroom)
	}
	if item.Peer != nil {
		kinds = append(kinds, DownloadPeer)
	}
	if item.Message != nil {
		kinds = append(kinds, DownloadMessage)
	}
	if len(kinds) != 1 {
		return "", fmt.Errorf("%w: download carries %d payloads", ErrMalformedItem, len(kinds))
	}
	return kinds[0], nil
}
