package relay

import (
	"time"

	"github.com/google/uuid"
)

// Request is one of RegisterRequest, PostMessageRequest or SynchronizeRequest.
type Request interface {
	isRequest()
}

// Response is one of *ErrorResponse, DummyResponse, RegisterResponse,
// PostMessageResponse or SynchronizeResponse.
type Response interface {
	isResponse()
}

// RegisterRequest registers the device under a chat name with a relay server.
type RegisterRequest struct {
	ServerAddress string
	ChatName      string
}

// PostMessageRequest appends a locally authored message to the outbound queue.
// An empty Chatroom selects the default chatroom.
type PostMessageRequest struct {
	Chatroom string
	Text     string
}

// SynchronizeRequest runs one sync session.
type SynchronizeRequest struct{}

func (RegisterRequest) isRequest()    {}
func (PostMessageRequest) isRequest() {}
func (SynchronizeRequest) isRequest() {}

// ErrorResponse carries the failure of a request.
type ErrorResponse struct {
	Err error
}

func (response *ErrorResponse) Error() string {
	return response.Err.Error()
}

func (response *ErrorResponse) Unwrap() error {
	return response.Err
}

// DummyResponse answers a request that had nothing to do.
type DummyResponse struct {
	Reason string
}

// RegisterResponse describes the completed registration.
type RegisterResponse struct {
	AppID         uuid.UUID
	ChatName      string
	ServerAddress string
	ServerID      string
}

// PostMessageResponse describes the appended message.
type PostMessageResponse struct {
	LocalID  int64  `json:"local_id"`
	Chatroom string `json:"chatroom"`
}

// SynchronizeResponse summarizes a completed sync session.
type SynchronizeResponse struct {
	Uploaded          int           `json:"uploaded"`
	UploadedMessages  int           `json:"uploaded_messages"`
	Downloaded        int           `json:"downloaded"`
	SettledMessages   int           `json:"settled_messages"`
	InsertedMessages  int           `json:"inserted_messages"`
	DuplicateMessages int           `json:"duplicate_messages"`
	Watermark         int64         `json:"watermark"`
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration_ns"`
}

func (*ErrorResponse) isResponse()      {}
func (DummyResponse) isResponse()       {}
func (RegisterResponse) isResponse()    {}
func (PostMessageResponse) isResponse() {}
func (SynchronizeResponse) isResponse() {}
