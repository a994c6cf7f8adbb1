// Package transporttest provides an in-memory relay server for exercising the
// relay protocol end to end without a network.
package transporttest

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chatrelay/internal/chat"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// Address is the dial target of every in-memory server.
const Address = "passthrough:///bufnet"

const bufferSize = 1 << 20

// Relay is a minimal relay: it orders uploaded messages with increasing
// sequence numbers and replays everything newer than the caller's watermark.
type Relay struct {
	mu            sync.Mutex
	nextSeqNum    int64
	chatrooms     []string
	peers         map[string]chat.Peer
	peerOrder     []string
	messages      []chat.Message
	uploads       []transport.UploadItem
	registrations []transport.Caller
	syncCallers   []transport.Caller

	registerErr error
	failAfter   int
	failErr     error
	stall       bool
	reverse     bool
}

// NewRelay constructs an empty relay.
func NewRelay() *Relay {
	return &Relay{peers: make(map[string]chat.Peer), failAfter: -1}
}

// SetRegisterError makes Register fail with err.
func (relay *Relay) SetRegisterError(err error) {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	relay.registerErr = err
}

// SetFailure makes the download half fail with err once count messages have
// been sent. A negative count disables the failure.
func (relay *Relay) SetFailure(count int, err error) {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	relay.failAfter = count
	relay.failErr = err
}

// SetStall keeps the download half open without completing it.
func (relay *Relay) SetStall(stall bool) {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	relay.stall = stall
}

// SetReverseOrder sends downloaded messages in decreasing sequence order,
// violating the ordering contract.
func (relay *Relay) SetReverseOrder(reverse bool) {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	relay.reverse = reverse
}

// SetNextSequence makes the next ordered message receive seqNum, as if earlier
// messages had been ordered elsewhere.
func (relay *Relay) SetNextSequence(seqNum int64) {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	if seqNum-1 > relay.nextSeqNum {
		relay.nextSeqNum = seqNum - 1
	}
}

// AddMessage stores a message authored elsewhere and returns its sequence number.
func (relay *Relay) AddMessage(message chat.Message) int64 {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	relay.addChatroomLocked(message.Chatroom)
	relay.nextSeqNum++
	message.SeqNum = relay.nextSeqNum
	relay.messages = append(relay.messages, message)
	return message.SeqNum
}

// AddPeer records a peer sighting.
func (relay *Relay) AddPeer(peer chat.Peer) {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	relay.upsertPeerLocked(peer)
}

// Messages returns every message the relay has ordered.
func (relay *Relay) Messages() []chat.Message {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	return append([]chat.Message(nil), relay.messages...)
}

// Uploads returns every item received on sync streams.
func (relay *Relay) Uploads() []transport.UploadItem {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	return append([]transport.UploadItem(nil), relay.uploads...)
}

// Registrations returns the callers of every successful Register.
func (relay *Relay) Registrations() []transport.Caller {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	return append([]transport.Caller(nil), relay.registrations...)
}

// SyncCallers returns the callers of every sync stream.
func (relay *Relay) SyncCallers() []transport.Caller {
	relay.mu.Lock()
	defer relay.mu.Unlock()
	return append([]transport.Caller(nil), relay.syncCallers...)
}

// Register implements transport.ChatServiceServer.
func (relay *Relay) Register(ctx context.Context, request *transport.RegistrationRequest) (*transport.RegistrationReply, error) {
	caller, err := transport.CallerFromContext(ctx)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	relay.mu.Lock()
	defer relay.mu.Unlock()
	if relay.registerErr != nil {
		return nil, relay.registerErr
	}
	if caller.ChatName == "" {
		return nil, status.Error(codes.InvalidArgument, "chat name required")
	}
	relay.registrations = append(relay.registrations, caller)
	relay.upsertPeerLocked(peerFor(caller, request.Location))
	return &transport.RegistrationReply{ServerID: "relay-test"}, nil
}

// Sync implements transport.ChatServiceServer.
func (relay *Relay) Sync(stream transport.SyncServerStream) error {
	caller, err := transport.CallerFromContext(stream.Context())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	var start *transport.SyncStart
	for {
		item, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		kind, err := item.Kind()
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		relay.mu.Lock()
		relay.uploads = append(relay.uploads, *item)
		switch kind {
		case transport.UploadStart:
			start = item.Start
		case transport.UploadChatroom:
			relay.addChatroomLocked(item.Chatroom.Name)
		case transport.UploadMessage:
			relay.addChatroomLocked(item.Message.Chatroom)
			relay.nextSeqNum++
			message := *item.Message
			message.SeqNum = relay.nextSeqNum
			relay.messages = append(relay.messages, message)
		}
		relay.mu.Unlock()
	}
	if start == nil {
		return status.Error(codes.FailedPrecondition, "sync start missing")
	}

	relay.mu.Lock()
	relay.syncCallers = append(relay.syncCallers, caller)
	relay.upsertPeerLocked(peerFor(caller, start.Location))
	downloads := relay.downloadsLocked(start.LastSeqNum)
	failAfter, failErr, stall := relay.failAfter, relay.failErr, relay.stall
	relay.mu.Unlock()

	sentMessages := 0
	for _, item := range downloads {
		if item.Message != nil {
			if failAfter >= 0 && sentMessages == failAfter {
				return failErr
			}
			sentMessages++
		}
		if err := stream.Send(item); err != nil {
			return err
		}
	}
	if failAfter >= 0 {
		return failErr
	}
	if stall {
		<-stream.Context().Done()
		return stream.Context().Err()
	}
	return nil
}

func (relay *Relay) downloadsLocked(lastSeqNum int64) []*transport.DownloadItem {
	items := make([]*transport.DownloadItem, 0, len(relay.chatrooms)+len(relay.peerOrder)+len(relay.messages))
	for _, name := range relay.chatrooms {
		items = append(items, &transport.DownloadItem{Chatroom: &chat.Chatroom{Name: name}})
	}
	for _, name := range relay.peerOrder {
		peer := relay.peers[name]
		items = append(items, &transport.DownloadItem{Peer: &peer})
	}
	messages := make([]*transport.DownloadItem, 0, len(relay.messages))
	for index := range relay.messages {
		message := relay.messages[index]
		if message.SeqNum <= lastSeqNum {
			continue
		}
		messages = append(messages, &transport.DownloadItem{Message: &message})
	}
	if relay.reverse {
		for left, right := 0, len(messages)-1; left < right; left, right = left+1, right-1 {
			messages[left], messages[right] = messages[right], messages[left]
		}
	}
	return append(items, messages...)
}

func (relay *Relay) addChatroomLocked(name string) {
	for _, existing := range relay.chatrooms {
		if existing == name {
			return
		}
	}
	relay.chatrooms = append(relay.chatrooms, name)
}

func (relay *Relay) upsertPeerLocked(peer chat.Peer) {
	if _, ok := relay.peers[peer.Name]; !ok {
		relay.peerOrder = append(relay.peerOrder, peer.Name)
		peer.ID = int64(len(relay.peerOrder))
	} else {
		peer.ID = relay.peers[peer.Name].ID
	}
	relay.peers[peer.Name] = peer
}

func peerFor(caller transport.Caller, location chat.Location) chat.Peer {
	latitude, longitude := location.Latitude, location.Longitude
	return chat.Peer{
		Name:      caller.ChatName,
		Timestamp: time.Now().UTC(),
		Latitude:  &latitude,
		Longitude: &longitude,
	}
}

// Server is a gRPC server listening on an in-memory connection.
type Server struct {
	listener *bufconn.Listener
	server   *grpc.Server
}

// NewServer serves impl until the test ends.
func NewServer(tb testing.TB, impl transport.ChatServiceServer) *Server {
	tb.Helper()
	listener := bufconn.Listen(bufferSize)
	server := grpc.NewServer()
	transport.RegisterChatServiceServer(server, impl)
	go func() {
		_ = server.Serve(listener)
	}()
	tb.Cleanup(func() {
		server.Stop()
		_ = listener.Close()
	})
	return &Server{listener: listener, server: server}
}

// DialOptions routes client connections to the in-memory listener.
func (server *Server) DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return server.listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

// Client returns a transport client connected to the server, closed when the test ends.
func (server *Server) Client(tb testing.TB) *transport.Client {
	tb.Helper()
	client := transport.NewClient(transport.ClientConfig{
		Insecure:    true,
		DialOptions: server.DialOptions(),
	})
	tb.Cleanup(func() {
		_ = client.Close()
	})
	return client
}
