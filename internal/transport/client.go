package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const defaultIdleTimeout = time.Minute

var (
	// ErrMissingAddress indicates a call without a server address.
	ErrMissingAddress = errors.New("transport: server address is required")
	// ErrClientClosed indicates a call on a closed client.
	ErrClientClosed = errors.New("transport: client closed")
	// ErrMissingCaller indicates an incoming call without identity metadata.
	ErrMissingCaller = errors.New("transport: caller identity missing")
)

// SyncStream is the device view of one sync stream.
type SyncStream interface {
	Send(item *UploadItem) error
	CloseSend() error
	Recv() (*DownloadItem, error)
}

// ClientConfig describes how connections to relay servers are built.
type ClientConfig struct {
	Insecure    bool
	IdleTimeout time.Duration
	UserAgent   string
	DialOptions []grpc.DialOption
	Logger      *zap.Logger
}

// Client issues relay calls. Connections are created lazily and cached per
// server address until Close.
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger

	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	closed bool
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[string]*grpc.ClientConn),
	}
}

// Register performs the unary registration call.
func (client *Client) Register(ctx context.Context, address string, caller Caller, request *RegistrationRequest) (*RegistrationReply, error) {
	conn, err := client.connection(address)
	if err != nil {
		return nil, err
	}
	reply := new(RegistrationReply)
	if err := conn.Invoke(withCaller(ctx, caller), registerMethod, request, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// OpenSync opens the bidirectional sync stream. Cancelling ctx tears the stream down.
func (client *Client) OpenSync(ctx context.Context, address string, caller Caller) (SyncStream, error) {
	conn, err := client.connection(address)
	if err != nil {
		return nil, err
	}
	stream, err := conn.NewStream(withCaller(ctx, caller), &syncStreamDesc, syncMethod)
	if err != nil {
		return nil, err
	}
	return &syncClientStream{ClientStream: stream}, nil
}

// Close shuts down every cached connection.
func (client *Client) Close() error {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.closed = true
	var errs []error
	for address, conn := range client.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", address, err))
		}
		delete(client.conns, address)
	}
	return errors.Join(errs...)
}

func (client *Client) connection(address string) (*grpc.ClientConn, error) {
	target := strings.TrimSpace(address)
	if target == "" {
		return nil, ErrMissingAddress
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.closed {
		return nil, ErrClientClosed
	}
	if conn, ok := client.conns[target]; ok {
		return conn, nil
	}

	options := []grpc.DialOption{
		grpc.WithIdleTimeout(client.cfg.IdleTimeout),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	if client.cfg.Insecure {
		options = append(options, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		options = append(options, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if client.cfg.UserAgent != "" {
		options = append(options, grpc.WithUserAgent(client.cfg.UserAgent))
	}
	options = append(options, client.cfg.DialOptions...)

	conn, err := grpc.NewClient(target, options...)
	if err != nil {
		return nil, err
	}
	client.conns[target] = conn
	client.logger.Debug("relay connection created", zap.String("address", target))
	return conn, nil
}

func withCaller(ctx context.Context, caller Caller) context.Context {
	pairs := []string{HeaderAppID, caller.AppID.String()}
	if caller.ChatName != "" {
		pairs = append(pairs, HeaderChatName, caller.ChatName)
	}
	if caller.Version != "" {
		pairs = append(pairs, HeaderAppVersion, caller.Version)
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// CallerFromContext extracts the caller identity of an incoming call.
func CallerFromContext(ctx context.Context) (Caller, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return Caller{}, ErrMissingCaller
	}
	values := md.Get(HeaderAppID)
	if len(values) == 0 {
		return Caller{}, ErrMissingCaller
	}
	appID, err := uuid.Parse(values[0])
	if err != nil {
		return Caller{}, fmt.Errorf("%w: %v", ErrMissingCaller, err)
	}
	caller := Caller{AppID: appID}
	if names := md.Get(HeaderChatName); len(names) > 0 {
		caller.ChatName = names[0]
	}
	if versions := md.Get(HeaderAppVersion); len(versions) > 0 {
		caller.Version = versions[0]
	}
	return caller, nil
}

type syncClientStream struct {
	grpc.ClientStream
}

func (stream *syncClientStream) Send(item *UploadItem) error {
	return stream.ClientStream.SendMsg(item)
}

func (stream *syncClientStream) Recv() (*DownloadItem, error) {
	item := new(DownloadItem)
	if err := stream.ClientStream.RecvMsg(item); err != nil {
		return nil, err
	}
	return item, nil
}
