// Package relay implements the device side of the relay protocol: registration,
// the local post path and the bidirectional sync session.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/chatrelay/internal/chat"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/metrics"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/transport"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultSyncTimeout bounds opening and uploading a sync session, and separately
// the wait for download completion after the upload half is closed.
const DefaultSyncTimeout = 10 * time.Second

const (
	tracerName = "github.com/MarcoPoloResearchLab/chatrelay/internal/relay"

	opRegister     = "relay.register"
	opPostMessage  = "relay.post_message"
	opSync         = "relay.sync"
	opSyncOpen     = "relay.sync.open"
	opSyncUpload   = "relay.sync.upload"
	opSyncDownload = "relay.sync.download"
	opSyncApply    = "relay.sync.apply"

	reasonTransport = "transport_failed"
	reasonStorage   = "storage_failed"
	reasonTimeout   = "timeout"
	reasonLocation  = "location_unavailable"

	resultInserted = "inserted"
	resultUpserted = "upserted"
)

// Store is the local persistence the processor drives. *chat.Store implements it.
type Store interface {
	Identity(ctx context.Context) (chat.Identity, error)
	CompleteRegistration(ctx context.Context, registration chat.Registration) error
	InsertChatroom(ctx context.Context, name string) error
	UpsertPeer(ctx context.Context, peer chat.Peer) error
	AppendMessage(ctx context.Context, message *chat.Message) error
	ApplyDownloadedMessage(ctx context.Context, selfAppID uuid.UUID, message chat.Message) (chat.MessageOutcome, error)
	Chatrooms(ctx context.Context) ([]chat.Chatroom, error)
	OutboundQueue(ctx context.Context) ([]chat.Message, error)
	Watermark(ctx context.Context) (int64, error)
}

// Transport reaches relay servers. *transport.Client implements it.
type Transport interface {
	Register(ctx context.Context, address string, caller transport.Caller, request *transport.RegistrationRequest) (*transport.RegistrationReply, error)
	OpenSync(ctx context.Context, address string, caller transport.Caller) (transport.SyncStream, error)
}

// Event describes one downloaded item applied to the local store.
type Event struct {
	Kind      transport.DownloadKind  `json:"kind"`
	Chatroom  string                  `json:"chatroom,omitempty"`
	Peer      string                  `json:"peer,omitempty"`
	Message   *chat.Message           `json:"message,omitempty"`
	Outcome   chat.MessageOutcomeKind `json:"outcome,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// EventPublisher receives applied download events.
type EventPublisher interface {
	Publish(event Event)
}

// ProcessorConfig describes the dependencies of a Processor.
type ProcessorConfig struct {
	Store           Store
	Transport       Transport
	Locator         Locator
	Clock           func() time.Time
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
	Tracer          trace.Tracer
	Events          EventPublisher
	SyncTimeout     time.Duration
	DefaultChatroom string
	Version         string
}

// Processor executes relay requests against the local store and a relay server.
// At most one sync session runs at a time.
type Processor struct {
	store           Store
	transport       Transport
	locator         Locator
	clock           func() time.Time
	logger          *zap.Logger
	metrics         *metrics.Metrics
	tracer          trace.Tracer
	events          EventPublisher
	syncTimeout     time.Duration
	defaultChatroom string
	version         string

	syncing atomic.Bool
}

// NewProcessor constructs a Processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	defaultChatroom, err := chat.NewChatroomName(cfg.DefaultChatroom)
	if err != nil {
		return nil, fmt.Errorf("default chatroom: %w", err)
	}
	processor := &Processor{
		store:           cfg.Store,
		transport:       cfg.Transport,
		locator:         cfg.Locator,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		tracer:          cfg.Tracer,
		events:          cfg.Events,
		syncTimeout:     cfg.SyncTimeout,
		defaultChatroom: defaultChatroom,
		version:         cfg.Version,
	}
	if processor.locator == nil {
		processor.locator = StaticLocator{}
	}
	if processor.clock == nil {
		processor.clock = time.Now
	}
	if processor.logger == nil {
		processor.logger = zap.NewNop()
	}
	if processor.tracer == nil {
		processor.tracer = otel.Tracer(tracerName)
	}
	if processor.syncTimeout <= 0 {
		processor.syncTimeout = DefaultSyncTimeout
	}
	return processor, nil
}

// Process executes one request and always returns a response; failures are
// reported as *ErrorResponse.
func (processor *Processor) Process(ctx context.Context, request Request) Response {
	switch typed := request.(type) {
	case RegisterRequest:
		response, err := processor.Register(ctx, typed)
		if err != nil {
			return &ErrorResponse{Err: err}
		}
		return response
	case PostMessageRequest:
		response, err := processor.PostMessage(ctx, typed)
		if err != nil {
			return &ErrorResponse{Err: err}
		}
		return response
	case SynchronizeRequest:
		response, err := processor.Synchronize(ctx)
		if err != nil {
			return &ErrorResponse{Err: err}
		}
		return response
	default:
		return &ErrorResponse{Err: fmt.Errorf("%w: %T", ErrUnknownRequest, request)}
	}
}

// Register establishes the device identity with the server and seeds the
// local store. A failed or cancelled registration writes nothing.
func (processor *Processor) Register(ctx context.Context, request RegisterRequest) (RegisterResponse, error) {
	ctx, span := processor.tracer.Start(ctx, opRegister)
	defer span.End()

	response, err := processor.register(ctx, request)
	processor.metrics.ObserveRegistration(outcomeOf(err))
	endSpan(span, err)
	return response, err
}

func (processor *Processor) register(ctx context.Context, request RegisterRequest) (RegisterResponse, error) {
	chatName, err := chat.NewChatName(request.ChatName)
	if err != nil {
		return RegisterResponse{}, err
	}
	address := strings.TrimSpace(request.ServerAddress)
	if address == "" {
		return RegisterResponse{}, fmt.Errorf("%w: empty", ErrInvalidServerAddress)
	}

	identity, err := processor.store.Identity(ctx)
	if err != nil {
		return RegisterResponse{}, newError(KindLocalStorage, opRegister, err)
	}
	if identity.Registered() {
		return RegisterResponse{}, ErrAlreadyRegistered
	}
	appID := identity.AppID
	if appID == uuid.Nil {
		if appID, err = uuid.NewRandom(); err != nil {
			return RegisterResponse{}, fmt.Errorf("%s: generate app id: %w", opRegister, err)
		}
	}

	location := processor.location(ctx)
	caller := transport.Caller{AppID: appID, ChatName: chatName, Version: processor.version}
	reply, err := processor.transport.Register(ctx, address, caller, &transport.RegistrationRequest{Location: location})
	if err != nil {
		classified := classifyTransport(opRegister, err)
		processor.logError(opRegister, reasonTransport, classified, zap.String("server_address", address))
		return RegisterResponse{}, classified
	}
	if err := ctx.Err(); err != nil {
		return RegisterResponse{}, classifyTransport(opRegister, err)
	}

	err = processor.store.CompleteRegistration(ctx, chat.Registration{
		AppID:           appID,
		ChatName:        chatName,
		ServerAddress:   address,
		DefaultChatroom: processor.defaultChatroom,
		Location:        location,
		Timestamp:       processor.clock(),
	})
	if err != nil {
		return RegisterResponse{}, storageFailure(opRegister, err)
	}

	processor.logger.Info("device registered",
		zap.String("chat_name", chatName),
		zap.String("server_address", address),
		zap.String("app_id", appID.String()))
	return RegisterResponse{
		AppID:         appID,
		ChatName:      chatName,
		ServerAddress: address,
		ServerID:      reply.ServerID,
	}, nil
}

// PostMessage appends a locally authored message to the outbound queue. It
// never touches the network.
func (processor *Processor) PostMessage(ctx context.Context, request PostMessageRequest) (PostMessageResponse, error) {
	identity, err := processor.store.Identity(ctx)
	if err != nil {
		return PostMessageResponse{}, newError(KindLocalStorage, opPostMessage, err)
	}
	if !identity.Registered() {
		return PostMessageResponse{}, ErrNotRegistered
	}
	if strings.TrimSpace(request.Text) == "" {
		return PostMessageResponse{}, fmt.Errorf("%w: empty text", chat.ErrInvalidMessage)
	}
	chatroom := request.Chatroom
	if strings.TrimSpace(chatroom) == "" {
		chatroom = processor.defaultChatroom
	}

	location := processor.location(ctx)
	latitude, longitude := location.Latitude, location.Longitude
	message := chat.Message{
		Chatroom:  chatroom,
		Text:      request.Text,
		SeqNum:    0,
		AppID:     identity.AppID,
		Timestamp: processor.clock().UTC(),
		Latitude:  &latitude,
		Longitude: &longitude,
		Sender:    identity.ChatName,
	}
	if err := processor.store.AppendMessage(ctx, &message); err != nil {
		return PostMessageResponse{}, storageFailure(opPostMessage, err)
	}
	processor.metrics.IncPosted()
	processor.refreshOutboundGauge(ctx)
	processor.logger.Debug("message queued",
		zap.String("chatroom", message.Chatroom),
		zap.Int64("local_id", message.ID))
	return PostMessageResponse{LocalID: message.ID, Chatroom: message.Chatroom}, nil
}

// Synchronize runs one sync session. It returns DummyResponse when the device
// is not registered and ErrSyncInProgress when another session is running.
// Items applied before a failure stay committed.
func (processor *Processor) Synchronize(ctx context.Context) (Response, error) {
	if !processor.syncing.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer processor.syncing.Store(false)

	identity, err := processor.store.Identity(ctx)
	if err != nil {
		return nil, newError(KindLocalStorage, opSync, err)
	}
	if !identity.Registered() {
		processor.logger.Info("sync skipped", zap.String("reason", "not registered"))
		return DummyResponse{Reason: ErrNotRegistered.Error()}, nil
	}

	ctx, span := processor.tracer.Start(ctx, opSync, trace.WithAttributes(
		attribute.String("chatrelay.server_address", identity.ServerAddress),
	))
	defer span.End()

	startedAt := processor.clock()
	response, err := processor.runSession(ctx, identity)
	duration := processor.clock().Sub(startedAt)
	response.StartedAt = startedAt
	response.Duration = duration

	processor.metrics.ObserveSync(outcomeOf(err), duration)
	span.SetAttributes(
		attribute.Int("chatrelay.uploaded", response.Uploaded),
		attribute.Int("chatrelay.downloaded", response.Downloaded),
		attribute.Int64("chatrelay.watermark", response.Watermark),
	)
	endSpan(span, err)

	fields := []zap.Field{
		zap.Int("uploaded", response.Uploaded),
		zap.Int("downloaded", response.Downloaded),
		zap.Int("settled", response.SettledMessages),
		zap.Int("inserted", response.InsertedMessages),
		zap.Int("duplicates", response.DuplicateMessages),
		zap.Int64("watermark", response.Watermark),
		zap.Duration("duration", duration),
	}
	if err != nil {
		processor.logError(opSync, reasonFor(err), err, fields...)
		return nil, err
	}
	processor.logger.Info("sync completed", fields...)
	return response, nil
}

// session holds the snapshot uploaded by one sync session and the counters of
// its download half. Counters are owned by the consumer goroutine until it returns.
type session struct {
	selfAppID     uuid.UUID
	watermark     int64
	location      chat.Location
	chatrooms     []chat.Chatroom
	outbound      []chat.Message
	lastSeenSeq   int64
	response      SynchronizeResponse
	uploadedItems int
}

func (processor *Processor) runSession(ctx context.Context, identity chat.Identity) (SynchronizeResponse, error) {
	state := &session{selfAppID: identity.AppID}
	var err error
	if state.watermark, err = processor.store.Watermark(ctx); err != nil {
		return SynchronizeResponse{}, newError(KindLocalStorage, opSync, err)
	}
	state.response.Watermark = state.watermark
	state.location = processor.location(ctx)
	if state.chatrooms, err = processor.store.Chatrooms(ctx); err != nil {
		return state.response, newError(KindLocalStorage, opSync, err)
	}
	if state.outbound, err = processor.store.OutboundQueue(ctx); err != nil {
		return state.response, newError(KindLocalStorage, opSync, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		processor.refreshOutboundGauge(ctx)
		processor.metrics.SetWatermark(state.response.Watermark)
	}()

	// The same bound applies to opening the stream and uploading the snapshot.
	uploadTimer := time.AfterFunc(processor.syncTimeout, cancel)

	caller := transport.Caller{AppID: identity.AppID, ChatName: identity.ChatName, Version: processor.version}
	stream, err := processor.transport.OpenSync(streamCtx, identity.ServerAddress, caller)
	if err != nil {
		if !uploadTimer.Stop() {
			return state.response, processor.uploadTimeout(opSyncOpen)
		}
		return state.response, classifyTransport(opSyncOpen, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- processor.consume(streamCtx, stream, state)
	}()

	uploadErr := processor.upload(stream, state)
	if !uploadTimer.Stop() {
		cancel()
		<-done
		state.response.Uploaded = state.uploadedItems
		return state.response, processor.uploadTimeout(opSyncUpload)
	}
	if uploadErr != nil {
		// A send on a stream the server already ended reports io.EOF; the
		// receive side carries the actual status.
		endedByServer := errors.Is(uploadErr, io.EOF)
		if !endedByServer {
			cancel()
		}
		downloadErr := <-done
		state.response.Uploaded = state.uploadedItems
		if endedByServer && downloadErr != nil {
			return state.response, downloadErr
		}
		return state.response, classifyTransport(opSyncUpload, uploadErr)
	}
	state.response.Uploaded = state.uploadedItems
	processor.metrics.AddUploaded(string(transport.UploadStart), 1)
	processor.metrics.AddUploaded(string(transport.UploadChatroom), len(state.chatrooms))
	processor.metrics.AddUploaded(string(transport.UploadMessage), len(state.outbound))

	timer := time.NewTimer(processor.syncTimeout)
	defer timer.Stop()

	var sessionErr error
	select {
	case sessionErr = <-done:
	case <-timer.C:
		cancel()
		if downloadErr := <-done; downloadErr != nil {
			sessionErr = newError(KindTimeout, opSyncDownload,
				fmt.Errorf("download incomplete %s after upload: %w", processor.syncTimeout, context.DeadlineExceeded))
		}
	case <-ctx.Done():
		cancel()
		<-done
		sessionErr = classifyTransport(opSyncDownload, ctx.Err())
	}

	return state.response, sessionErr
}

func (processor *Processor) uploadTimeout(op string) error {
	return newError(KindTimeout, op,
		fmt.Errorf("upload incomplete after %s: %w", processor.syncTimeout, context.DeadlineExceeded))
}

// refreshOutboundGauge sets the outbound queue gauge from the stored queue.
func (processor *Processor) refreshOutboundGauge(ctx context.Context) {
	if processor.metrics == nil {
		return
	}
	outbound, err := processor.store.OutboundQueue(context.WithoutCancel(ctx))
	if err != nil {
		processor.logger.Warn("outbound queue gauge not refreshed", zap.Error(err))
		return
	}
	processor.metrics.SetOutboundQueue(len(outbound))
}

func (processor *Processor) upload(stream transport.SyncStream, state *session) error {
	start := &transport.UploadItem{Start: &transport.SyncStart{LastSeqNum: state.watermark, Location: state.location}}
	if err := stream.Send(start); err != nil {
		return err
	}
	state.uploadedItems++
	for index := range state.chatrooms {
		chatroom := state.chatrooms[index]
		if err := stream.Send(&transport.UploadItem{Chatroom: &chatroom}); err != nil {
			return err
		}
		state.uploadedItems++
	}
	for index := range state.outbound {
		message := state.outbound[index]
		if err := stream.Send(&transport.UploadItem{Message: &message}); err != nil {
			return err
		}
		state.uploadedItems++
		state.response.UploadedMessages++
	}
	return stream.CloseSend()
}

// consume applies download items until the server completes the stream, the
// stream fails or ctx is cancelled. No item is applied once ctx is done.
func (processor *Processor) consume(ctx context.Context, stream transport.SyncStream, state *session) error {
	for {
		item, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return classifyTransport(opSyncDownload, err)
		}
		if err := ctx.Err(); err != nil {
			return classifyTransport(opSyncDownload, err)
		}
		if err := processor.apply(ctx, item, state); err != nil {
			return err
		}
		state.response.Downloaded++
	}
}

func (processor *Processor) apply(ctx context.Context, item *transport.DownloadItem, state *session) error {
	kind, err := item.Kind()
	if err != nil {
		return newError(KindServer, opSyncDownload, err)
	}
	now := processor.clock().UTC()

	switch kind {
	case transport.DownloadChatroom:
		if err := processor.store.InsertChatroom(ctx, item.Chatroom.Name); err != nil {
			return classifyApply(opSyncApply, err)
		}
		processor.metrics.IncApplied(string(kind), resultInserted)
		processor.publish(Event{Kind: kind, Chatroom: item.Chatroom.Name, Timestamp: now})
	case transport.DownloadPeer:
		if err := processor.store.UpsertPeer(ctx, *item.Peer); err != nil {
			return classifyApply(opSyncApply, err)
		}
		processor.metrics.IncApplied(string(kind), resultUpserted)
		processor.publish(Event{Kind: kind, Peer: item.Peer.Name, Timestamp: now})
	case transport.DownloadMessage:
		message := *item.Message
		if message.SeqNum < state.lastSeenSeq {
			processor.logger.Warn("server delivered messages out of order",
				zap.Int64("seq_num", message.SeqNum),
				zap.Int64("previous_seq_num", state.lastSeenSeq))
		}
		outcome, err := processor.store.ApplyDownloadedMessage(ctx, state.selfAppID, message)
		if err != nil {
			return classifyApply(opSyncApply, err)
		}
		if message.SeqNum > state.lastSeenSeq {
			state.lastSeenSeq = message.SeqNum
		}
		switch outcome.Kind {
		case chat.MessageSettled:
			state.response.SettledMessages++
		case chat.MessageInserted:
			state.response.InsertedMessages++
		case chat.MessageDuplicate:
			state.response.DuplicateMessages++
		}
		state.response.Watermark = outcome.Watermark
		processor.metrics.IncApplied(string(kind), string(outcome.Kind))
		message.ID = outcome.LocalID
		processor.publish(Event{Kind: kind, Chatroom: message.Chatroom, Message: &message, Outcome: outcome.Kind, Timestamp: now})
	}
	return nil
}

func (processor *Processor) publish(event Event) {
	if processor.events != nil {
		processor.events.Publish(event)
	}
}

func (processor *Processor) location(ctx context.Context) chat.Location {
	location, err := processor.locator.Location(ctx)
	if err != nil {
		processor.logger.Warn("location unavailable",
			zap.String("reason", reasonLocation),
			zap.Error(err))
		return chat.Location{}
	}
	return location
}

func (processor *Processor) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	processor.logger.Error("relay operation failed", attrs...)
}

func storageFailure(op string, err error) error {
	var storeErr *chat.StoreError
	if errors.As(err, &storeErr) {
		return newError(KindLocalStorage, op, err)
	}
	return err
}

func outcomeOf(err error) string {
	if err == nil {
		return metrics.OutcomeSuccess
	}
	if kind, ok := KindOf(err); ok {
		return string(kind)
	}
	return "rejected"
}

func reasonFor(err error) string {
	kind, _ := KindOf(err)
	switch kind {
	case KindTimeout:
		return reasonTimeout
	case KindLocalStorage:
		return reasonStorage
	default:
		return reasonTransport
	}
}

func endSpan(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(otelcodes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}
