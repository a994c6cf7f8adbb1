// Package scheduler is the boundary between external triggers and the relay
// processor: periodic syncs, one-shot registration and message posts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/chatrelay/internal/relay"
	"go.uber.org/zap"
)

const (
	// DefaultSyncInterval is the period between scheduled syncs.
	DefaultSyncInterval = time.Minute
	// DefaultRegistrationTimeout is the hard deadline of a registration.
	DefaultRegistrationTimeout = 3 * time.Minute
)

// Sync outcomes reported in SyncStatus. Failed sessions report the relay error kind.
const (
	OutcomeSuccess = "success"
	OutcomeSkipped = "skipped"
	OutcomeBusy    = "busy"
	OutcomeFailed  = "failed"
)

var (
	// ErrAlreadyScheduled indicates StartPeriodicSync on a running schedule.
	ErrAlreadyScheduled = errors.New("scheduler: periodic sync already scheduled")
	// ErrNotScheduled indicates StopPeriodicSync without a running schedule.
	ErrNotScheduled = errors.New("scheduler: periodic sync not scheduled")

	errMissingProcessor = errors.New("scheduler: processor is required")
)

// Processor executes relay requests. *relay.Processor implements it.
type Processor interface {
	Process(ctx context.Context, request relay.Request) relay.Response
}

// SyncStatus describes the most recent sync attempt.
type SyncStatus struct {
	At      time.Time                  `json:"at"`
	Outcome string                     `json:"outcome"`
	Summary *relay.SynchronizeResponse `json:"summary,omitempty"`
	Err     error                      `json:"-"`
	Error   string                     `json:"error,omitempty"`
}

// Config describes the dependencies of an Adapter.
type Config struct {
	Processor           Processor
	Interval            time.Duration
	RegistrationTimeout time.Duration
	Clock               func() time.Time
	Logger              *zap.Logger
	// OnSync is called after every sync attempt, outside any lock.
	OnSync func(SyncStatus)
}

// Adapter triggers relay requests. It is safe for concurrent use.
type Adapter struct {
	processor           Processor
	interval            time.Duration
	registrationTimeout time.Duration
	clock               func() time.Time
	logger              *zap.Logger
	onSync              func(SyncStatus)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   SyncStatus
}

// New constructs an Adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.Processor == nil {
		return nil, errMissingProcessor
	}
	adapter := &Adapter{
		processor:           cfg.Processor,
		interval:            cfg.Interval,
		registrationTimeout: cfg.RegistrationTimeout,
		clock:               cfg.Clock,
		logger:              cfg.Logger,
		onSync:              cfg.OnSync,
	}
	if adapter.interval <= 0 {
		adapter.interval = DefaultSyncInterval
	}
	if adapter.registrationTimeout <= 0 {
		adapter.registrationTimeout = DefaultRegistrationTimeout
	}
	if adapter.clock == nil {
		adapter.clock = time.Now
	}
	if adapter.logger == nil {
		adapter.logger = zap.NewNop()
	}
	return adapter, nil
}

// RunSyncOnce runs one sync session. Failures are logged and returned; a
// panic inside the session is converted into an error.
func (adapter *Adapter) RunSyncOnce(ctx context.Context) (err error) {
	status := SyncStatus{}
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("scheduler: sync panicked: %v", recovered)
			status = SyncStatus{Outcome: OutcomeFailed, Err: err}
		}
		status.At = adapter.clock().UTC()
		if status.Err != nil {
			status.Error = status.Err.Error()
		}
		adapter.record(status)
	}()

	switch response := adapter.processor.Process(ctx, relay.SynchronizeRequest{}).(type) {
	case relay.SynchronizeResponse:
		status.Outcome = OutcomeSuccess
		status.Summary = &response
	case relay.DummyResponse:
		status.Outcome = OutcomeSkipped
		adapter.logger.Debug("scheduled sync skipped", zap.String("reason", response.Reason))
	case *relay.ErrorResponse:
		status.Outcome = outcomeOf(response.Err)
		status.Err = response.Err
		adapter.logger.Warn("scheduled sync failed",
			zap.String("outcome", status.Outcome),
			zap.Bool("retryable", relay.Retryable(response.Err)),
			zap.Error(response.Err))
	default:
		status.Outcome = OutcomeFailed
		status.Err = fmt.Errorf("scheduler: unexpected sync response %T", response)
	}
	return status.Err
}

// RunRegistration registers the device. The call fails once the registration
// timeout elapses and aborts when ctx is cancelled.
func (adapter *Adapter) RunRegistration(ctx context.Context, serverAddress, chatName string) error {
	ctx, cancel := context.WithTimeout(ctx, adapter.registrationTimeout)
	defer cancel()

	switch response := adapter.processor.Process(ctx, relay.RegisterRequest{ServerAddress: serverAddress, ChatName: chatName}).(type) {
	case relay.RegisterResponse:
		adapter.logger.Info("registration completed",
			zap.String("chat_name", response.ChatName),
			zap.String("server_address", response.ServerAddress))
		return nil
	case *relay.ErrorResponse:
		adapter.logger.Error("registration failed", zap.Error(response.Err))
		return response.Err
	default:
		return fmt.Errorf("scheduler: unexpected registration response %T", response)
	}
}

// RunPostMessage appends a message to the outbound queue. Delivery is left to
// the next sync.
func (adapter *Adapter) RunPostMessage(ctx context.Context, chatroom, text string) (relay.PostMessageResponse, error) {
	switch response := adapter.processor.Process(ctx, relay.PostMessageRequest{Chatroom: chatroom, Text: text}).(type) {
	case relay.PostMessageResponse:
		return response, nil
	case *relay.ErrorResponse:
		return relay.PostMessageResponse{}, response.Err
	default:
		return relay.PostMessageResponse{}, fmt.Errorf("scheduler: unexpected post response %T", response)
	}
}

// StartPeriodicSync runs RunSyncOnce every interval until StopPeriodicSync is
// called or ctx is done.
func (adapter *Adapter) StartPeriodicSync(ctx context.Context) error {
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if adapter.cancel != nil {
		return ErrAlreadyScheduled
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	adapter.cancel = cancel
	adapter.done = done
	go adapter.syncContinuously(loopCtx, done)
	adapter.logger.Info("periodic sync scheduled", zap.Duration("interval", adapter.interval))
	return nil
}

// StopPeriodicSync stops the schedule and waits for an in-flight sync to end.
func (adapter *Adapter) StopPeriodicSync() error {
	adapter.mu.Lock()
	cancel, done := adapter.cancel, adapter.done
	adapter.cancel, adapter.done = nil, nil
	adapter.mu.Unlock()
	if cancel == nil {
		return ErrNotScheduled
	}
	cancel()
	<-done
	adapter.logger.Info("periodic sync stopped")
	return nil
}

// LastSync returns the status of the most recent sync attempt.
func (adapter *Adapter) LastSync() SyncStatus {
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	return adapter.last
}

func (adapter *Adapter) syncContinuously(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(adapter.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = adapter.RunSyncOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (adapter *Adapter) record(status SyncStatus) {
	adapter.mu.Lock()
	adapter.last = status
	onSync := adapter.onSync
	adapter.mu.Unlock()
	if onSync != nil {
		onSync(status)
	}
}

func outcomeOf(err error) string {
	if errors.Is(err, relay.ErrSyncInProgress) {
		return OutcomeBusy
	}
	if kind, ok := relay.KindOf(err); ok {
		return string(kind)
	}
	return OutcomeFailed
}
