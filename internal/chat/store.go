package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	identityRowID  = 1
	watermarkRowID = 1
)

const (
	opStoreNew               = "chat.store.new"
	opIdentity               = "chat.identity"
	opCompleteRegistration   = "chat.complete_registration"
	opInsertChatroom         = "chat.insert_chatroom"
	opUpsertPeer             = "chat.upsert_peer"
	opAppendMessage          = "chat.append_message"
	opApplyDownloadedMessage = "chat.apply_downloaded_message"
	opListChatrooms          = "chat.list_chatrooms"
	opListPeers              = "chat.list_peers"
	opListMessages           = "chat.list_messages"
	opOutboundQueue          = "chat.outbound_queue"
	opWatermark              = "chat.watermark"

	reasonMissingDatabase   = "missing_database"
	reasonQueryFailed       = "query_failed"
	reasonTransactionFailed = "transaction_failed"

	fieldChatroom = "chatroom"
	fieldPeer     = "peer"
	fieldSeqNum   = "seq_num"
	fieldLocalID  = "local_id"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreError wraps a durable storage failure with an operation-scoped code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code of the failure.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the durable local log of chatrooms, peers, messages, the sync
// watermark and the device identity. Every method runs in its own transaction.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store over an initialized database.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Identity returns the device identity. Before registration it is the zero
// identity with a nil app id; nothing is written.
func (store *Store) Identity(ctx context.Context) (Identity, error) {
	var identity Identity
	err := store.db.WithContext(ctx).Where("id = ?", identityRowID).Take(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{ID: identityRowID}, nil
	}
	if err != nil {
		store.logError(opIdentity, reasonQueryFailed, err)
		return Identity{}, newStoreError(opIdentity, reasonQueryFailed, err)
	}
	return identity, nil
}

// CompleteRegistration seeds the self peer, the default chatroom, the
// watermark and the persistent identity in a single transaction.
func (store *Store) CompleteRegistration(ctx context.Context, registration Registration) error {
	chatName, err := NewChatName(registration.ChatName)
	if err != nil {
		return err
	}
	defaultChatroom, err := NewChatroomName(registration.DefaultChatroom)
	if err != nil {
		return err
	}
	serverAddress := strings.TrimSpace(registration.ServerAddress)
	if serverAddress == "" {
		return fmt.Errorf("%s: server address is required", opCompleteRegistration)
	}
	if registration.AppID == uuid.Nil {
		return fmt.Errorf("%s: app id is required", opCompleteRegistration)
	}
	timestamp := registration.Timestamp
	if timestamp.IsZero() {
		timestamp = store.clock()
	}
	timestamp = timestamp.UTC()

	err = store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		self := Peer{
			Name:      chatName,
			Timestamp: timestamp,
			Latitude:  floatPointer(registration.Location.Latitude),
			Longitude: floatPointer(registration.Location.Longitude),
		}
		if err := upsertPeer(tx, &self); err != nil {
			return err
		}
		if err := insertChatroom(tx, defaultChatroom); err != nil {
			return err
		}
		if err := ensureWatermark(tx); err != nil {
			return err
		}
		if err := ensureIdentity(tx, registration.AppID); err != nil {
			return err
		}
		return tx.Model(&Identity{}).
			Where("id = ?", identityRowID).
			Updates(map[string]any{
				"chat_name":      chatName,
				"server_address": serverAddress,
				"registered_at":  timestamp,
			}).Error
	})
	if err != nil {
		store.logError(opCompleteRegistration, reasonTransactionFailed, err, zap.String(fieldPeer, chatName))
		return newStoreError(opCompleteRegistration, reasonTransactionFailed, err)
	}
	return nil
}

// InsertChatroom stores the chatroom unless one with the same name exists.
func (store *Store) InsertChatroom(ctx context.Context, name string) error {
	chatroom, err := NewChatroomName(name)
	if err != nil {
		return err
	}
	if err := insertChatroom(store.db.WithContext(ctx), chatroom); err != nil {
		store.logError(opInsertChatroom, reasonQueryFailed, err, zap.String(fieldChatroom, chatroom))
		return newStoreError(opInsertChatroom, reasonQueryFailed, err)
	}
	return nil
}

// UpsertPeer stores the peer or overwrites timestamp and location of the peer with the same name.
func (store *Store) UpsertPeer(ctx context.Context, peer Peer) error {
	name := strings.TrimSpace(peer.Name)
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPeerName)
	}
	record := peer
	record.ID = 0
	record.Name = name
	if record.Timestamp.IsZero() {
		record.Timestamp = store.clock()
	}
	record.Timestamp = record.Timestamp.UTC()
	if err := upsertPeer(store.db.WithContext(ctx), &record); err != nil {
		store.logError(opUpsertPeer, reasonQueryFailed, err, zap.String(fieldPeer, name))
		return newStoreError(opUpsertPeer, reasonQueryFailed, err)
	}
	return nil
}

// AppendMessage durably appends a locally authored message to the outbound
// queue, inserting its chatroom when new. The local id is written back.
func (store *Store) AppendMessage(ctx context.Context, message *Message) error {
	if message == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	chatroom, err := NewChatroomName(message.Chatroom)
	if err != nil {
		return err
	}
	if strings.TrimSpace(message.Text) == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidMessage)
	}
	if strings.TrimSpace(message.Sender) == "" {
		return fmt.Errorf("%w: empty sender", ErrInvalidMessage)
	}
	if message.AppID == uuid.Nil {
		return fmt.Errorf("%w: missing app id", ErrInvalidMessage)
	}
	if message.SeqNum != 0 {
		return fmt.Errorf("%w: local message must be unsent, got %d", ErrInvalidSequenceNumber, message.SeqNum)
	}

	record := *message
	record.ID = 0
	record.Chatroom = chatroom
	if record.Timestamp.IsZero() {
		record.Timestamp = store.clock()
	}
	record.Timestamp = record.Timestamp.UTC()

	err = store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := insertChatroom(tx, chatroom); err != nil {
			return err
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		store.logError(opAppendMessage, reasonTransactionFailed, err, zap.String(fieldChatroom, chatroom))
		return newStoreError(opAppendMessage, reasonTransactionFailed, err)
	}
	*message = record
	return nil
}

// ApplyDownloadedMessage applies a server-ordered message and raises the
// watermark to its sequence number in one transaction.
//
// A message carrying selfAppID is an echo of a local message: its seq_num is
// set on the row with the echoed local id. Any other message is inserted under
// a fresh local id. Re-applying an already stored message changes nothing.
func (store *Store) ApplyDownloadedMessage(ctx context.Context, selfAppID uuid.UUID, message Message) (MessageOutcome, error) {
	if message.SeqNum <= 0 {
		return MessageOutcome{}, fmt.Errorf("%w: %d", ErrInvalidSequenceNumber, message.SeqNum)
	}
	chatroom, err := NewChatroomName(message.Chatroom)
	if err != nil {
		return MessageOutcome{}, err
	}
	message.Chatroom = chatroom
	if message.Timestamp.IsZero() {
		message.Timestamp = store.clock()
	}
	message.Timestamp = message.Timestamp.UTC()

	var outcome MessageOutcome
	err = store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := insertChatroom(tx, chatroom); err != nil {
			return err
		}

		applied := false
		if message.AppID == selfAppID {
			result := tx.Model(&Message{}).
				Where("id = ? AND app_id = ? AND seq_num = 0", message.ID, selfAppID).
				Update("seq_num", message.SeqNum)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 1 {
				applied = true
				outcome = MessageOutcome{Kind: MessageSettled, LocalID: message.ID}
			}
		}

		if !applied {
			record := message
			record.ID = 0
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				var existing Message
				if err := tx.Select("id").Where("seq_num = ?", message.SeqNum).Take(&existing).Error; err != nil {
					return err
				}
				outcome = MessageOutcome{Kind: MessageDuplicate, LocalID: existing.ID}
			} else {
				outcome = MessageOutcome{Kind: MessageInserted, LocalID: record.ID}
			}
		}

		watermark, err := raiseWatermark(tx, message.SeqNum)
		if err != nil {
			return err
		}
		outcome.Watermark = watermark
		return nil
	})
	if err != nil {
		store.logError(opApplyDownloadedMessage, reasonTransactionFailed, err,
			zap.String(fieldChatroom, chatroom),
			zap.Int64(fieldSeqNum, message.SeqNum),
			zap.Int64(fieldLocalID, message.ID))
		return MessageOutcome{}, newStoreError(opApplyDownloadedMessage, reasonTransactionFailed, err)
	}
	return outcome, nil
}

// Chatrooms returns every known chatroom ordered by name.
func (store *Store) Chatrooms(ctx context.Context) ([]Chatroom, error) {
	var chatrooms []Chatroom
	if err := store.db.WithContext(ctx).Order("name ASC").Find(&chatrooms).Error; err != nil {
		store.logError(opListChatrooms, reasonQueryFailed, err)
		return nil, newStoreError(opListChatrooms, reasonQueryFailed, err)
	}
	return chatrooms, nil
}

// Peers returns every known peer ordered by name.
func (store *Store) Peers(ctx context.Context) ([]Peer, error) {
	var peers []Peer
	if err := store.db.WithContext(ctx).Order("name ASC").Find(&peers).Error; err != nil {
		store.logError(opListPeers, reasonQueryFailed, err)
		return nil, newStoreError(opListPeers, reasonQueryFailed, err)
	}
	return peers, nil
}

// Messages returns the messages of a chatroom: settled ones in server order,
// followed by unsent ones in posting order.
func (store *Store) Messages(ctx context.Context, chatroom string) ([]Message, error) {
	name, err := NewChatroomName(chatroom)
	if err != nil {
		return nil, err
	}
	var messages []Message
	if err := store.db.WithContext(ctx).
		Where("chatroom = ?", name).
		Order("CASE WHEN seq_num = 0 THEN 1 ELSE 0 END, seq_num ASC, id ASC").
		Find(&messages).Error; err != nil {
		store.logError(opListMessages, reasonQueryFailed, err, zap.String(fieldChatroom, name))
		return nil, newStoreError(opListMessages, reasonQueryFailed, err)
	}
	return messages, nil
}

// OutboundQueue returns the messages the server has not yet acknowledged.
func (store *Store) OutboundQueue(ctx context.Context) ([]Message, error) {
	var messages []Message
	if err := store.db.WithContext(ctx).
		Where("seq_num = 0").
		Order("id ASC").
		Find(&messages).Error; err != nil {
		store.logError(opOutboundQueue, reasonQueryFailed, err)
		return nil, newStoreError(opOutboundQueue, reasonQueryFailed, err)
	}
	return messages, nil
}

// Watermark returns the last sequence number incorporated from the server.
func (store *Store) Watermark(ctx context.Context) (int64, error) {
	var watermark Watermark
	err := store.db.WithContext(ctx).Where("id = ?", watermarkRowID).Take(&watermark).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		store.logError(opWatermark, reasonQueryFailed, err)
		return 0, newStoreError(opWatermark, reasonQueryFailed, err)
	}
	return watermark.LastSeqNum, nil
}

// ensureIdentity creates the identity row with appID. An existing row keeps its app id.
func ensureIdentity(tx *gorm.DB, appID uuid.UUID) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Identity{ID: identityRowID, AppID: appID}).Error
}

func insertChatroom(tx *gorm.DB, name string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Chatroom{Name: name}).Error
}

func upsertPeer(tx *gorm.DB, peer *Peer) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"timestamp", "latitude", "longitude"}),
	}).Create(peer).Error
}

func ensureWatermark(tx *gorm.DB) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Watermark{ID: watermarkRowID, LastSeqNum: 0}).Error
}

// raiseWatermark keeps last_seq_num at the running maximum of applied sequence numbers.
func raiseWatermark(tx *gorm.DB, seqNum int64) (int64, error) {
	if err := ensureWatermark(tx); err != nil {
		return 0, err
	}
	if err := tx.Model(&Watermark{}).
		Where("id = ? AND last_seq_num < ?", watermarkRowID, seqNum).
		Update("last_seq_num", seqNum).Error; err != nil {
		return 0, err
	}
	var watermark Watermark
	if err := tx.Where("id = ?", watermarkRowID).Take(&watermark).Error; err != nil {
		return 0, err
	}
	return watermark.LastSeqNum, nil
}

func (store *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger := noOpLogger
	if store != nil && store.logger != nil {
		logger = store.logger
	}
	logger.Error("chat store error", attrs...)
}
