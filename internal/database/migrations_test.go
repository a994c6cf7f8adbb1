package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chatrelay/internal/chat"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func TestOpenSQLiteAppliesSettledSeqNumIndex(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	var record migrationRecord
	if err := database.Where("name = ?", migrationUniqueSettledSeqNum).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	appID := uuid.New()
	base := chat.Message{Chatroom: "general", Text: "hi", AppID: appID, Sender: "alice", Timestamp: time.Now().UTC()}

	unsentA, unsentB := base, base
	if err := database.Create(&unsentA).Error; err != nil {
		testContext.Fatalf("failed to insert first unsent message: %v", err)
	}
	if err := database.Create(&unsentB).Error; err != nil {
		testContext.Fatalf("expected unsent messages to share seq_num 0: %v", err)
	}

	settledA, settledB := base, base
	settledA.SeqNum = 7
	settledB.SeqNum = 7
	if err := database.Create(&settledA).Error; err != nil {
		testContext.Fatalf("failed to insert settled message: %v", err)
	}
	if err := database.Create(&settledB).Error; err == nil {
		testContext.Fatalf("expected duplicate settled seq_num to be rejected")
	}
}

func TestApplyMigrationsIsIdempotent(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "reopen.db")

	first, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	testContext.Cleanup(func() {
		if sqlDB, err := first.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := applyMigrations(first, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-applying migrations to succeed: %v", err)
	}

	var count int64
	if err := first.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected a single migration record, got %d", count)
	}
}
