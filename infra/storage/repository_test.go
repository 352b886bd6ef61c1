package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testDB opens PG_TEST_DSN and skips when it is unset. Each test works on
// unique emails and message ids, so runs can share one database.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.AutoMigrate(&User{}, &RelayEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func uniqueEmail() string { return uuid.NewString() + "@example.test" }

func TestUserRepository(t *testing.T) {
	db := testDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()
	email := uniqueEmail()

	user, err := repo.CreateUser(ctx, " "+email+" ", "hunter2")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if user.ID == 0 || user.Email != email || user.SubscriptionStatus != SubscriptionNone {
		t.Fatalf("user=%+v", user)
	}

	if _, err := repo.CreateUser(ctx, email, "other"); !errors.Is(err, ErrUserAlreadyExists) {
		t.Fatalf("duplicate CreateUser err=%v", err)
	}

	byEmail, err := repo.GetUserByEmail(ctx, email)
	if err != nil || byEmail.ID != user.ID || !byEmail.CheckPassword("hunter2") {
		t.Fatalf("GetUserByEmail=%+v err=%v", byEmail, err)
	}
	if _, err := repo.GetUserByEmail(ctx, uniqueEmail()); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("unknown email err=%v", err)
	}

	if err := repo.SetSubscription(ctx, user.ID, SubscriptionActive, "cus_123"); err != nil {
		t.Fatalf("SetSubscription: %v", err)
	}
	byID, err := repo.GetUserByID(ctx, user.ID)
	if err != nil || byID.SubscriptionStatus != SubscriptionActive || byID.StripeCustomerID != "cus_123" {
		t.Fatalf("GetUserByID=%+v err=%v", byID, err)
	}

	var maxID uint
	if err := db.Model(&User{}).Select("COALESCE(MAX(id), 0)").Scan(&maxID).Error; err != nil {
		t.Fatalf("max id: %v", err)
	}
	if err := repo.SetSubscription(ctx, maxID+1000, SubscriptionActive, ""); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("unknown id err=%v", err)
	}
	if _, err := repo.GetUserByID(ctx, maxID+1000); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("unknown id lookup err=%v", err)
	}
}

func TestUserRepository_UniqueEmailConstraint(t *testing.T) {
	db := testDB(t)
	email := uniqueEmail()
	hashed, err := HashPassword("x")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	if err := db.Create(&User{Email: email, PasswordHash: hashed}).Error; err != nil {
		t.Fatalf("first insert: %v", err)
	}
	// the path CreateUser takes when a concurrent registration wins
	err = db.Create(&User{Email: email, PasswordHash: hashed}).Error
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("second insert err=%v", err)
	}
}

func TestRelayEventRepository_SaveIsIdempotent(t *testing.T) {
	db := testDB(t)
	repo := NewRelayEventRepository(db)
	ctx := context.Background()
	msgID := uuid.NewString()

	for i := 0; i < 2; i++ {
		ev := &RelayEvent{
			MessageID:  msgID,
			SessionID:  msgID,
			Kind:       "chat",
			UserID:     7,
			State:      "completed",
			Bytes:      int64(100 + i),
			StartedAt:  time.Now().UTC(),
			DurationMS: 12,
		}
		if err := repo.Save(ctx, ev); err != nil {
			t.Fatalf("Save #%d: %v", i, err)
		}
	}

	var rows []RelayEvent
	if err := db.Where("message_id = ?", msgID).Find(&rows).Error; err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].Bytes != 100 {
		t.Fatalf("rows=%+v", rows)
	}
}
