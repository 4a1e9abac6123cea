package db

import (
	"fmt"
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// chatSessionV1 is the chat_sessions schema as of the first migration.
type chatSessionV1 struct {
	ID            uint64         `gorm:"primaryKey;autoIncrement"`
	UserID        string         `gorm:"type:varchar(64);index;not null"`
	ModelRef      string         `gorm:"type:varchar(128);not null"`
	CharacterRef  string         `gorm:"type:varchar(128)"`
	InputMessages datatypes.JSON `gorm:"not null"`
	Output        *string        `gorm:"type:text"`
	Status        string         `gorm:"type:varchar(16);index;not null"`
	Error         *string        `gorm:"type:text"`
	CreatedAt     time.Time
	FinishedAt    *time.Time
}

func (chatSessionV1) TableName() string { return "chat_sessions" }

func Migrator(gdb *gorm.DB) *gormigrate.Gormigrate {
	return gormigrate.New(gdb, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "0001_chat_sessions",
			Migrate: func(tx *gorm.DB) error {
				return tx.Migrator().CreateTable(&chatSessionV1{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("chat_sessions")
			},
		},
		{
			ID: "0002_chat_sessions_user_created",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec("CREATE INDEX idx_chat_sessions_user_created ON chat_sessions (user_id, created_at)").Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropIndex(&chatSessionV1{}, "idx_chat_sessions_user_created")
			},
		},
	})
}

func Migrate(gdb *gorm.DB) error {
	if err := Migrator(gdb).Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
