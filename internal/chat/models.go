package chat

import (
	"time"

	"gorm.io/datatypes"
)

// Message is one prompt turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Session struct {
	ID            uint64                       `gorm:"primaryKey;autoIncrement" json:"id,string"`
	UserID        string                       `gorm:"type:varchar(64);index;not null" json:"-"`
	ModelRef      string                       `gorm:"type:varchar(128);not null" json:"modelRef"`
	CharacterRef  string                       `gorm:"type:varchar(128)" json:"characterRef"`
	InputMessages datatypes.JSONSlice[Message] `gorm:"not null" json:"inputMessages"`
	Output        *string                      `gorm:"type:text" json:"output"`
	Status        Status                       `gorm:"type:varchar(16);index;not null" json:"status"`
	Error         *string                      `gorm:"type:text" json:"error,omitempty"`
	CreatedAt     time.Time                    `json:"createdAt"`
	FinishedAt    *time.Time                   `json:"finishedAt"`
}

func (Session) TableName() string { return "chat_sessions" }
