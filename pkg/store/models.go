package store

import "time"

// GORM models used for persistence.
type ThreadModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	Title     string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index"`
}

func (ThreadModel) TableName() string { return "threads" }

type MessageModel struct {
	ID        string    `gorm:"primaryKey"`
	ThreadID  string    `gorm:"not null;index"`
	Content   string    `gorm:"type:text;not null"`
	Role      string    `gorm:"not null"`
	UserID    *string   `gorm:"index"`
	CreatedAt time.Time `gorm:"not null;index"`
}

func (MessageModel) TableName() string { return "messages" }
