package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"threadchat/pkg/domain"
)

const migrateLockID int64 = 51873307

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&ThreadModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM messages m
				WHERE NOT EXISTS (SELECT 1 FROM threads t WHERE t.id = m.thread_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'messages'
					AND constraint_name = 'messages_thread_id_fkey'
				) THEN
					ALTER TABLE messages
					ADD CONSTRAINT messages_thread_id_fkey
					FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'messages'
					AND constraint_name = 'messages_role_check'
				) THEN
					ALTER TABLE messages
					ADD CONSTRAINT messages_role_check CHECK (role IN ('user', 'assistant'));
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure message constraints: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// ListThreads returns the user's threads, most recently updated first.
func (s *GormStore) ListThreads(ctx context.Context, userID string) ([]domain.Thread, error) {
	var models []ThreadModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Thread, 0, len(models))
	for _, m := range models {
		res = append(res, threadFromModel(m))
	}
	return res, nil
}

// InsertThread creates a thread row and returns it as stored.
func (s *GormStore) InsertThread(ctx context.Context, thread domain.Thread) (domain.Thread, error) {
	model := threadToModel(thread)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Thread{}, err
	}
	return threadFromModel(model), nil
}

// UpdateThreadTitle renames a thread and bumps updated_at.
func (s *GormStore) UpdateThreadTitle(ctx context.Context, userID, id, title string) error {
	res := s.db.WithContext(ctx).Model(&ThreadModel{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]any{
			"title":      title,
			"updated_at": time.Now().UTC(),
		})
	return rowsAffected(res)
}

// UpdateThreadTimestamp sets updated_at to at.
func (s *GormStore) UpdateThreadTimestamp(ctx context.Context, userID, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&ThreadModel{}).
		Where("id = ? AND user_id = ?", id, userID).
		UpdateColumn("updated_at", at.UTC())
	return rowsAffected(res)
}

// DeleteThread removes a thread; its messages go with it through the FK cascade.
func (s *GormStore) DeleteThread(ctx context.Context, userID, id string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Delete(&ThreadModel{})
	return rowsAffected(res)
}

// ListMessages returns messages of the given threads in chronological order.
func (s *GormStore) ListMessages(ctx context.Context, threadIDs []string) ([]domain.Message, error) {
	if len(threadIDs) == 0 {
		return []domain.Message{}, nil
	}
	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("thread_id IN ?", threadIDs).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs, nil
}

// InsertMessage records a message.
func (s *GormStore) InsertMessage(ctx context.Context, msg domain.Message) error {
	model := messageToModel(msg)
	return s.db.WithContext(ctx).Create(&model).Error
}

func rowsAffected(res *gorm.DB) error {
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func threadToModel(t domain.Thread) ThreadModel {
	return ThreadModel{
		ID:        t.ID,
		UserID:    t.UserID,
		Title:     t.Title,
		CreatedAt: t.CreatedAt.UTC(),
		UpdatedAt: t.UpdatedAt.UTC(),
	}
}

func threadFromModel(m ThreadModel) domain.Thread {
	return domain.Thread{
		ID:        m.ID,
		UserID:    m.UserID,
		Title:     m.Title,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	var userID *string
	if msg.UserID != nil && strings.TrimSpace(*msg.UserID) != "" {
		value := strings.TrimSpace(*msg.UserID)
		userID = &value
	}
	return MessageModel{
		ID:        msg.ID,
		ThreadID:  msg.ThreadID,
		Content:   msg.Content,
		Role:      string(msg.Role),
		UserID:    userID,
		CreatedAt: msg.CreatedAt.UTC(),
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		Content:   m.Content,
		Role:      domain.Role(m.Role),
		UserID:    m.UserID,
		CreatedAt: m.CreatedAt,
	}
}
