package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-sql-driver/mysql"
	"golang.org/x/crypto/bcrypt"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
)

const mysqlDuplicateEntry = 1062

type userRow struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	Username     string `gorm:"size:64;uniqueIndex"`
	PasswordHash []byte `gorm:"size:60"`
	CreatedAt    time.Time
}

func (userRow) TableName() string { return "users" }

type chatRow struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	Name      string
	IsGroup   bool
	CreatedAt time.Time
}

func (chatRow) TableName() string { return "chats" }

type chatMemberRow struct {
	ChatID int64 `gorm:"primaryKey"`
	UserID int64 `gorm:"primaryKey"`
}

func (chatMemberRow) TableName() string { return "chat_members" }

type messageRow struct {
	ID         int64 `gorm:"primaryKey;autoIncrement"`
	ChatID     int64 `gorm:"index:idx_chat_id_id,priority:1"`
	SenderID   int64
	Content    string `gorm:"type:text"`
	SentAt     time.Time
	EditedAt   *time.Time
	DeletedAll bool
}

func (messageRow) TableName() string { return "messages" }

type messageDeletionRow struct {
	MessageID int64 `gorm:"primaryKey"`
	UserID    int64 `gorm:"primaryKey"`
}

func (messageDeletionRow) TableName() string { return "message_deletions" }

// MySQL implements Store on top of gorm. The *sql.DB connection pool
// underneath provides the concurrency safety required by the dispatcher.
type MySQL struct {
	db *gorm.DB
}

// OpenMySQL connects with the given DSN and migrates the schema.
func OpenMySQL(dsn string) (*MySQL, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.AutoMigrate(&userRow{}, &chatRow{}, &chatMemberRow{}, &messageRow{}, &messageDeletionRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &MySQL{db: db}, nil
}

func (s *MySQL) RegisterUser(ctx context.Context, username, password string) (User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}

	row := userRow{Username: username, PasswordHash: hash}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return User{}, ErrUsernameTaken
		}
		return User{}, err
	}
	return User{ID: row.ID, Username: row.Username}, nil
}

func (s *MySQL) AuthenticateUser(ctx context.Context, username, password string) (User, error) {
	var row userRow
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if bcrypt.CompareHashAndPassword(row.PasswordHash, []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	return User{ID: row.ID, Username: row.Username}, nil
}

func (s *MySQL) LookupUser(ctx context.Context, userID int64) (User, error) {
	var row userRow
	err := s.db.WithContext(ctx).First(&row, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return User{ID: row.ID, Username: row.Username}, nil
}

func (s *MySQL) CreateChat(ctx context.Context, name string, isGroup bool, members []string) (Chat, []Member, error) {
	var chat Chat
	var resolved []Member

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		resolved = resolved[:0]
		for _, username := range members {
			var row userRow
			err := tx.Where("username = ?", username).First(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			if err != nil {
				return err
			}
			resolved = append(resolved, Member{UserID: row.ID, Username: row.Username})
		}

		row := chatRow{Name: name, IsGroup: isGroup}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		for _, m := range resolved {
			if err := tx.Create(&chatMemberRow{ChatID: row.ID, UserID: m.UserID}).Error; err != nil {
				return err
			}
		}
		chat = Chat{ID: row.ID, Name: name, IsGroup: isGroup}
		return nil
	})
	if err != nil {
		return Chat{}, nil, err
	}
	return chat, resolved, nil
}

func (s *MySQL) FindPrivateChat(ctx context.Context, userA, userB string) (int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Raw(`
		SELECT c.id FROM chats c
		JOIN chat_members ma ON ma.chat_id = c.id
		JOIN users ua ON ua.id = ma.user_id
		JOIN chat_members mb ON mb.chat_id = c.id
		JOIN users ub ON ub.id = mb.user_id
		WHERE c.is_group = 0
		  AND ua.username = ? AND ub.username = ?
		  AND (SELECT COUNT(*) FROM chat_members cm WHERE cm.chat_id = c.id) = 2
		LIMIT 1`, userA, userB).Scan(&ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, ErrChatNotFound
	}
	return ids[0], nil
}

func (s *MySQL) SaveMessage(ctx context.Context, chatID, senderID int64, content string) (Message, error) {
	var msg Message

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var chat chatRow
		err := tx.First(&chat, chatID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrChatNotFound
		}
		if err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&chatMemberRow{}).
			Where("chat_id = ? AND user_id = ?", chatID, senderID).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotChatMember
		}

		var sender userRow
		if err := tx.First(&sender, senderID).Error; err != nil {
			return err
		}

		row := messageRow{ChatID: chatID, SenderID: senderID, Content: content, SentAt: time.Now()}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		msg = Message{
			ID:         row.ID,
			ChatID:     chatID,
			SenderID:   senderID,
			SenderName: sender.Username,
			Content:    content,
			SentAt:     row.SentAt.Unix(),
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (s *MySQL) ChatMemberIDs(ctx context.Context, chatID int64) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&chatMemberRow{}).
		Where("chat_id = ?", chatID).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrChatNotFound
	}
	return ids, nil
}

func (s *MySQL) UserChats(ctx context.Context, userID int64) ([]ChatSummary, error) {
	var chats []chatRow
	err := s.db.WithContext(ctx).
		Joins("JOIN chat_members cm ON cm.chat_id = chats.id").
		Where("cm.user_id = ?", userID).
		Find(&chats).Error
	if err != nil {
		return nil, err
	}

	out := make([]ChatSummary, 0, len(chats))
	for _, c := range chats {
		summary := ChatSummary{ChatID: c.ID, Name: c.Name, IsGroup: c.IsGroup}
		var last messageRow
		err := s.db.WithContext(ctx).
			Where("chat_id = ? AND deleted_all = 0", c.ID).
			Where("NOT EXISTS (SELECT 1 FROM message_deletions d WHERE d.message_id = messages.id AND d.user_id = ?)", userID).
			Order("id DESC").
			First(&last).Error
		if err == nil {
			summary.LastMessage = last.Content
			summary.LastSentAt = last.SentAt.Unix()
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSentAt != out[j].LastSentAt {
			return out[i].LastSentAt > out[j].LastSentAt
		}
		return out[i].ChatID > out[j].ChatID
	})
	return out, nil
}

func (s *MySQL) History(ctx context.Context, chatID, userID, beforeMessageID int64, limit int) ([]Message, error) {
	var chat chatRow
	err := s.db.WithContext(ctx).First(&chat, chatID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&chatMemberRow{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNotChatMember
	}

	q := s.db.WithContext(ctx).
		Table("messages").
		Select("messages.id, messages.chat_id, messages.sender_id, users.username AS sender_name, messages.content, messages.sent_at").
		Joins("JOIN users ON users.id = messages.sender_id").
		Where("messages.chat_id = ? AND messages.deleted_all = 0", chatID).
		Where("NOT EXISTS (SELECT 1 FROM message_deletions d WHERE d.message_id = messages.id AND d.user_id = ?)", userID)
	if beforeMessageID > 0 {
		q = q.Where("messages.id < ?", beforeMessageID)
	}

	var rows []struct {
		ID         int64
		ChatID     int64
		SenderID   int64
		SenderName string
		Content    string
		SentAt     time.Time
	}
	if err := q.Order("messages.id DESC").Limit(limit).Scan(&rows).Error; err != nil {
		return nil, err
	}

	// rows are newest-first; return oldest-first
	out := make([]Message, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = Message{
			ID:         r.ID,
			ChatID:     r.ChatID,
			SenderID:   r.SenderID,
			SenderName: r.SenderName,
			Content:    r.Content,
			SentAt:     r.SentAt.Unix(),
		}
	}
	return out, nil
}

func (s *MySQL) DeleteMessageForUser(ctx context.Context, messageID, userID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row messageRow
		err := tx.First(&row, messageID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		del := messageDeletionRow{MessageID: messageID, UserID: userID}
		if err := tx.Create(&del).Error; err != nil {
			var mysqlErr *mysql.MySQLError
			if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
				return nil // already hidden, idempotent
			}
			return err
		}
		return nil
	})
}

func (s *MySQL) DeleteMessageForAll(ctx context.Context, messageID, userID int64) (DeletedInfo, error) {
	var info DeletedInfo

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row messageRow
		err := tx.Raw("SELECT * FROM messages WHERE id = ? FOR UPDATE", messageID).Scan(&row).Error
		if err != nil {
			return err
		}
		if row.ID == 0 {
			return ErrMessageNotFound
		}
		if row.SenderID != userID {
			return ErrNotMessageSender
		}
		if row.DeletedAll {
			return ErrMessageDeleted
		}
		if err := tx.Model(&messageRow{}).Where("id = ?", messageID).
			Update("deleted_all", true).Error; err != nil {
			return err
		}
		info = DeletedInfo{MessageID: messageID, ChatID: row.ChatID}
		return nil
	})
	if err != nil {
		return DeletedInfo{}, err
	}
	return info, nil
}

func (s *MySQL) EditMessage(ctx context.Context, userID, messageID int64, content string) (EditedInfo, error) {
	var info EditedInfo

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row messageRow
		err := tx.Raw("SELECT * FROM messages WHERE id = ? FOR UPDATE", messageID).Scan(&row).Error
		if err != nil {
			return err
		}
		if row.ID == 0 {
			return ErrMessageNotFound
		}
		if row.SenderID != userID {
			return ErrNotMessageSender
		}
		if row.DeletedAll {
			return ErrMessageDeleted
		}

		now := time.Now()
		if err := tx.Model(&messageRow{}).Where("id = ?", messageID).
			Updates(map[string]any{"content": content, "edited_at": now}).Error; err != nil {
			return err
		}
		info = EditedInfo{
			MessageID: messageID,
			ChatID:    row.ChatID,
			Content:   content,
			EditedAt:  now.Unix(),
		}
		return nil
	})
	if err != nil {
		return EditedInfo{}, err
	}
	return info, nil
}

func (s *MySQL) SearchUsers(ctx context.Context, query string) ([]User, error) {
	var rows []userRow
	err := s.db.WithContext(ctx).
		Where("username LIKE ?", "%"+query+"%").
		Order("username").
		Limit(50).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]User, len(rows))
	for i, r := range rows {
		out[i] = User{ID: r.ID, Username: r.Username}
	}
	return out, nil
}
