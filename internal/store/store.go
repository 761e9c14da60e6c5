// Package store keeps a local sqlite copy of synchronized chats and
// messages so callers can read history without another round-trip through
// the bridge.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"whatsapp-webdriver/internal/msync"
	"whatsapp-webdriver/internal/record"
)

// History is the sqlite-backed message history.
type History struct {
	db *sql.DB
}

// StoredMessage is one row read back from history.
type StoredMessage struct {
	ID        string
	ChatID    string
	Sender    string
	Content   string
	Timestamp time.Time
	FromMe    bool
	MediaType string
	ClientURL string
}

// Open creates (if needed) and opens the history database under dir.
// WAL mode keeps concurrent readers cheap; synchronous=NORMAL keeps writes
// durable without fsync on every statement.
func Open(dir string) (*History, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("store: creating directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL",
		filepath.Join(dir, "history.db"))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS chats (
			jid TEXT PRIMARY KEY,
			name TEXT,
			kind TEXT,
			last_message_time TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT,
			chat_jid TEXT,
			sender TEXT,
			content TEXT,
			timestamp TIMESTAMP,
			is_from_me BOOLEAN,
			media_type TEXT,
			client_url TEXT,
			media_key BLOB,
			file_length INTEGER,
			PRIMARY KEY (id, chat_jid),
			FOREIGN KEY (chat_jid) REFERENCES chats(jid)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: creating tables: %w", err)
	}

	return &History{db: db}, nil
}

// Close releases the database.
func (h *History) Close() error {
	return h.db.Close()
}

// RecordGroups persists one synchronization result inside a single
// transaction, so a failure mid-batch leaves no partial state behind.
func (h *History) RecordGroups(groups []msync.MessageGroup) error {
	tx, err := h.db.Begin()
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, group := range groups {
		last := time.Time{}
		if n := len(group.Messages); n > 0 {
			last = group.Messages[n-1].Timestamp()
		}
		_, err := tx.Exec(
			"INSERT OR REPLACE INTO chats (jid, name, kind, last_message_time) VALUES (?, ?, ?, ?)",
			group.Chat.ID(), group.Chat.Name(), string(group.Chat.Kind()), last,
		)
		if err != nil {
			return fmt.Errorf("store: upserting chat %s: %w", group.Chat.ID(), err)
		}

		for _, msg := range group.Messages {
			if err := insertMessage(tx, group.Chat.ID(), msg); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func insertMessage(tx *sql.Tx, chatID string, msg record.Message) error {
	var content, mediaType, clientURL string
	var mediaKey []byte
	var fileLength int64

	switch m := msg.(type) {
	case record.TextMessage:
		content = m.Text
	case record.MediaMessage:
		content = m.Caption
		mediaType = m.MediaType
		clientURL = m.ClientURL
		mediaKey = m.Keys.MediaKey
		fileLength = m.Size
	case record.ContactCardMessage:
		mediaType = "vcard"
	case record.LocationMessage:
		mediaType = "location"
	case record.SystemMessage:
		mediaType = "system"
		content = m.Subtype
	default:
		// Unknown variants are still recorded by identity so history has
		// no gaps.
	}

	_, err := tx.Exec(
		`INSERT OR REPLACE INTO messages
		(id, chat_jid, sender, content, timestamp, is_from_me, media_type, client_url, media_key, file_length)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID(), chatID, msg.SenderID(), content, msg.Timestamp(), msg.FromMe(),
		mediaType, clientURL, mediaKey, fileLength,
	)
	if err != nil {
		return fmt.Errorf("store: inserting message %s: %w", msg.ID(), err)
	}
	return nil
}

// Messages returns up to limit messages of a chat, newest first.
func (h *History) Messages(chatID string, limit int) ([]StoredMessage, error) {
	rows, err := h.db.Query(
		`SELECT id, chat_jid, sender, content, timestamp, is_from_me, media_type, client_url
		FROM messages WHERE chat_jid = ? ORDER BY timestamp DESC LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: querying messages: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Sender, &m.Content, &m.Timestamp,
			&m.FromMe, &m.MediaType, &m.ClientURL); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Chats returns the known chats keyed by id with their last message time.
func (h *History) Chats() (map[string]time.Time, error) {
	rows, err := h.db.Query("SELECT jid, last_message_time FROM chats ORDER BY last_message_time DESC")
	if err != nil {
		return nil, fmt.Errorf("store: querying chats: %w", err)
	}
	defer rows.Close()

	chats := make(map[string]time.Time)
	for rows.Next() {
		var jid string
		var last time.Time
		if err := rows.Scan(&jid, &last); err != nil {
			return nil, err
		}
		chats[jid] = last
	}
	return chats, rows.Err()
}
