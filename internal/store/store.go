// Package store persists router state, sessions, registered groups, chat
// metadata, raw messages and scheduled tasks in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("store: not found")

// Well-known router_state keys.
const (
	KeyLastTimestamp      = "last_timestamp"
	KeyLastAgentTimestamp = "last_agent_timestamp"
	KeyLastGroupSync      = "last_group_sync"
)

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at dbPath using the pure-Go sqlite driver.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database and applies the schema.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Router state
// ---------------------------------------------------------------------------

// GetRouterState returns the value for key, or "" when unset.
func (s *Store) GetRouterState(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM router_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func (s *Store) SetRouterState(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO router_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// GetSession returns the continuation token for a group folder, or "".
func (s *Store) GetSession(groupFolder string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT session_id FROM sessions WHERE group_folder = ?`, groupFolder).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func (s *Store) SetSession(groupFolder, sessionID string) error {
	_, err := s.db.Exec(`INSERT INTO sessions (group_folder, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(group_folder) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		groupFolder, sessionID, FormatTimestamp(time.Now()))
	return err
}

func (s *Store) AllSessions() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT group_folder, session_id FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var folder, id string
		if err := rows.Scan(&folder, &id); err != nil {
			return nil, err
		}
		out[folder] = id
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Registered groups
// ---------------------------------------------------------------------------

func (s *Store) SetRegisteredGroup(g RegisteredGroup) error {
	if g.AddedAt.IsZero() {
		g.AddedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO registered_groups (jid, name, folder, trigger_pattern, requires_trigger, added_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET name = excluded.name, trigger_pattern = excluded.trigger_pattern,
			requires_trigger = excluded.requires_trigger`,
		g.JID, g.Name, g.Folder, g.Trigger, g.RequiresTrigger, FormatTimestamp(g.AddedAt))
	if err != nil {
		return fmt.Errorf("register group %s: %w", g.JID, err)
	}
	return nil
}

func (s *Store) GetRegisteredGroup(jid string) (*RegisteredGroup, error) {
	row := s.db.QueryRow(`SELECT jid, name, folder, trigger_pattern, requires_trigger, added_at
		FROM registered_groups WHERE jid = ?`, jid)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return g, err
}

// AllRegisteredGroups returns every registered group keyed by jid.
func (s *Store) AllRegisteredGroups() (map[string]RegisteredGroup, error) {
	rows, err := s.db.Query(`SELECT jid, name, folder, trigger_pattern, requires_trigger, added_at FROM registered_groups`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]RegisteredGroup{}
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out[g.JID] = *g
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(r rowScanner) (*RegisteredGroup, error) {
	var g RegisteredGroup
	var added string
	if err := r.Scan(&g.JID, &g.Name, &g.Folder, &g.Trigger, &g.RequiresTrigger, &added); err != nil {
		return nil, err
	}
	g.AddedAt, _ = ParseTimestamp(added)
	return &g, nil
}

// ---------------------------------------------------------------------------
// Chats
// ---------------------------------------------------------------------------

// StoreChatMetadata upserts discovery metadata. The name is only replaced when
// non-empty and last activity never moves backwards.
func (s *Store) StoreChatMetadata(jid, timestamp, name string) error {
	_, err := s.db.Exec(`INSERT INTO chats (jid, name, last_message_time) VALUES (?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			last_message_time = MAX(chats.last_message_time, excluded.last_message_time)`,
		jid, name, timestamp)
	return err
}

// AllChats returns chats ordered by most recent activity.
func (s *Store) AllChats() ([]ChatInfo, error) {
	rows, err := s.db.Query(`SELECT jid, name, last_message_time FROM chats ORDER BY last_message_time DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChatInfo
	for rows.Next() {
		var c ChatInfo
		if err := rows.Scan(&c.JID, &c.Name, &c.LastMessageTime); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (s *Store) StoreMessage(m Message) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO messages (id, chat_jid, sender, sender_name, content, timestamp, is_from_me)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatJID, m.Sender, m.SenderName, m.Content, NormalizeTimestamp(m.Timestamp), m.IsFromMe)
	if err != nil {
		return fmt.Errorf("store message %s: %w", m.ID, err)
	}
	return nil
}

// GetNewMessages returns messages newer than since across the given chats,
// skipping the assistant's own replies (content prefixed with botPrefix).
// The returned timestamp is the newest one seen, or since when nothing is new.
func (s *Store) GetNewMessages(jids []string, since, botPrefix string) ([]Message, string, error) {
	if len(jids) == 0 {
		return nil, since, nil
	}
	args := []any{since, botPrefix, botPrefix, botPrefix}
	placeholders := make([]string, len(jids))
	for i, jid := range jids {
		placeholders[i] = "?"
		args = append(args, jid)
	}
	query := `SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me FROM messages
		WHERE timestamp > ? AND (? = '' OR substr(content, 1, length(?)) != ?)
		AND chat_jid IN (` + strings.Join(placeholders, ",") + `)
		ORDER BY timestamp`
	msgs, err := s.queryMessages(query, args...)
	if err != nil {
		return nil, since, err
	}
	newest := since
	for _, m := range msgs {
		if m.Timestamp > newest {
			newest = m.Timestamp
		}
	}
	return msgs, newest, nil
}

// GetMessagesSince returns messages for one chat in (since, until], oldest
// first. An empty until means no upper bound.
func (s *Store) GetMessagesSince(chatJID, since, until, botPrefix string) ([]Message, error) {
	query := `SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me FROM messages
		WHERE chat_jid = ? AND timestamp > ? AND (? = '' OR substr(content, 1, length(?)) != ?)`
	args := []any{chatJID, since, botPrefix, botPrefix, botPrefix}
	if until != "" {
		query += ` AND timestamp <= ?`
		args = append(args, until)
	}
	query += ` ORDER BY timestamp`
	return s.queryMessages(query, args...)
}

func (s *Store) queryMessages(query string, args ...any) ([]Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.Sender, &m.SenderName, &m.Content, &m.Timestamp, &m.IsFromMe); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
