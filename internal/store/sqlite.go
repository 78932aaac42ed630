package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gordoly/E2EEApp/internal/chat"
)

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	dsn := "file:" + filepath.ToSlash(path) +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// modernc.org/sqlite serializes writers; one connection avoids
	// SQLITE_BUSY churn under concurrent room mutations.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			public_key TEXT NOT NULL DEFAULT '',
			about TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS tokens (
			token TEXT PRIMARY KEY,
			username TEXT NOT NULL REFERENCES users(username)
		);`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			is_group INTEGER NOT NULL,
			owner TEXT NOT NULL REFERENCES users(username)
		);`,
		`CREATE TABLE IF NOT EXISTS room_members (
			room_id INTEGER NOT NULL REFERENCES rooms(id),
			username TEXT NOT NULL REFERENCES users(username),
			PRIMARY KEY (room_id, username)
		);`,
		`CREATE TABLE IF NOT EXISTS invitations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL REFERENCES users(username),
			receiver TEXT NOT NULL REFERENCES users(username),
			room_id INTEGER NOT NULL REFERENCES rooms(id),
			is_group INTEGER NOT NULL,
			status INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_invitations_pair ON invitations(sender, receiver);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			room_id INTEGER NOT NULL REFERENCES rooms(id),
			content TEXT NOT NULL,
			iv TEXT NOT NULL,
			public_key TEXT NOT NULL,
			sent_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_inbox ON messages(room_id, receiver);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// CreateUser provisions a directory entry. Registration proper lives outside
// the relay; this exists for tooling and tests.
func (s *SQLiteStore) CreateUser(ctx context.Context, user chat.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, public_key, about) VALUES (?, ?, ?)`,
		user.Username, user.PublicKey, user.About)
	return err
}

// SaveToken binds token to username, replacing any previous binding.
func (s *SQLiteStore) SaveToken(ctx context.Context, token, username string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (token, username) VALUES (?, ?)
		 ON CONFLICT(token) DO UPDATE SET username = excluded.username`,
		token, username)
	return err
}

func (s *SQLiteStore) UserByToken(ctx context.Context, token string) (string, error) {
	var username string
	err := s.db.QueryRowContext(ctx,
		`SELECT username FROM tokens WHERE token = ?`, token).Scan(&username)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return username, nil
}

func (s *SQLiteStore) Resolve(ctx context.Context, username string) (chat.User, error) {
	var user chat.User
	err := s.db.QueryRowContext(ctx,
		`SELECT username, public_key, about FROM users WHERE username = ?`,
		username).Scan(&user.Username, &user.PublicKey, &user.About)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.User{}, ErrNotFound
	}
	if err != nil {
		return chat.User{}, err
	}
	return user, nil
}

func (s *SQLiteStore) CreateRoom(ctx context.Context, name string, kind chat.RoomKind, owner string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO rooms (name, is_group, owner) VALUES (?, ?, ?)`,
		name, boolInt(kind == chat.KindGroup), owner)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO room_members (room_id, username) VALUES (?, ?)`, id, owner); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLiteStore) Room(ctx context.Context, id int64) (*chat.Room, error) {
	room := &chat.Room{ID: id}
	var isGroup int
	err := s.db.QueryRowContext(ctx,
		`SELECT name, is_group, owner FROM rooms WHERE id = ?`, id).
		Scan(&room.Name, &isGroup, &room.Owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	room.Kind = chat.RoomKind(isGroup == 1)

	rows, err := s.db.QueryContext(ctx,
		`SELECT username FROM room_members WHERE room_id = ? ORDER BY username`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, err
		}
		room.Members = append(room.Members, member)
	}
	return room, rows.Err()
}

func (s *SQLiteStore) AddMember(ctx context.Context, roomID int64, username string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO room_members (room_id, username) VALUES (?, ?)`,
		roomID, username)
	return err
}

func (s *SQLiteStore) RemoveMember(ctx context.Context, roomID int64, username string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM room_members WHERE room_id = ? AND username = ?`,
		roomID, username)
	return err
}

func (s *SQLiteStore) HaveDirectRoom(ctx context.Context, a, b string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rooms r
		 WHERE r.is_group = 0
		   AND EXISTS (SELECT 1 FROM room_members m WHERE m.room_id = r.id AND m.username = ?)
		   AND EXISTS (SELECT 1 FROM room_members m WHERE m.room_id = r.id AND m.username = ?)`,
		a, b).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLiteStore) RoomsWithMember(ctx context.Context, username string, kind chat.RoomKind) ([]chat.Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.name, r.is_group, r.owner, m.username FROM rooms r
		 JOIN room_members m ON m.room_id = r.id
		 WHERE r.is_group = ?
		   AND EXISTS (SELECT 1 FROM room_members x WHERE x.room_id = r.id AND x.username = ?)
		 ORDER BY r.id, m.username`,
		boolInt(kind == chat.KindGroup), username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Room
	for rows.Next() {
		var (
			room    chat.Room
			isGroup int
			member  string
		)
		if err := rows.Scan(&room.ID, &room.Name, &isGroup, &room.Owner, &member); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].ID != room.ID {
			room.Kind = chat.RoomKind(isGroup == 1)
			out = append(out, room)
		}
		out[len(out)-1].Members = append(out[len(out)-1].Members, member)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateInvitation(ctx context.Context, inv chat.Invitation) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO invitations (sender, receiver, room_id, is_group, status)
		 VALUES (?, ?, ?, ?, ?)`,
		inv.Sender, inv.Receiver, inv.RoomID, boolInt(inv.Kind == chat.KindGroup), int(inv.Status))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) Invitation(ctx context.Context, id int64) (*chat.Invitation, error) {
	inv := &chat.Invitation{ID: id}
	var isGroup, status int
	err := s.db.QueryRowContext(ctx,
		`SELECT sender, receiver, room_id, is_group, status FROM invitations WHERE id = ?`,
		id).Scan(&inv.Sender, &inv.Receiver, &inv.RoomID, &isGroup, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.Kind = chat.RoomKind(isGroup == 1)
	inv.Status = chat.InviteStatus(status)
	return inv, nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id int64, status chat.InviteStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invitations SET status = ? WHERE id = ?`, int(status), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DirectInvitesBetween(ctx context.Context, sender, receiver string) ([]chat.Invitation, error) {
	return s.queryInvitations(ctx,
		`SELECT id, sender, receiver, room_id, is_group, status FROM invitations
		 WHERE sender = ? AND receiver = ? AND is_group = 0 ORDER BY id`,
		sender, receiver)
}

func (s *SQLiteStore) InvitationsBySender(ctx context.Context, username string) ([]chat.Invitation, error) {
	return s.queryInvitations(ctx,
		`SELECT id, sender, receiver, room_id, is_group, status FROM invitations
		 WHERE sender = ? ORDER BY id DESC`,
		username)
}

func (s *SQLiteStore) InvitationsByReceiver(ctx context.Context, username string) ([]chat.Invitation, error) {
	return s.queryInvitations(ctx,
		`SELECT id, sender, receiver, room_id, is_group, status FROM invitations
		 WHERE receiver = ? ORDER BY id`,
		username)
}

func (s *SQLiteStore) queryInvitations(ctx context.Context, query string, args ...any) ([]chat.Invitation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Invitation
	for rows.Next() {
		var inv chat.Invitation
		var isGroup, status int
		if err := rows.Scan(&inv.ID, &inv.Sender, &inv.Receiver, &inv.RoomID, &isGroup, &status); err != nil {
			return nil, err
		}
		inv.Kind = chat.RoomKind(isGroup == 1)
		inv.Status = chat.InviteStatus(status)
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, msg chat.Message) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (sender, receiver, room_id, content, iv, public_key, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.Sender, msg.Receiver, msg.RoomID, msg.Content, msg.IV, msg.PublicKey,
		msg.SentAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) DrainMessages(ctx context.Context, roomID int64, receiver string) ([]chat.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, sender, receiver, room_id, content, iv, public_key, sent_at
		 FROM messages WHERE room_id = ? AND receiver = ? ORDER BY id`,
		roomID, receiver)
	if err != nil {
		return nil, err
	}

	var out []chat.Message
	for rows.Next() {
		var msg chat.Message
		var sentAt string
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Receiver, &msg.RoomID,
			&msg.Content, &msg.IV, &msg.PublicKey, &sentAt); err != nil {
			rows.Close()
			return nil, err
		}
		if ts, perr := time.Parse(time.RFC3339Nano, sentAt); perr == nil {
			msg.SentAt = ts
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE room_id = ? AND receiver = ?`, roomID, receiver); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
