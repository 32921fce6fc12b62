package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

// Uniqueness for invitations and chat requests is scoped to pending rows via
// partial indexes: a declined invitation or a rejected request must not block
// a later one between the same pair.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id SERIAL PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            password VARCHAR(255) NOT NULL,
            last_seen TIMESTAMP,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS conversations (
            id SERIAL PRIMARY KEY,
            type VARCHAR(10) CHECK (type IN ('one-to-one', 'group')) DEFAULT 'one-to-one',
            name VARCHAR(100),
            description TEXT,
            capacity INT DEFAULT 0,
            visibility VARCHAR(10) CHECK (visibility IN ('public', 'private')) DEFAULT 'private',
            created_by INT REFERENCES users(id),
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS participants (
            conversation_id INT REFERENCES conversations(id) ON DELETE CASCADE,
            user_id INT REFERENCES users(id) ON DELETE CASCADE,
            role VARCHAR(10) CHECK (role IN ('admin', 'member')) DEFAULT 'member',
            joined_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (conversation_id, user_id)
        )`,

	`CREATE TABLE IF NOT EXISTS messages (
            id SERIAL PRIMARY KEY,
            conversation_id INT REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id INT REFERENCES users(id) ON DELETE CASCADE,
            content TEXT NOT NULL,
            type VARCHAR(10) CHECK (type IN ('text', 'system')) DEFAULT 'text',
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS message_reads (
            message_id INT REFERENCES messages(id) ON DELETE CASCADE,
            user_id INT REFERENCES users(id) ON DELETE CASCADE,
            read_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (message_id, user_id)
        )`,

	`CREATE TABLE IF NOT EXISTS invitations (
            id SERIAL PRIMARY KEY,
            conversation_id INT REFERENCES conversations(id) ON DELETE CASCADE,
            inviter_id INT REFERENCES users(id) ON DELETE CASCADE,
            invitee_id INT REFERENCES users(id) ON DELETE CASCADE,
            status VARCHAR(10) CHECK (status IN ('pending', 'accepted', 'declined')) DEFAULT 'pending',
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE UNIQUE INDEX IF NOT EXISTS invitations_pending_unique ON invitations (conversation_id, invitee_id) WHERE status = 'pending'`,

	`CREATE TABLE IF NOT EXISTS chat_requests (
            id SERIAL PRIMARY KEY,
            requester_id INT REFERENCES users(id) ON DELETE CASCADE,
            target_id INT REFERENCES users(id) ON DELETE CASCADE,
            status VARCHAR(10) CHECK (status IN ('pending', 'accepted', 'rejected')) DEFAULT 'pending',
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE UNIQUE INDEX IF NOT EXISTS chat_requests_pending_unique ON chat_requests (requester_id, target_id) WHERE status = 'pending'`,
}

func (d *Database) AutoMigrate() error {
	for _, query := range migrations {
		_, err := d.Conn.Exec(query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
