package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrNotParticipant   = errors.New("user is not a participant of this conversation")
	ErrNotAdmin         = errors.New("user is not an admin of this group")
	ErrConversationFull = errors.New("group is at capacity")
	ErrNotFound         = errors.New("not found")
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// ---------------------------------------------
// Membership
// ---------------------------------------------

func (r *Repository) IsParticipant(ctx context.Context, conversationID, userID int) (bool, error) {
	var exists bool
	query := "SELECT EXISTS (SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2)"
	err := r.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&exists)
	return exists, err
}

func (r *Repository) IsAdmin(ctx context.Context, conversationID, userID int) (bool, error) {
	var exists bool
	query := "SELECT EXISTS (SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2 AND role = 'admin')"
	err := r.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&exists)
	return exists, err
}

func (r *Repository) AddParticipant(ctx context.Context, conversationID, userID int, role string) error {
	query := `INSERT INTO participants (conversation_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, user_id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, conversationID, userID, role)
	return err
}

func (r *Repository) RemoveParticipant(ctx context.Context, conversationID, userID int) error {
	query := "DELETE FROM participants WHERE conversation_id = $1 AND user_id = $2"
	res, err := r.db.ExecContext(ctx, query, conversationID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotParticipant
	}
	return nil
}

func (r *Repository) CountParticipants(ctx context.Context, conversationID int) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM participants WHERE conversation_id = $1", conversationID).Scan(&n)
	return n, err
}

func (r *Repository) GetParticipants(ctx context.Context, conversationID int) ([]Participant, error) {
	query := `
		SELECT u.id, u.username, p.role, u.last_seen
		FROM participants p
		JOIN users u ON p.user_id = u.id
		WHERE p.conversation_id = $1
		ORDER BY p.joined_at
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		var p Participant
		var lastSeen sql.NullTime
		if err := rows.Scan(&p.ID, &p.Username, &p.Role, &lastSeen); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			t := lastSeen.Time
			p.LastSeen = &t
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (r *Repository) GetParticipantIDs(ctx context.Context, conversationID int) ([]int, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT user_id FROM participants WHERE conversation_id = $1", conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---------------------------------------------
// Conversations
// ---------------------------------------------

// FindOneToOne returns the id of the existing one-to-one conversation between
// two users, or 0 when none exists.
func (r *Repository) FindOneToOne(ctx context.Context, userA, userB int) (int, error) {
	query := `
		SELECT c.id FROM conversations c
		JOIN participants pa ON pa.conversation_id = c.id AND pa.user_id = $1
		JOIN participants pb ON pb.conversation_id = c.id AND pb.user_id = $2
		WHERE c.type = 'one-to-one'
		LIMIT 1
	`
	var id int
	err := r.db.QueryRowContext(ctx, query, userA, userB).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

func (r *Repository) CreateConversation(ctx context.Context, conv *Conversation, memberIDs []int, adminID int) (*Conversation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO conversations (type, name, description, capacity, visibility, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err = tx.QueryRowContext(ctx, query,
		conv.Type, conv.Name, conv.Description, conv.Capacity, conv.Visibility, conv.CreatedBy,
	).Scan(&conv.ID, &conv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	for _, id := range memberIDs {
		role := RoleMember
		if id == adminID {
			role = RoleAdmin
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO participants (conversation_id, user_id, role) VALUES ($1, $2, $3)
			 ON CONFLICT (conversation_id, user_id) DO NOTHING`,
			conv.ID, id, role)
		if err != nil {
			return nil, fmt.Errorf("add participant %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return conv, nil
}

func (r *Repository) GetConversation(ctx context.Context, conversationID int) (*Conversation, error) {
	conv := &Conversation{}
	var name, description, visibility sql.NullString
	var capacity, createdBy sql.NullInt64

	query := `SELECT id, type, name, description, capacity, visibility, created_by, created_at
		FROM conversations WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, conversationID).Scan(
		&conv.ID, &conv.Type, &name, &description, &capacity, &visibility, &createdBy, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	conv.Name = name.String
	conv.Description = description.String
	conv.Capacity = int(capacity.Int64)
	conv.Visibility = visibility.String
	conv.CreatedBy = int(createdBy.Int64)

	conv.Participants, err = r.GetParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	conv.LastMessage, err = r.lastMessage(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (r *Repository) ListConversations(ctx context.Context, userID int) ([]*Conversation, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT conversation_id FROM participants WHERE user_id = $1", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	conversations := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := r.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

func (r *Repository) UpdateGroup(ctx context.Context, conversationID int, name, description string, capacity int, visibility string) error {
	query := `UPDATE conversations SET name = $1, description = $2, capacity = $3, visibility = $4
		WHERE id = $5 AND type = 'group'`
	res, err := r.db.ExecContext(ctx, query, name, description, capacity, visibility, conversationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------
// Messages
// ---------------------------------------------

func (r *Repository) SaveMessage(ctx context.Context, msg *Message) (*Message, error) {
	query := `INSERT INTO messages (conversation_id, sender_id, content, type)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at`
	err := r.db.QueryRowContext(ctx, query,
		msg.ConversationID, msg.SenderID, msg.Content, msg.Type,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *Repository) lastMessage(ctx context.Context, conversationID int) (*Message, error) {
	msg := &Message{}
	query := `
		SELECT m.id, m.conversation_id, m.sender_id, u.username, m.content, m.type, m.created_at
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.conversation_id = $1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT 1
	`
	err := r.db.QueryRowContext(ctx, query, conversationID).Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Username, &msg.Content, &msg.Type, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// GetMessages loads history newest-first. Pass before = 0 for the latest page;
// otherwise only messages with an id lower than before are returned.
func (r *Repository) GetMessages(ctx context.Context, conversationID, before, limit int) ([]*Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := `
		SELECT m.id, m.conversation_id, m.sender_id, u.username, m.content, m.type, m.created_at
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.conversation_id = $1 AND ($2 = 0 OR m.id < $2)
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Username,
			&msg.Content, &msg.Type, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkMessagesRead records a read receipt for every message in the conversation
// that the reader did not send. Re-reading is a no-op.
func (r *Repository) MarkMessagesRead(ctx context.Context, conversationID, readerID int) error {
	query := `
		INSERT INTO message_reads (message_id, user_id)
		SELECT m.id, $2 FROM messages m
		WHERE m.conversation_id = $1 AND m.sender_id <> $2
		ON CONFLICT (message_id, user_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query, conversationID, readerID)
	return err
}

// ---------------------------------------------
// Invitations & chat requests
// ---------------------------------------------

// CreateInvitation inserts a pending invitation. Returns (nil, nil) when the
// invitee already has a pending one for this conversation; handled
// invitations do not block a re-invite.
func (r *Repository) CreateInvitation(ctx context.Context, conversationID, inviterID, inviteeID int) (*Invitation, error) {
	inv := &Invitation{
		ConversationID: conversationID,
		InviterID:      inviterID,
		InviteeID:      inviteeID,
		Status:         StatusPending,
	}
	query := `
		INSERT INTO invitations (conversation_id, inviter_id, invitee_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, invitee_id) WHERE status = 'pending' DO NOTHING
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query, conversationID, inviterID, inviteeID).Scan(&inv.ID, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *Repository) GetInvitation(ctx context.Context, invitationID int) (*Invitation, error) {
	inv := &Invitation{}
	var convName sql.NullString
	query := `
		SELECT i.id, i.conversation_id, c.name, i.inviter_id, u.username, i.invitee_id, i.status, i.created_at
		FROM invitations i
		JOIN conversations c ON i.conversation_id = c.id
		JOIN users u ON i.inviter_id = u.id
		WHERE i.id = $1
	`
	err := r.db.QueryRowContext(ctx, query, invitationID).Scan(
		&inv.ID, &inv.ConversationID, &convName, &inv.InviterID, &inv.InviterName,
		&inv.InviteeID, &inv.Status, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.ConversationName = convName.String
	return inv, nil
}

func (r *Repository) UpdateInvitationStatus(ctx context.Context, invitationID int, status string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE invitations SET status = $1 WHERE id = $2 AND status = 'pending'", status, invitationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateChatRequest inserts a pending request. Returns (nil, nil) when a
// pending request between the pair already exists; a rejected request does
// not block a new one.
func (r *Repository) CreateChatRequest(ctx context.Context, requesterID, targetID int) (*ChatRequest, error) {
	req := &ChatRequest{
		RequesterID: requesterID,
		TargetID:    targetID,
		Status:      StatusPending,
	}
	query := `
		INSERT INTO chat_requests (requester_id, target_id)
		VALUES ($1, $2)
		ON CONFLICT (requester_id, target_id) WHERE status = 'pending' DO NOTHING
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query, requesterID, targetID).Scan(&req.ID, &req.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (r *Repository) GetChatRequest(ctx context.Context, requestID int) (*ChatRequest, error) {
	req := &ChatRequest{}
	query := `
		SELECT cr.id, cr.requester_id, u.username, cr.target_id, cr.status, cr.created_at
		FROM chat_requests cr
		JOIN users u ON cr.requester_id = u.id
		WHERE cr.id = $1
	`
	err := r.db.QueryRowContext(ctx, query, requestID).Scan(
		&req.ID, &req.RequesterID, &req.RequesterName, &req.TargetID, &req.Status, &req.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (r *Repository) UpdateChatRequestStatus(ctx context.Context, requestID int, status string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE chat_requests SET status = $1 WHERE id = $2 AND status = 'pending'", status, requestID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
