package chat

import "time"

const (
	ConversationOneToOne = "one-to-one"
	ConversationGroup    = "group"

	MessageText   = "text"
	MessageSystem = "system"

	RoleAdmin  = "admin"
	RoleMember = "member"

	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusDeclined = "declined"
	StatusRejected = "rejected"
)

// Participant is a user summary embedded in a conversation view.
// Online and LastSeen are stamped from live presence, not the database,
// except LastSeen which falls back to the persisted value.
type Participant struct {
	ID       int        `json:"id"`
	Username string     `json:"username"`
	Role     string     `json:"role"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type Conversation struct {
	ID           int           `json:"id"`
	Type         string        `json:"type"` // 'one-to-one' or 'group'
	Name         string        `json:"name,omitempty"`
	Description  string        `json:"description,omitempty"`
	Capacity     int           `json:"capacity,omitempty"` // 0 = unlimited
	Visibility   string        `json:"visibility,omitempty"`
	CreatedBy    int           `json:"created_by,omitempty"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"last_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

type Message struct {
	ID             int       `json:"id"`
	ConversationID int       `json:"conversation_id"`
	SenderID       int       `json:"sender_id"`
	Username       string    `json:"username"` // Denormalized for UI speed
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	ReadBy         []int     `json:"read_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type Invitation struct {
	ID               int       `json:"id"`
	ConversationID   int       `json:"conversation_id"`
	ConversationName string    `json:"conversation_name,omitempty"`
	InviterID        int       `json:"inviter_id"`
	InviterName      string    `json:"inviter_name,omitempty"`
	InviteeID        int       `json:"invitee_id"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
}

type ChatRequest struct {
	ID            int       `json:"id"`
	RequesterID   int       `json:"requester_id"`
	RequesterName string    `json:"requester_name,omitempty"`
	TargetID      int       `json:"target_id"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}
