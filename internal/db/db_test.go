package db

import (
	"strings"
	"testing"
)

// Uniqueness for invitations and chat requests must be scoped to pending
// rows: a declined invitation or a rejected request must not permanently
// block a later one between the same pair.
func TestPendingUniquenessIsScopedToPendingRows(t *testing.T) {
	ddl := strings.Join(migrations, "\n")

	for _, idx := range []string{
		"ON invitations (conversation_id, invitee_id) WHERE status = 'pending'",
		"ON chat_requests (requester_id, target_id) WHERE status = 'pending'",
	} {
		if !strings.Contains(ddl, idx) {
			t.Errorf("missing pending-scoped unique index: %s", idx)
		}
	}

	for _, stmt := range migrations {
		if !strings.Contains(stmt, "CREATE TABLE") {
			continue
		}
		if strings.Contains(stmt, "invitations") || strings.Contains(stmt, "chat_requests") {
			if strings.Contains(stmt, "UNIQUE (") {
				t.Errorf("unconditional UNIQUE constraint would block re-invites:\n%s", stmt)
			}
		}
	}
}
