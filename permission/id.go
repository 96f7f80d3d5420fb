package permission

import "github.com/google/uuid"

const requestIDPrefix = "permission_"

// UnifiedRequestID derives the dedup key shared by every wire shape that
// describes the same approval.
func UnifiedRequestID(callID string) string {
	return requestIDPrefix + callID
}

// ResolveCallID returns callID, or a fresh unique id when it is empty.
// Events with a synthesized id never collide with anything else.
func ResolveCallID(callID string) string {
	if callID != "" {
		return callID
	}
	return uuid.Must(uuid.NewV7()).String()
}
