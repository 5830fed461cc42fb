package models

import "time"

// SessionID identifies one campaign session.
type SessionID string

// Role is a participant's part in the broadcast.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

func (r Role) Valid() bool {
	return r == RoleHost || r == RoleGuest
}

// InitiativeEntry is one combatant in the turn order.
type InitiativeEntry struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Value int    `json:"value"`
	IsNPC bool   `json:"isNpc"`
}

// SessionState is the session-wide mutable state shared by all participants.
type SessionState struct {
	InitiativeList   []InitiativeEntry `json:"initiativeList"`
	CurrentTurnIndex int               `json:"currentTurnIndex"`
	Round            int               `json:"round"`
	ActiveMapURL     string            `json:"activeMapUrl"`
	ShowGrid         bool              `json:"showGrid"`

	// Version is the store version this state was read at.
	Version int64 `json:"version"`
}

// Field names of SessionState inside the session document.
const (
	FieldInitiativeList   = "initiativeList"
	FieldCurrentTurnIndex = "currentTurnIndex"
	FieldRound            = "round"
	FieldActiveMapURL     = "activeMapUrl"
	FieldShowGrid         = "showGrid"
)

// Clone returns a copy that shares no memory with s.
func (s SessionState) Clone() SessionState {
	out := s
	if s.InitiativeList != nil {
		out.InitiativeList = make([]InitiativeEntry, len(s.InitiativeList))
		copy(out.InitiativeList, s.InitiativeList)
	}
	return out
}

// Current returns the entry whose turn it is.
func (s SessionState) Current() (InitiativeEntry, bool) {
	if s.CurrentTurnIndex < 0 || s.CurrentTurnIndex >= len(s.InitiativeList) {
		return InitiativeEntry{}, false
	}
	return s.InitiativeList[s.CurrentTurnIndex], true
}

// SessionMetadata stores information about a session
type SessionMetadata struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`      // Short, shareable join code
	CreatorID string    `json:"creatorId"` // User ID from the token that created the session
	CreatedAt time.Time `json:"createdAt"`
}

// CreateSessionRequest is the request body for creating a session
type CreateSessionRequest struct {
	ActiveMapURL string `json:"activeMapUrl,omitempty"`
}

// CreateSessionResponse is the response for creating a session
type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
}

// SessionView is what a lookup returns to UI consumers.
type SessionView struct {
	SessionMetadata
	State SessionState `json:"state"`
}
