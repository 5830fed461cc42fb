package models

// FrameType represents the type of a live update pushed to UI consumers
type FrameType string

const (
	FrameTypeJoin    FrameType = "join"
	FrameTypeLeave   FrameType = "leave"
	FrameTypeState   FrameType = "state"
	FrameTypeChat    FrameType = "chat"
	FrameTypeJournal FrameType = "journal"
	FrameTypeError   FrameType = "error"
)

// Frame is one live update on the session websocket
type Frame struct {
	Type      FrameType `json:"type"`
	From      string    `json:"from,omitempty"`
	SessionID string    `json:"sessionId"`
	Payload   any       `json:"payload,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// PresenceRecord is the online flag attached to a participant's character.
type PresenceRecord struct {
	ParticipantID string `json:"participantId"`
	IsOnline      bool   `json:"isOnline"`
}

// AddInitiativeRequest is the request body for adding a combatant
type AddInitiativeRequest struct {
	Name  string `json:"name" binding:"required"`
	Value int    `json:"value"`
	IsNPC bool   `json:"isNpc"`
}

// PostMessageRequest is the request body for chat and journal entries
type PostMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// RollDiceRequest is the request body for a dice roll
type RollDiceRequest struct {
	Sides int `json:"sides" binding:"required"`
}
