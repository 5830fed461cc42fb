package models

import "time"

// EntryKind tags a log entry at creation time.
type EntryKind string

const (
	KindChat         EntryKind = "chat"
	KindSystem       EntryKind = "system"
	KindDiceRoll     EntryKind = "diceRoll"
	KindMasterAction EntryKind = "masterAction"
	KindJournal      EntryKind = "journal"
)

func (k EntryKind) Valid() bool {
	switch k {
	case KindChat, KindSystem, KindDiceRoll, KindMasterAction, KindJournal:
		return true
	}
	return false
}

// Speaker tones used when rendering entries.
const (
	TonePlayer = "player"
	ToneMaster = "master"
	ToneSystem = "system"
	ToneRed    = "red"
	ToneGreen  = "green"
)

// DiceRoll is the outcome of one die.
type DiceRoll struct {
	Sides  int `json:"sides"`
	Result int `json:"result"`
}

// LogEntry is an immutable chat message, system event or journal entry.
type LogEntry struct {
	ID     string    `json:"id"`
	Author string    `json:"author"`
	Text   string    `json:"text"`
	Kind   EntryKind `json:"kind"`
	Role   string    `json:"role,omitempty"`
	Dice   *DiceRoll `json:"dice,omitempty"`

	// ServerTimestamp is assigned by the store on write and defines order.
	ServerTimestamp time.Time `json:"serverTimestamp"`
	// Seq is the store's ordering key, tie-breaking equal timestamps.
	Seq string `json:"seq,omitempty"`
	// DisplayTime is the writer's local wall clock, for display only.
	DisplayTime string `json:"displayTime"`
}
