// Package initiative implements the turn order of an encounter: pure
// transitions over the turn fields of the session state, and a Machine that
// commits them through the state store.
package initiative

import (
	"sort"

	"github.com/mossy-p/session-sync/internal/models"
)

type Phase int

const (
	NotStarted Phase = iota
	AwaitingFirstTurn
	InTurn
	RoundBoundary
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not started"
	case AwaitingFirstTurn:
		return "awaiting first turn"
	case InTurn:
		return "in turn"
	case RoundBoundary:
		return "round boundary"
	}
	return "unknown"
}

func PhaseOf(st models.SessionState) Phase {
	switch {
	case len(st.InitiativeList) == 0:
		return NotStarted
	case st.CurrentTurnIndex == 0 && st.Round <= 1:
		return AwaitingFirstTurn
	case st.CurrentTurnIndex == 0:
		return RoundBoundary
	default:
		return InTurn
	}
}

// sortDesc orders by value, highest first. Equal values keep their
// relative order.
func sortDesc(list []models.InitiativeEntry) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Value > list[j].Value
	})
}

// AddEntry appends e and re-sorts the whole list. The turn index is left
// alone.
func AddEntry(st models.SessionState, e models.InitiativeEntry) models.SessionState {
	out := st.Clone()
	out.InitiativeList = append(out.InitiativeList, e)
	sortDesc(out.InitiativeList)
	return out
}

// RemoveEntry drops the entry with id. The turn index keeps its position, so
// removing an entry at or before it hands the turn to whoever slides into
// that position. The one exception is an index that would fall off the end:
// the turn index must always address an entry of a non-empty list, so it is
// clamped to the last entry, or to 0 once the list is empty.
func RemoveEntry(st models.SessionState, id string) models.SessionState {
	if len(st.InitiativeList) == 0 {
		return st
	}
	out := st.Clone()
	kept := out.InitiativeList[:0]
	for _, e := range out.InitiativeList {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	out.InitiativeList = kept
	if out.CurrentTurnIndex >= len(kept) {
		out.CurrentTurnIndex = max(len(kept)-1, 0)
	}
	return out
}

// Sort re-sorts the list and hands the turn back to the top of the order.
func Sort(st models.SessionState) models.SessionState {
	if len(st.InitiativeList) == 0 {
		return st
	}
	out := st.Clone()
	sortDesc(out.InitiativeList)
	out.CurrentTurnIndex = 0
	return out
}

// NextTurn advances the turn and reports whether it wrapped into a new
// round.
func NextTurn(st models.SessionState) (models.SessionState, bool) {
	n := len(st.InitiativeList)
	if n == 0 {
		return st, false
	}
	out := st.Clone()
	if out.Round < 1 {
		out.Round = 1
	}
	out.CurrentTurnIndex++
	if out.CurrentTurnIndex < n {
		return out, false
	}
	out.CurrentTurnIndex = 0
	out.Round++
	return out, true
}

// Reset clears the encounter.
func Reset(st models.SessionState) models.SessionState {
	if len(st.InitiativeList) == 0 {
		return st
	}
	out := st.Clone()
	out.InitiativeList = []models.InitiativeEntry{}
	out.CurrentTurnIndex = 0
	out.Round = 1
	return out
}

// fields is the document update that persists the turn fields of st.
func fields(st models.SessionState) map[string]any {
	list := st.InitiativeList
	if list == nil {
		list = []models.InitiativeEntry{}
	}
	return map[string]any{
		models.FieldInitiativeList:   list,
		models.FieldCurrentTurnIndex: st.CurrentTurnIndex,
		models.FieldRound:            st.Round,
	}
}
