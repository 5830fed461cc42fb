package models

// Document and collection paths inside the realtime store.

func SessionPath(id SessionID) string {
	return "campaigns/" + string(id)
}

func SignalingPath(id SessionID) string {
	return SessionPath(id) + "/signaling/broadcast"
}

func CandidatesPath(id SessionID, broadcastID string, side CandidateSide) string {
	return SignalingPath(id) + "/" + broadcastID + "/" + string(side)
}

func LogPath(id SessionID, name string) string {
	return SessionPath(id) + "/" + name
}

func CharacterPath(participantID string) string {
	return "characters/" + participantID
}
