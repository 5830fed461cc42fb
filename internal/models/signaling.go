package models

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// SignalingRecord is the single live negotiation record of a session.
type SignalingRecord struct {
	BroadcastID string                     `json:"broadcastId"`
	Offer       *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer      *webrtc.SessionDescription `json:"answer,omitempty"`
	Timestamp   time.Time                  `json:"timestamp"`
}

// CandidateSide names the collection a role publishes its ICE candidates to.
type CandidateSide string

const (
	OfferCandidates  CandidateSide = "offerCandidates"
	AnswerCandidates CandidateSide = "answerCandidates"
)

// PublishesTo is the candidate collection written by r.
func (r Role) PublishesTo() CandidateSide {
	if r == RoleHost {
		return OfferCandidates
	}
	return AnswerCandidates
}

// ListensTo is the candidate collection read by r.
func (r Role) ListensTo() CandidateSide {
	if r == RoleHost {
		return AnswerCandidates
	}
	return OfferCandidates
}
