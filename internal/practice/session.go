// Package practice manages the lifecycle of a peer-practice session: it asks
// the external matcher for a partner, binds the resulting session to the
// realtime transport, and owns the paired connect/disconnect calls.
package practice

import (
	"sort"

	"github.com/asep/peerpractice/internal/message"
)

// Preferred proficiency levels for match requests.
const (
	LevelBeginner     = "BEGINNER"
	LevelIntermediate = "INTERMEDIATE"
	LevelAdvanced     = "ADVANCED"
)

// Session status values. ENDED is terminal; a new match creates a new
// session with a new id.
const (
	StatusActive = "ACTIVE"
	StatusEnded  = "ENDED"
)

// MatchRequest is the criteria sent to the external matcher.
type MatchRequest struct {
	Topic            string `json:"topic"`
	Scenario         string `json:"scenario"`
	PreferredLevel   string `json:"preferredLevel,omitempty"`
	EnableAIFeedback bool   `json:"enableAiFeedback,omitempty"`
}

// Session is the descriptor returned by the matcher. Both participants own
// it equally: either may end it. The matcher guarantees at most one ACTIVE
// session per participant; this layer trusts that and does not arbitrate.
type Session struct {
	ID              int64   `json:"id"`
	Learner1ID      int64   `json:"learner1Id"`
	Learner1Name    string  `json:"learner1Name"`
	Learner2ID      int64   `json:"learner2Id"`
	Learner2Name    string  `json:"learner2Name"`
	Topic           string  `json:"topic"`
	Scenario        string  `json:"scenario"`
	PreferredLevel  string  `json:"preferredLevel,omitempty"`
	Status          string  `json:"status"`
	WebsocketURL    string  `json:"websocketUrl"`
	StartTime       *string `json:"startTime,omitempty"`
	EndTime         *string `json:"endTime,omitempty"`
	DurationMinutes *int    `json:"durationMinutes,omitempty"`
	AIFeedback      *string `json:"aiFeedback,omitempty"`
}

// Partner returns the other participant's id and name from selfID's point
// of view.
func (s *Session) Partner(selfID int64) (int64, string) {
	if s.Learner1ID == selfID {
		return s.Learner2ID, s.Learner2Name
	}
	return s.Learner1ID, s.Learner1Name
}

// IsParticipant reports whether the given learner is part of this session.
func (s *Session) IsParticipant(learnerID int64) bool {
	return s.Learner1ID == learnerID || s.Learner2ID == learnerID
}

// SortByTimestamp orders messages by creation time, not arrival order.
// Frames from the chat and AI-feedback topics may interleave either way, so
// rendering must not rely on delivery order across topics.
func SortByTimestamp(msgs []message.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
}
