package store

import "time"

const (
	KindDirect = "direct"
	KindGroup  = "group"
)

const (
	StatusActive           = "active"
	StatusClosureRequested = "closure_requested"
	StatusClosed           = "closed"
)

type User struct {
	ID         string
	Username   string
	Role       string
	Department string
	CreatedAt  time.Time
}

// Conversation is the source of truth for lifecycle state. Participants,
// ClosureApprovals and the flash fields are only ever mutated through
// UpdateLifecycle, which is conditional on Version.
type Conversation struct {
	ID                      string
	Kind                    string
	Title                   string
	Status                  string
	Participants            []string
	ClosureRequestInitiator string
	ClosureApprovals        []string
	HasActiveFlash          bool
	FlashSentBy             string
	FlashMessageID          string
	ArchivedAt              *time.Time
	Version                 int64
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

func (c *Conversation) HasApproved(userID string) bool {
	for _, id := range c.ClosureApprovals {
		if id == userID {
			return true
		}
	}
	return false
}

// FullyApproved reports whether every participant is in the approval set.
// Approvals are always a subset of participants, so set equality reduces
// to covering the participant list.
func (c *Conversation) FullyApproved() bool {
	for _, id := range c.Participants {
		if !c.HasApproved(id) {
			return false
		}
	}
	return true
}

type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	IsFlash        bool
	FlashViewedBy  []string
	ReadBy         []string
	CreatedAt      time.Time
}

func (m *Message) ViewedBy(userID string) bool {
	for _, id := range m.FlashViewedBy {
		if id == userID {
			return true
		}
	}
	return false
}
