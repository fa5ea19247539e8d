package domain

import "time"

// Participant is one user's presence in a call as seen by the roster.
// A departed participant keeps its record with Left set and Source cleared.
type Participant struct {
	User          UserID    `json:"user"`
	Date          time.Time `json:"date"`
	LastActive    time.Time `json:"last_active,omitzero"`
	Source        Source    `json:"source"`
	Speaking      bool      `json:"speaking"`
	Muted         bool      `json:"muted"`
	CanSelfUnmute bool      `json:"can_self_unmute"`
	Left          bool      `json:"left"`
	Version       int       `json:"version"`
}

// ParticipantUpdate is a before/after pair. Was is nil for a new participant,
// Now is nil for one that left.
type ParticipantUpdate struct {
	Was *Participant
	Now *Participant
}

// ParticipantEntry is a roster entry as pushed by the server.
// LastActive is zero when the server did not send an active date.
type ParticipantEntry struct {
	User          UserID
	Date          time.Time
	LastActive    time.Time
	Source        Source
	Left          bool
	Muted         bool
	CanSelfUnmute bool
	Version       int
}

// LevelSample is one audio level reading reported by the media engine.
type LevelSample struct {
	Source Source
	Level  float32
}

// LevelUpdate is a level sample annotated for observers.
type LevelUpdate struct {
	Source Source
	Level  float32
	Self   bool
}
