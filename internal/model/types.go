package model

import "time"

// SessionStatus is the lifecycle state persisted for a session.
type SessionStatus string

const (
	StatusInitializing SessionStatus = "initializing"
	StatusActive       SessionStatus = "active"
	StatusIdle         SessionStatus = "idle"
	StatusWaiting      SessionStatus = "waiting"
	StatusEnded        SessionStatus = "ended"
	StatusCrashed      SessionStatus = "crashed"
	StatusArchived     SessionStatus = "archived"
)

var allStatuses = []SessionStatus{
	StatusInitializing,
	StatusActive,
	StatusIdle,
	StatusWaiting,
	StatusEnded,
	StatusCrashed,
	StatusArchived,
}

func AllStatuses() []SessionStatus {
	out := make([]SessionStatus, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func ParseStatus(raw string) (SessionStatus, bool) {
	for _, s := range allStatuses {
		if string(s) == raw {
			return s, true
		}
	}
	return "", false
}

// Terminal reports whether the session has stopped running (ended, crashed or archived).
func (s SessionStatus) Terminal() bool {
	return s == StatusEnded || s == StatusCrashed || s == StatusArchived
}

// ActivityLabel is the classifier's view of recent output.
type ActivityLabel string

const (
	ActivityIdle     ActivityLabel = "idle"
	ActivityThinking ActivityLabel = "thinking"
	ActivityWriting  ActivityLabel = "writing"
	ActivityWaiting  ActivityLabel = "waiting"
)

func ParseActivity(raw string) (ActivityLabel, bool) {
	switch ActivityLabel(raw) {
	case ActivityIdle, ActivityThinking, ActivityWriting, ActivityWaiting:
		return ActivityLabel(raw), true
	default:
		return "", false
	}
}

type Session struct {
	SessionID      string
	ConversationID string
	Project        string
	Terminal       string
	SocketPath     string
	TunnelID       string
	Status         SessionStatus
	Activity       ActivityLabel
	ThreadTS       string
	Channel        string
	CreatedAt      time.Time
	LastActivity   time.Time
	LastHeartbeat  *time.Time
	EndedAt        *time.Time
}

// Thread is the notification thread linked to one logical conversation.
type Thread struct {
	ConversationID string
	ThreadTS       string
	Channel        string
	CreatedAt      time.Time
}

type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"
)
