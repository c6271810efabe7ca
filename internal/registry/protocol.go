package registry

import (
	"encoding/json"
	"time"

	"github.com/g960059/termrelay/internal/model"
)

type Command string

const (
	CmdRegister     Command = "REGISTER"
	CmdUnregister   Command = "UNREGISTER"
	CmdHeartbeat    Command = "HEARTBEAT"
	CmdUpdateStatus Command = "UPDATE_STATUS"
	CmdGet          Command = "GET"
	CmdList         Command = "LIST"
)

// maxMessageBytes bounds one request or reply line.
const maxMessageBytes = 1 << 20

type Request struct {
	Command Command         `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type RegisterData struct {
	SessionID      string `json:"session_id"`
	Project        string `json:"project"`
	Terminal       string `json:"terminal"`
	SocketPath     string `json:"socket_path"`
	VibeTunnelID   string `json:"vibe_tunnel_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type SessionRef struct {
	SessionID string `json:"session_id"`
}

type StatusData struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type Reply struct {
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Session  *SessionInfo  `json:"session,omitempty"`
	Sessions []SessionInfo `json:"sessions,omitempty"`
}

// SessionInfo is the wire form of a session record.
type SessionInfo struct {
	SessionID      string     `json:"session_id"`
	ConversationID string     `json:"conversation_id"`
	Project        string     `json:"project"`
	Terminal       string     `json:"terminal"`
	SocketPath     string     `json:"socket_path"`
	VibeTunnelID   string     `json:"vibe_tunnel_id,omitempty"`
	Status         string     `json:"status"`
	Activity       string     `json:"activity"`
	ThreadTS       string     `json:"thread_ts"`
	Channel        string     `json:"channel"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivity   time.Time  `json:"last_activity"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

func sessionInfo(sess model.Session) SessionInfo {
	return SessionInfo{
		SessionID:      sess.SessionID,
		ConversationID: sess.ConversationID,
		Project:        sess.Project,
		Terminal:       sess.Terminal,
		SocketPath:     sess.SocketPath,
		VibeTunnelID:   sess.TunnelID,
		Status:         string(sess.Status),
		Activity:       string(sess.Activity),
		ThreadTS:       sess.ThreadTS,
		Channel:        sess.Channel,
		CreatedAt:      sess.CreatedAt,
		LastActivity:   sess.LastActivity,
		LastHeartbeat:  sess.LastHeartbeat,
		EndedAt:        sess.EndedAt,
	}
}

// RegisterResult is one of Registered, Unavailable or Failed.
type RegisterResult interface {
	registerResult()
}

type Registered struct {
	Thread  string
	Channel string
	Session SessionInfo
}

// Unavailable means no registry is running; the proxy carries on without one.
type Unavailable struct{}

type Failed struct {
	Reason string
}

func (Registered) registerResult()  {}
func (Unavailable) registerResult() {}
func (Failed) registerResult()      {}
