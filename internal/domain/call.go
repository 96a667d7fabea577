package domain

import (
	"time"

	"github.com/google/uuid"
)

type CallRole string

const (
	RoleCaller CallRole = "caller"
	RoleCallee CallRole = "callee"
)

// CallInfo is the read-only identity of a call session; the signaling
// state machine in app/call owns all mutable state.
type CallInfo struct {
	CallID     string    `json:"callId"`
	LocalUser  UserID    `json:"localUser"`
	RemoteUser UserID    `json:"remoteUser"`
	Role       CallRole  `json:"role"`
	StartedAt  time.Time `json:"startedAt"`
}

func NewCallInfo(local, remote UserID, role CallRole) CallInfo {
	return CallInfo{
		CallID:     uuid.NewString(),
		LocalUser:  local,
		RemoteUser: remote,
		Role:       role,
		StartedAt:  time.Now(),
	}
}
