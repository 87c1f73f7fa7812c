package bililive

import "fmt"

// SessionConfig is an immutable snapshot of what is needed to join one
// room: room identity, subscription token, browser identifier, and an
// ordered, non-empty list of candidate WebSocket server URLs.
//
// SessionConfig is produced by the external config builder
// (see package builder) and consumed read-only by the session driver and
// retrying stream. Each live Stream clones its SessionConfig on capture.
type SessionConfig struct {
	roomID  int64
	uid     int64
	token   string
	buvid   string
	servers []string
}

// NewSessionConfig builds a SessionConfig directly, for callers that
// already know their room parameters without going through builder.ConfigBuilder.
// servers must be non-empty.
func NewSessionConfig(roomID, uid int64, token, buvid string, servers []string) (*SessionConfig, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("bililive: SessionConfig requires at least one server")
	}
	cp := make([]string, len(servers))
	copy(cp, servers)
	return &SessionConfig{
		roomID:  roomID,
		uid:     uid,
		token:   token,
		buvid:   buvid,
		servers: cp,
	}, nil
}

func (c *SessionConfig) RoomID() int64 { return c.roomID }
func (c *SessionConfig) UID() int64    { return c.uid }
func (c *SessionConfig) Token() string { return c.token }
func (c *SessionConfig) Buvid() string { return c.buvid }

// Servers returns a defensive copy of the candidate server list.
func (c *SessionConfig) Servers() []string {
	cp := make([]string, len(c.servers))
	copy(cp, c.servers)
	return cp
}

// Clone returns an independent copy, so mutating the clone (e.g. via a
// future setter) never affects the original.
func (c *SessionConfig) Clone() *SessionConfig {
	cp := *c
	cp.servers = c.Servers()
	return &cp
}
