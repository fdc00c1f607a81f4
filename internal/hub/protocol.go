package hub

// OutputMessage carries raw child output for one session.
type OutputMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Ts        int64  `json:"ts"`
}

// Session statuses reported in StatusMessage.
const (
	StatusConnected    = "connected"
	StatusStep         = "step"
	StatusFailed       = "failed"
	StatusDisconnected = "disconnected"
)

// StatusMessage reports a session lifecycle change or a completed step.
type StatusMessage struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	Status     string `json:"status"`
	Command    string `json:"command,omitempty"`
	MatchIndex int    `json:"match_index,omitempty"`
	Error      string `json:"error,omitempty"`
	Ts         int64  `json:"ts"`
}

type SessionsMessage struct {
	Type string        `json:"type"`
	List []SessionInfo `json:"list"`
}

type SessionInfo struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Status  string `json:"status"`
}

// ClientMessage is sent by watchers. Only "subscribe" and "unsubscribe" are
// understood; an empty session id subscribes to everything.
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type hubBroadcast struct {
	data      []byte
	sessionID string
}
