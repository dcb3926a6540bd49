// Package types provides the core data types for the warden engine.
package types

// SessionState is the lifecycle state of an agent session.
type SessionState string

const (
	StateIdle              SessionState = "idle"
	StateSendingMessage    SessionState = "sending_message"
	StateProcessing        SessionState = "processing"
	StateReceivingResponse SessionState = "receiving_response"
	StateError             SessionState = "error"
)

// SessionInfo is the durable identity of an agent session. The live process
// handle, queue and conversation are owned by the session manager.
type SessionInfo struct {
	ID        string      `json:"id"`
	ParentID  *string     `json:"parentID,omitempty"`
	Directory string      `json:"directory"`
	Title     string      `json:"title,omitempty"`
	Time      SessionTime `json:"time"`
}

// SessionTime contains timestamps for a session.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}
