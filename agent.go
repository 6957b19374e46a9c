package rehabflow

// The background agent is host-provided: on mobile/web hosts it can wake
// the coordinator when the application is not in the foreground and report
// completions of transfers it carried out itself.

type AgentMessageType string

const (
	AgentSessionSynced       AgentMessageType = "session-synced"
	AgentVideoUploadComplete AgentMessageType = "video-upload-complete"
)

type AgentMessage struct {
	Type      AgentMessageType `json:"type"`
	SessionID string           `json:"sessionId"`
}

// Agent is implemented by the host. RequestSync asks for a wake-up under
// the given tag some time later; Notifications delivers the agent's
// completion messages. A nil notifications channel means the host never
// notifies.
type Agent interface {
	RequestSync(tag string) error
	Notifications() <-chan AgentMessage
}

// NoopAgent is the default for hosts without background execution.
type NoopAgent struct{}

func (NoopAgent) RequestSync(string) error { return nil }
func (NoopAgent) Notifications() <-chan AgentMessage { return nil }
