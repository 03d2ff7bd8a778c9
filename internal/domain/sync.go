package domain

// SyncStatus represents the lifecycle state of a tenant's real-time
// synchronization channel.
type SyncStatus string

const (
	SyncDisconnected SyncStatus = "disconnected"
	SyncConnecting   SyncStatus = "connecting"
	SyncConnected    SyncStatus = "connected"
	SyncErrored      SyncStatus = "error"
	SyncFailed       SyncStatus = "failed"
)

// SyncEvent represents an action that triggers a channel state transition.
type SyncEvent string

const (
	SyncEventConnect      SyncEvent = "connect"
	SyncEventConnected    SyncEvent = "connected"
	SyncEventChannelError SyncEvent = "channel_error"
	SyncEventRetry        SyncEvent = "retry"
	SyncEventGiveUp       SyncEvent = "give_up"
	SyncEventDisconnect   SyncEvent = "disconnect"
)

// SyncTransition defines a valid channel state change: an event moves a
// session from Src to Dst.
type SyncTransition struct {
	Event SyncEvent
	Src   SyncStatus
	Dst   SyncStatus
}

// SyncTransitions defines all valid state changes for a sync session.
// "failed" is terminal except for an explicit disconnect (which is what a
// caller-initiated re-subscription does first). This is domain knowledge
// consumed by the FSM adapter.
var SyncTransitions = []SyncTransition{
	{Event: SyncEventConnect, Src: SyncDisconnected, Dst: SyncConnecting},
	{Event: SyncEventConnected, Src: SyncConnecting, Dst: SyncConnected},
	{Event: SyncEventChannelError, Src: SyncConnecting, Dst: SyncErrored},
	{Event: SyncEventChannelError, Src: SyncConnected, Dst: SyncErrored},
	{Event: SyncEventRetry, Src: SyncErrored, Dst: SyncConnecting},
	{Event: SyncEventGiveUp, Src: SyncErrored, Dst: SyncFailed},
	{Event: SyncEventDisconnect, Src: SyncConnecting, Dst: SyncDisconnected},
	{Event: SyncEventDisconnect, Src: SyncConnected, Dst: SyncDisconnected},
	{Event: SyncEventDisconnect, Src: SyncErrored, Dst: SyncDisconnected},
	{Event: SyncEventDisconnect, Src: SyncFailed, Dst: SyncDisconnected},
}

// PresenceEntry describes one client currently connected to a tenant's
// channel.
type PresenceEntry struct {
	ClientID string
	Metadata map[string]any
}

// SyncMessageType discriminates the payloads delivered on a channel.
type SyncMessageType string

const (
	MessageRuleUpdate SyncMessageType = "rule_update"
	MessagePresence   SyncMessageType = "presence"
)

// SyncMessage is one decoded event from the real-time channel. RuleSet
// is set for rule_update messages, Presence for presence snapshots.
type SyncMessage struct {
	Type     SyncMessageType
	RuleSet  *RuleSet
	Presence []PresenceEntry
}
