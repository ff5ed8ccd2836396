package bus

// Discovery topics.
const (
	TopicInstanceDiscovered = "instance.discovered"
	TopicInstanceLost       = "instance.lost"
)

// Connection manager topics.
const (
	TopicConnectionStateChanged = "connection.state_changed"
)

// Upstream event-feed topics.
const (
	TopicFeedOpened = "feed.opened"
	TopicFeedClosed = "feed.closed"
)

// InstanceEvent is published when the discovery service finds or loses an
// agent server instance.
type InstanceEvent struct {
	Port      int    // Listening port of the instance
	PID       int    // Process ID, 0 when unknown
	Directory string // Working directory, "" when not yet queried
	Version   string // Reported server version
}

// ConnectionStateEvent is published on every connection manager state
// transition.
type ConnectionStateEvent struct {
	OldState string // Previous state name (e.g. "healthy")
	NewState string // New state name (e.g. "reconnecting")
	Port     int    // Active endpoint port at transition time
	Err      string // Last error message, "" when none
}

// FeedEvent is published when a directory feed opens or closes.
type FeedEvent struct {
	Directory string // Tracked working directory
}
