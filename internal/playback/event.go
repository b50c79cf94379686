package playback

// Source records what caused a local player transition. It is attached when
// the event is created so the controller never has to infer causation.
type Source int

const (
	// SourceEmbed is a transition the player reported with no pending command,
	// e.g. the viewer used the embedded player's own controls.
	SourceEmbed Source = iota
	// SourceLocalUserAction is a transition caused by a local user gesture.
	SourceLocalUserAction
	// SourceLocalAutonomous is a transition the adapter started itself (loop on end).
	SourceLocalAutonomous
	// SourceRemoteApplied is a transition caused by applying a remote update.
	SourceRemoteApplied
)

func (s Source) String() string {
	switch s {
	case SourceEmbed:
		return "embed"
	case SourceLocalUserAction:
		return "user"
	case SourceLocalAutonomous:
		return "autonomous"
	case SourceRemoteApplied:
		return "remote"
	default:
		return "unknown"
	}
}

// EventType is the normalized player state a transition entered.
type EventType int

const (
	EventUnstarted EventType = iota
	EventPlaying
	EventPaused
	EventEnded
	EventBuffering
)

func (t EventType) String() string {
	switch t {
	case EventUnstarted:
		return "UNSTARTED"
	case EventPlaying:
		return "PLAYING"
	case EventPaused:
		return "PAUSED"
	case EventEnded:
		return "ENDED"
	case EventBuffering:
		return "BUFFERING"
	default:
		return "UNKNOWN"
	}
}

// Event is one local player transition.
type Event struct {
	Type     EventType
	Position float64
	Source   Source
	// Err is set when the player rejected the loaded reference.
	Err error
}
