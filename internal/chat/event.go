package chat

// EventKind enumerates the decoded stream frame flavors.
type EventKind string

const (
	// EventDelta appends text to the in-progress assistant message.
	EventDelta EventKind = "delta"
	// EventMetadata merges structured annotations into the message.
	EventMetadata EventKind = "metadata"
	// EventDone terminates the exchange cleanly.
	EventDone EventKind = "done"
	// EventError terminates the exchange with a failure.
	EventError EventKind = "error"
)

// Event is one decoded unit of the streaming chat protocol.
type Event struct {
	Kind EventKind
	// Text holds the delta fragment for EventDelta, or the wire error
	// message for EventError.
	Text string
	// Metadata is set only for EventMetadata.
	Metadata *Metadata
}
