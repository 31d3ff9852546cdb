package chat

import "slices"

// Apply folds one stream event into an assistant message and returns the
// updated copy. It has no side effects and never mutates its inputs; ID,
// Role, and Timestamp pass through unchanged for every event kind.
//
// An error event replaces the accumulated content with a user-facing failure
// string. Partial streamed text is deliberately discarded rather than shown
// as if it were a complete answer.
func Apply(m Message, ev Event) Message {
	switch ev.Kind {
	case EventDelta:
		m.Content += ev.Text
	case EventMetadata:
		m.Metadata = mergeMetadata(m.Metadata, ev.Metadata)
	case EventDone:
		m.IsStreaming = false
	case EventError:
		m.IsStreaming = false
		m.Content = failureText(ev.Text)
	}
	return m
}

// mergeMetadata shallow-merges in over old into a fresh value: scalars are
// overwritten only when the incoming value is non-empty, lists are unioned
// in first-appearance order. Neither argument is mutated.
func mergeMetadata(old, in *Metadata) *Metadata {
	if in == nil {
		return old
	}

	var out Metadata
	if old != nil {
		out = *old
		out.Tools = slices.Clone(old.Tools)
		out.Sources = slices.Clone(old.Sources)
	}

	if in.Phase != "" {
		out.Phase = in.Phase
	}
	if in.Intent != "" {
		out.Intent = in.Intent
	}
	if in.RunID != "" {
		out.RunID = in.RunID
	}
	out.Tools = unionStrings(out.Tools, in.Tools)
	out.Sources = unionStrings(out.Sources, in.Sources)

	return &out
}

func unionStrings(base, extra []string) []string {
	for _, s := range extra {
		if !slices.Contains(base, s) {
			base = append(base, s)
		}
	}
	return base
}

// failureText is the user-facing content written into an assistant message
// when an exchange cannot be completed.
func failureText(detail string) string {
	if detail == "" {
		detail = "the coaching service did not respond"
	}
	return "Sorry, this reply could not be completed: " + detail
}
