package dialogue

import (
	"time"
)

// RevealInterval is the spacing between parts of a multi-part reply.
const RevealInterval = 1500 * time.Millisecond

// emotionEmoji annotates replies in deep reflection mode. Neutral and
// unknown tags add nothing.
var emotionEmoji = map[string]string{
	"happy":   "😊",
	"sad":     "😢",
	"angry":   "😠",
	"anxious": "😰",
}

// SequenceReply turns a backend reply into ordered timed display events,
// one per string. Event i is revealed i*RevealInterval after reply
// arrival. The resolved mode is attached only to the last event; when an
// emotion annotation applies, the first event's text is prefixed with
// the matching emoji.
//
// Strings are never dropped or reordered, and delays never decrease, so
// the transcript always appends in chronological display order.
func SequenceReply(reply Reply, mode InteractionMode, emotionPrefix string, now time.Time) []ChatMessage {
	events := make([]ChatMessage, 0, len(reply))
	for i, text := range reply {
		eventMode := ModeNone
		if i == len(reply)-1 {
			eventMode = mode
		}
		if i == 0 && emotionPrefix != "" {
			text = emotionPrefix + " " + text
		}
		events = append(events, ChatMessage{
			Text:        text,
			Author:      AuthorBot,
			Mode:        eventMode,
			RevealDelay: time.Duration(i) * RevealInterval,
			Time:        now,
		})
	}
	return events
}

// EmotionPrefix resolves the emoji annotation for a backend emotion tag.
// Annotation applies only in deep reflection mode.
func EmotionPrefix(emotion string, deepReflection bool) string {
	if !deepReflection {
		return ""
	}
	return emotionEmoji[emotion]
}
