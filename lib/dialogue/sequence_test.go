package dialogue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceReply(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("multi part reply", func(t *testing.T) {
		events := SequenceReply(Reply{"first", "second", "third"}, ModeYesNo, "", now)
		require.Len(t, events, 3)

		assert.Equal(t, "first", events[0].Text)
		assert.Equal(t, "second", events[1].Text)
		assert.Equal(t, "third", events[2].Text)

		assert.Equal(t, time.Duration(0), events[0].RevealDelay)
		assert.Equal(t, RevealInterval, events[1].RevealDelay)
		assert.Equal(t, 2*RevealInterval, events[2].RevealDelay)

		// Only the final event carries the mode.
		assert.Equal(t, ModeNone, events[0].Mode)
		assert.Equal(t, ModeNone, events[1].Mode)
		assert.Equal(t, ModeYesNo, events[2].Mode)

		for _, ev := range events {
			assert.Equal(t, AuthorBot, ev.Author)
			assert.Equal(t, now, ev.Time)
		}
	})

	t.Run("single part reply", func(t *testing.T) {
		events := SequenceReply(Reply{"only"}, ModeFreeText, "", now)
		require.Len(t, events, 1)
		assert.Equal(t, ModeFreeText, events[0].Mode)
		assert.Equal(t, time.Duration(0), events[0].RevealDelay)
	})

	t.Run("emotion prefix on first event only", func(t *testing.T) {
		events := SequenceReply(Reply{"hello", "there"}, ModeFreeText, "😊", now)
		require.Len(t, events, 2)
		assert.Equal(t, "😊 hello", events[0].Text)
		assert.Equal(t, "there", events[1].Text)
	})

	t.Run("empty reply", func(t *testing.T) {
		events := SequenceReply(Reply{}, ModeFreeText, "", now)
		assert.Empty(t, events)
	})
}

func TestEmotionPrefix(t *testing.T) {
	tests := []struct {
		emotion        string
		deepReflection bool
		expected       string
	}{
		{"happy", true, "😊"},
		{"sad", true, "😢"},
		{"angry", true, "😠"},
		{"anxious", true, "😰"},
		{"neutral", true, ""},
		{"", true, ""},
		{"happy", false, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, EmotionPrefix(tt.emotion, tt.deepReflection), "emotion=%q deep=%v", tt.emotion, tt.deepReflection)
	}
}
