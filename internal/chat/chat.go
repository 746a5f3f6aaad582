// Package chat derives the follow-up conversation shown after a research
// report from a session timeline.
package chat

import (
	"github.com/user/researchview/internal/types"
)

// DeriveThread returns the chat thread of a timeline: every chat record and
// every question record except the first, in sequence order. The first
// question is the research prompt itself and belongs to the report view.
func DeriveThread(records []types.Record) []types.ChatMessage {
	thread := []types.ChatMessage{}
	seenQuestion := false
	for _, rec := range records {
		switch rec.Kind {
		case types.KindQuestion:
			if !seenQuestion {
				seenQuestion = true
				continue
			}
		case types.KindChat:
		default:
			continue
		}
		thread = append(thread, toMessage(rec))
	}
	return thread
}

func toMessage(rec types.Record) types.ChatMessage {
	msg := types.ChatMessage{
		Type:    rec.Kind,
		Content: rec.DisplayText,
		Seq:     rec.Seq,
	}
	if rec.Rendered {
		msg.HTML = rec.RenderedHTML
	}
	if rec.Metadata.Kind != types.MetadataNone {
		meta := rec.Metadata.Clone()
		msg.Metadata = &meta
	}
	return msg
}

// LastAnswer returns the most recent chat reply, if any.
func LastAnswer(thread []types.ChatMessage) (types.ChatMessage, bool) {
	for i := len(thread) - 1; i >= 0; i-- {
		if thread[i].Type == types.KindChat {
			return thread[i], true
		}
	}
	return types.ChatMessage{}, false
}
