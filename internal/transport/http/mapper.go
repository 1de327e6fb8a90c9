package http

import (
	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/proto"
)

func historyFromPersisted(msgs []core.PersistedMessage) []proto.HistoryMessage {
	out := make([]proto.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, proto.HistoryMessage{
			ID:        m.ID,
			RoomID:    m.RoomID,
			Sender:    m.Sender,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	return out
}
