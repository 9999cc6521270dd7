// Package chat holds the local chat model: message construction, input
// validation, the ordered message log, speech bubbles and slash commands.
package chat

import (
	"time"

	"github.com/google/uuid"

	"github.com/pixelplaza/plaza/internal/protocol"
)

// SystemAuthor is the author of locally generated notices.
const SystemAuthor = "System"

// Message is a chat line as carried on the wire.
type Message = protocol.Chat

// NewMessage creates a message authored by author at now.
func NewMessage(author, text string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Author:    author,
		Text:      text,
		Timestamp: now.UnixMilli(),
	}
}

// NewSystemMessage creates a local notice. System messages are never
// broadcast.
func NewSystemMessage(text string, now time.Time) Message {
	return Message{
		ID:        "sys-" + uuid.NewString(),
		Author:    SystemAuthor,
		Text:      text,
		Timestamp: now.UnixMilli(),
	}
}

// IsSystem reports whether m is a local notice.
func IsSystem(m Message) bool {
	return m.Author == SystemAuthor && len(m.ID) > 4 && m.ID[:4] == "sys-"
}
