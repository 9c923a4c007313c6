package domain

// RealtimeEvent is a JSON object exchanged over the data channel.
// Only the "type" discriminator is interpreted; everything else is relayed as is.
type RealtimeEvent map[string]any

// Type returns the event's "type" field, or "" when absent or not a string.
func (e RealtimeEvent) Type() string {
	t, _ := e["type"].(string)
	return t
}

// Realtime event types the projector reacts to.
const (
	EventConversationItemCreate    = "conversation.item.create"
	EventConversationItemCreated   = "conversation.item.created"
	EventConversationItemCompleted = "conversation.item.completed"
	EventResponseDone              = "response.done"
	EventSessionUpdate             = "session.update"
	EventSessionUpdated            = "session.updated"
)
