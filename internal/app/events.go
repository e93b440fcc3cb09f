package app

import (
	"time"

	"plantchat/internal/store"
)

// Realtime event names, one per successful mutation. Escalation emits
// EventGroupCreated both to the new room and per-user.
const (
	EventMessageReceived   = "message_received"
	EventClosureRequested  = "closure_requested"
	EventClosureApproved   = "closure_approved"
	EventFlashSent         = "flash_sent"
	EventFlashAcknowledged = "flash_acknowledged"
	EventGroupCreated      = "new_group_created"
)

func conversationPayload(conv store.Conversation) map[string]any {
	return map[string]any{
		"id":                      conv.ID,
		"kind":                    conv.Kind,
		"title":                   conv.Title,
		"status":                  conv.Status,
		"participants":            conv.Participants,
		"closureRequestInitiator": conv.ClosureRequestInitiator,
		"closureApprovals":        conv.ClosureApprovals,
		"hasActiveFlash":          conv.HasActiveFlash,
		"flashSentBy":             conv.FlashSentBy,
		"archivedAt":              timeOrNil(conv.ArchivedAt),
		"createdAt":               conv.CreatedAt,
		"updatedAt":               conv.UpdatedAt,
	}
}

func messagePayload(msg store.Message) map[string]any {
	return map[string]any{
		"id":             msg.ID,
		"conversationId": msg.ConversationID,
		"sender":         msg.SenderID,
		"content":        msg.Content,
		"isFlash":        msg.IsFlash,
		"flashViewedBy":  msg.FlashViewedBy,
		"readBy":         msg.ReadBy,
		"createdAt":      msg.CreatedAt,
	}
}

func userPayload(user store.User) map[string]any {
	return map[string]any{
		"id":         user.ID,
		"username":   user.Username,
		"role":       user.Role,
		"department": user.Department,
	}
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
