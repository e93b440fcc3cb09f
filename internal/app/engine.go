package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"plantchat/internal/rbac"
	"plantchat/internal/store"
	"plantchat/internal/util"
)

// errNoChange signals an idempotent no-op from a lifecycle mutation:
// nothing is persisted and nothing is broadcast.
var errNoChange = errors.New("no change")

// mutateLifecycle runs a read-compute-persist sequence for one
// conversation under its lock. The mutation sees the current row and
// edits it in place; persistence is conditional on the version the row
// was read at.
func (s *Service) mutateLifecycle(ctx context.Context, conversationID string, mutate func(conv *store.Conversation) error) (store.Conversation, bool, error) {
	release := s.locks.lock(conversationID)
	defer release()
	return s.applyLifecycle(ctx, conversationID, mutate)
}

// applyLifecycle requires the conversation lock to be held. The lock
// already serializes local writers; the version-conditioned write catches
// a concurrent writer on another replica, in which case the state is
// re-read and the mutation re-applied once.
func (s *Service) applyLifecycle(ctx context.Context, conversationID string, mutate func(conv *store.Conversation) error) (store.Conversation, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		conv, err := s.store.GetConversation(ctx, conversationID)
		if err != nil {
			return store.Conversation{}, false, err
		}
		expected := conv.Version

		if err := mutate(&conv); err != nil {
			if errors.Is(err, errNoChange) {
				return conv, false, nil
			}
			return store.Conversation{}, false, err
		}

		ok, err := s.store.UpdateLifecycle(ctx, conv, expected)
		if err != nil {
			return store.Conversation{}, false, err
		}
		if ok {
			conv.Version = expected + 1
			return conv, true, nil
		}
	}
	return store.Conversation{}, false, conflict("conversation was modified concurrently, retry", nil)
}

// CreateConversation starts a conversation. The acting user is always a
// participant, whether or not the client listed them.
func (s *Service) CreateConversation(ctx context.Context, session Session, participantIDs []string, kind, title string) (store.Conversation, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = store.KindDirect
	}
	if kind != store.KindDirect && kind != store.KindGroup {
		return store.Conversation{}, validationErr("kind must be direct or group")
	}

	participants := dedupe(append(participantIDs, session.UserID))
	if len(participants) < 2 {
		return store.Conversation{}, validationErr("select at least one other participant")
	}
	if kind == store.KindDirect && len(participants) != 2 {
		return store.Conversation{}, validationErr("direct conversations have exactly two participants")
	}
	for _, participantID := range participants {
		if _, err := s.store.GetUserByID(ctx, participantID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.Conversation{}, notFound("unknown participant " + participantID)
			}
			return store.Conversation{}, err
		}
	}

	conv := store.Conversation{
		ID:               util.NewID("conv"),
		Kind:             kind,
		Title:            strings.TrimSpace(title),
		Status:           store.StatusActive,
		Participants:     participants,
		ClosureApprovals: []string{},
	}
	return s.store.CreateConversation(ctx, conv)
}

// RequestClosure moves an active conversation into closure negotiation.
// The initiator's own approval is counted immediately. Re-requesting by
// the same initiator is a no-op; a competing request is a conflict.
func (s *Service) RequestClosure(ctx context.Context, conversationID string, session Session) (store.Conversation, error) {
	actor := session.UserID
	conv, changed, err := s.mutateLifecycle(ctx, conversationID, func(conv *store.Conversation) error {
		if !conv.HasParticipant(actor) {
			return forbidden("you are not a participant of this conversation")
		}
		switch conv.Status {
		case store.StatusClosed:
			return conflict("conversation is already closed", nil)
		case store.StatusClosureRequested:
			if conv.ClosureRequestInitiator == actor {
				return errNoChange
			}
			return conflict("closure already requested by another participant", nil)
		}
		if conv.HasActiveFlash {
			if conv.FlashSentBy != actor {
				return lockedErr("conversation is frozen until the flash message is acknowledged")
			}
			return conflict("a flash message is awaiting acknowledgment", nil)
		}

		conv.Status = store.StatusClosureRequested
		conv.ClosureRequestInitiator = actor
		conv.ClosureApprovals = []string{actor}
		return nil
	})
	if err != nil {
		return store.Conversation{}, err
	}
	if changed {
		s.events.Emit(conversationID, EventClosureRequested, map[string]any{
			"conversation": conversationPayload(conv),
			"initiator":    session.Username,
		})
	}
	return conv, nil
}

// ApproveClosure records the actor's vote. Approvals are a set, so a
// duplicate vote changes nothing. The vote that completes the set closes
// and archives the conversation; fullyClosed reports whether this call
// was that vote.
func (s *Service) ApproveClosure(ctx context.Context, conversationID string, session Session) (store.Conversation, bool, error) {
	actor := session.UserID
	fullyClosed := false
	conv, changed, err := s.mutateLifecycle(ctx, conversationID, func(conv *store.Conversation) error {
		if conv.Status != store.StatusClosureRequested {
			return conflict("no closure request is pending", nil)
		}
		if !conv.HasParticipant(actor) {
			return forbidden("you are not a participant of this conversation")
		}
		if conv.HasApproved(actor) {
			return errNoChange
		}

		conv.ClosureApprovals = append(conv.ClosureApprovals, actor)
		if conv.FullyApproved() {
			now := time.Now()
			conv.Status = store.StatusClosed
			conv.ArchivedAt = &now
			fullyClosed = true
		}
		return nil
	})
	if err != nil {
		return store.Conversation{}, false, err
	}
	if changed {
		s.events.Emit(conversationID, EventClosureApproved, map[string]any{
			"conversation": conversationPayload(conv),
			"approver":     session.Username,
			"allApproved":  fullyClosed,
		})
	}
	return conv, fullyClosed, nil
}

// SendMessage appends a message. Non-flash sends do not take the
// conversation lock: they are validated against the current state and
// ordered by their persisted timestamp. Flash sends run the full
// lifecycle path.
func (s *Service) SendMessage(ctx context.Context, conversationID string, session Session, content string, isFlash bool) (store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return store.Message{}, validationErr("content is required")
	}
	if isFlash {
		return s.sendFlash(ctx, conversationID, session, content)
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return store.Message{}, err
	}
	if !conv.HasParticipant(session.UserID) {
		return store.Message{}, forbidden("you are not a participant of this conversation")
	}
	if conv.Status == store.StatusClosed {
		return store.Message{}, conflict("conversation is closed", nil)
	}
	if conv.HasActiveFlash && conv.FlashSentBy != session.UserID {
		return store.Message{}, lockedErr("conversation is frozen until the flash message is acknowledged")
	}

	msg, err := s.store.InsertMessage(ctx, store.Message{
		ID:             util.NewID("msg"),
		ConversationID: conversationID,
		SenderID:       session.UserID,
		Content:        content,
	})
	if err != nil {
		return store.Message{}, err
	}
	_ = s.store.TouchConversation(ctx, conversationID)

	s.events.Emit(conversationID, EventMessageReceived, messagePayload(msg))
	return msg, nil
}

// sendFlash freezes the conversation for everyone but the sender until
// acknowledged. The lock fields are reserved under the conversation lock
// before the message row exists; an insert failure rolls the reservation
// back so the conversation is never frozen on a phantom message.
func (s *Service) sendFlash(ctx context.Context, conversationID string, session Session, content string) (store.Message, error) {
	if !s.Can(session.Role, rbac.ActionFlash) {
		return store.Message{}, forbidden("only production management can send flash messages")
	}

	messageID := util.NewID("msg")
	actor := session.UserID
	conv, _, err := s.mutateLifecycle(ctx, conversationID, func(conv *store.Conversation) error {
		if !conv.HasParticipant(actor) {
			return forbidden("you are not a participant of this conversation")
		}
		if conv.Status != store.StatusActive {
			return conflict("flash messages require an active conversation", nil)
		}
		if conv.HasActiveFlash {
			return conflict("a flash message is already awaiting acknowledgment", nil)
		}

		conv.HasActiveFlash = true
		conv.FlashSentBy = actor
		conv.FlashMessageID = messageID
		return nil
	})
	if err != nil {
		return store.Message{}, err
	}

	msg, err := s.store.InsertMessage(ctx, store.Message{
		ID:             messageID,
		ConversationID: conversationID,
		SenderID:       actor,
		Content:        content,
		IsFlash:        true,
	})
	if err != nil {
		_, _, _ = s.mutateLifecycle(ctx, conversationID, func(conv *store.Conversation) error {
			if conv.FlashMessageID != messageID {
				return errNoChange
			}
			conv.HasActiveFlash = false
			conv.FlashSentBy = ""
			conv.FlashMessageID = ""
			return nil
		})
		return store.Message{}, err
	}
	_ = s.store.TouchConversation(ctx, conversationID)

	s.events.Emit(conversationID, EventMessageReceived, messagePayload(msg))
	s.events.Emit(conversationID, EventFlashSent, map[string]any{
		"conversation": conversationPayload(conv),
		"message":      messagePayload(msg),
	})
	return msg, nil
}

// AcknowledgeFlash records the actor in the flash message's viewer set.
// Once every non-sender participant has acknowledged (a single ack for a
// direct conversation), the lock clears and the conversation closes and
// archives immediately, bypassing the voting protocol: the acknowledgment
// is itself the closing act.
func (s *Service) AcknowledgeFlash(ctx context.Context, conversationID string, session Session) (store.Conversation, error) {
	actor := session.UserID
	release := s.locks.lock(conversationID)
	defer release()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return store.Conversation{}, err
	}
	if !conv.HasActiveFlash {
		return store.Conversation{}, conflict("no flash message is awaiting acknowledgment", nil)
	}
	if !conv.HasParticipant(actor) {
		return store.Conversation{}, forbidden("you are not a participant of this conversation")
	}
	if conv.FlashSentBy == actor {
		return store.Conversation{}, forbidden("the flash sender cannot acknowledge their own flash")
	}

	flashMessageID := conv.FlashMessageID
	if err := s.store.AddFlashViewer(ctx, flashMessageID, actor); err != nil {
		return store.Conversation{}, err
	}
	msg, err := s.store.GetMessage(ctx, flashMessageID)
	if err != nil {
		return store.Conversation{}, err
	}

	allAcknowledged := true
	for _, participantID := range conv.Participants {
		if participantID == conv.FlashSentBy {
			continue
		}
		if !msg.ViewedBy(participantID) {
			allAcknowledged = false
			break
		}
	}

	closedNow := false
	if allAcknowledged {
		conv, _, err = s.applyLifecycle(ctx, conversationID, func(conv *store.Conversation) error {
			if !conv.HasActiveFlash {
				return errNoChange
			}
			now := time.Now()
			conv.HasActiveFlash = false
			conv.FlashSentBy = ""
			conv.FlashMessageID = ""
			conv.Status = store.StatusClosed
			conv.ArchivedAt = &now
			return nil
		})
		if err != nil {
			return store.Conversation{}, err
		}
		closedNow = true
	}

	s.events.Emit(conversationID, EventFlashAcknowledged, map[string]any{
		"conversation":   conversationPayload(conv),
		"acknowledgedBy": session.Username,
		"closed":         closedNow,
	})
	return conv, nil
}

// Escalate forks a direct conversation into a new group conversation that
// adds the lab manager, seeded with a copy of one message. The source
// conversation is read-only input: it is not locked, mutated, or closed.
func (s *Service) Escalate(ctx context.Context, conversationID, messageID string, session Session, labManagerID string) (store.Conversation, store.Message, error) {
	if !s.Can(session.Role, rbac.ActionEscalate) {
		return store.Conversation{}, store.Message{}, forbidden("only production management can escalate to a group")
	}

	source, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return store.Conversation{}, store.Message{}, err
	}
	if source.Kind != store.KindDirect {
		return store.Conversation{}, store.Message{}, conflict("only direct conversations can be escalated", nil)
	}

	original, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return store.Conversation{}, store.Message{}, err
	}
	if original.ConversationID != conversationID {
		return store.Conversation{}, store.Message{}, notFound("message does not belong to this conversation")
	}

	labManager, err := s.resolveLabManager(ctx, labManagerID)
	if err != nil {
		return store.Conversation{}, store.Message{}, err
	}

	group, err := s.store.CreateConversation(ctx, store.Conversation{
		ID:               util.NewID("conv"),
		Kind:             store.KindGroup,
		Title:            source.Title,
		Status:           store.StatusActive,
		Participants:     dedupe(append(append([]string{}, source.Participants...), labManager.ID)),
		ClosureApprovals: []string{},
	})
	if err != nil {
		return store.Conversation{}, store.Message{}, err
	}

	// Flash status is never propagated across escalation.
	seed, err := s.store.InsertMessage(ctx, store.Message{
		ID:             util.NewID("msg"),
		ConversationID: group.ID,
		SenderID:       original.SenderID,
		Content:        original.Content,
		IsFlash:        false,
	})
	if err != nil {
		return store.Conversation{}, store.Message{}, err
	}

	payload := map[string]any{
		"conversation":   conversationPayload(group),
		"initialMessage": messagePayload(seed),
	}
	// Nobody has joined the new room yet, so also notify each participant
	// directly.
	s.events.Emit(group.ID, EventGroupCreated, payload)
	for _, participantID := range group.Participants {
		s.events.EmitToUser(participantID, EventGroupCreated, payload)
	}

	return group, seed, nil
}

// resolveLabManager finds the lab-management role holder to pull into an
// escalated group. With several provisioned lab managers the caller must
// pick one explicitly.
func (s *Service) resolveLabManager(ctx context.Context, labManagerID string) (store.User, error) {
	if labManagerID != "" {
		user, err := s.store.GetUserByID(ctx, labManagerID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, notFound("lab manager not found")
		}
		if err != nil {
			return store.User{}, err
		}
		if rbac.Normalize(user.Role) != rbac.RoleLabManager {
			return store.User{}, validationErr("selected user is not a lab manager")
		}
		return user, nil
	}

	labManagers, err := s.store.ListUsersByRole(ctx, string(rbac.RoleLabManager))
	if err != nil {
		return store.User{}, err
	}
	switch len(labManagers) {
	case 0:
		return store.User{}, notFound("no lab manager is provisioned")
	case 1:
		return labManagers[0], nil
	default:
		candidates := make([]map[string]any, 0, len(labManagers))
		for _, user := range labManagers {
			candidates = append(candidates, map[string]any{"id": user.ID, "username": user.Username})
		}
		return store.User{}, conflict("several lab managers exist, select one explicitly", map[string]any{
			"candidates": candidates,
		})
	}
}

// ListConversations returns the active or archived conversations visible
// to the session. Admins see every conversation.
func (s *Service) ListConversations(ctx context.Context, session Session, archived bool) ([]store.Conversation, error) {
	includeAll := rbac.Normalize(session.Role) == rbac.RoleAdmin
	return s.store.ListConversationsForUser(ctx, session.UserID, archived, includeAll)
}

// ListMessages returns the conversation history and records read
// receipts for the viewer as a side effect.
func (s *Service) ListMessages(ctx context.Context, conversationID string, session Session) ([]store.Message, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(session.UserID) && rbac.Normalize(session.Role) != rbac.RoleAdmin {
		return nil, forbidden("you are not a participant of this conversation")
	}

	messages, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	// Read receipts are advisory; failures must not break the listing.
	for _, msg := range messages {
		if msg.SenderID == session.UserID {
			continue
		}
		if containsString(msg.ReadBy, session.UserID) {
			continue
		}
		_ = s.store.MarkMessageRead(ctx, msg.ID, session.UserID)
	}
	return messages, nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		unique = append(unique, value)
	}
	return unique
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
