package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

type fakeClient struct {
	mu        sync.Mutex
	sessionID string
	userID    string
	delivered [][]byte
	closed    bool
	reason    string
	failNext  bool
}

func (c *fakeClient) SessionID() string { return c.sessionID }
func (c *fakeClient) UserID() string    { return c.userID }

func (c *fakeClient) Deliver(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		return errors.New("delivery refused")
	}
	c.delivered = append(c.delivered, payload)
	return nil
}

func (c *fakeClient) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reason = reason
}

func (c *fakeClient) deliveredCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delivered)
}

func (c *fakeClient) lastEvent(t *testing.T) Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.delivered) == 0 {
		t.Fatalf("no deliveries")
	}
	var event Event
	if err := json.Unmarshal(c.delivered[len(c.delivered)-1], &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return event
}

func TestEmitReachesOnlyRoomMembers(t *testing.T) {
	hub := NewHub()
	member := &fakeClient{sessionID: "s1", userID: "usr_a"}
	outsider := &fakeClient{sessionID: "s2", userID: "usr_b"}
	hub.Attach(member)
	hub.Attach(outsider)
	hub.Join("conv_1", member)

	delivered := hub.Emit("conv_1", "message_received", map[string]string{"content": "hi"})

	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	if member.deliveredCount() != 1 || outsider.deliveredCount() != 0 {
		t.Fatalf("wrong recipients: member=%d outsider=%d", member.deliveredCount(), outsider.deliveredCount())
	}
	if event := member.lastEvent(t); event.Type != "message_received" {
		t.Fatalf("unexpected event type %s", event.Type)
	}
}

func TestAttachDisplacesPreviousSession(t *testing.T) {
	hub := NewHub()
	first := &fakeClient{sessionID: "s1", userID: "usr_a"}
	second := &fakeClient{sessionID: "s2", userID: "usr_a"}
	hub.Attach(first)
	hub.Join("conv_1", first)
	hub.Attach(second)

	if !first.closed {
		t.Fatalf("expected first session to be closed")
	}
	hub.Join("conv_1", second)
	if delivered := hub.Emit("conv_1", "message_received", nil); delivered != 1 {
		t.Fatalf("expected only the new session in the room, got %d deliveries", delivered)
	}
	if first.deliveredCount() != 0 {
		t.Fatalf("displaced session must not receive events")
	}
}

func TestLeaveStopsDelivery(t *testing.T) {
	hub := NewHub()
	client := &fakeClient{sessionID: "s1", userID: "usr_a"}
	hub.Attach(client)
	hub.Join("conv_1", client)
	hub.Leave("conv_1", client)

	if delivered := hub.Emit("conv_1", "message_received", nil); delivered != 0 {
		t.Fatalf("expected no deliveries after leave, got %d", delivered)
	}
}

func TestDetachRemovesAllRoomMemberships(t *testing.T) {
	hub := NewHub()
	client := &fakeClient{sessionID: "s1", userID: "usr_a"}
	hub.Attach(client)
	hub.Join("conv_1", client)
	hub.Join("conv_2", client)
	hub.Detach(client)

	if hub.Emit("conv_1", "x", nil) != 0 || hub.Emit("conv_2", "x", nil) != 0 {
		t.Fatalf("detached client still receives room events")
	}
	if hub.EmitToUser("usr_a", "x", nil) {
		t.Fatalf("detached client still reachable by user id")
	}
}

func TestJoinIgnoresUnattachedClient(t *testing.T) {
	hub := NewHub()
	stranger := &fakeClient{sessionID: "s9", userID: "usr_z"}
	hub.Join("conv_1", stranger)

	if delivered := hub.Emit("conv_1", "x", nil); delivered != 0 {
		t.Fatalf("unattached client must not join rooms")
	}
}

func TestEmitToUserTargetsCurrentSession(t *testing.T) {
	hub := NewHub()
	client := &fakeClient{sessionID: "s1", userID: "usr_a"}
	hub.Attach(client)

	if !hub.EmitToUser("usr_a", "new_group_created", map[string]string{"id": "conv_9"}) {
		t.Fatalf("expected delivery to attached user")
	}
	if hub.EmitToUser("usr_missing", "new_group_created", nil) {
		t.Fatalf("expected no delivery for unknown user")
	}
	if event := client.lastEvent(t); event.Type != "new_group_created" {
		t.Fatalf("unexpected event %s", event.Type)
	}
}

func TestEmitCountsOnlySuccessfulDeliveries(t *testing.T) {
	hub := NewHub()
	healthy := &fakeClient{sessionID: "s1", userID: "usr_a"}
	broken := &fakeClient{sessionID: "s2", userID: "usr_b", failNext: true}
	hub.Attach(healthy)
	hub.Attach(broken)
	hub.Join("conv_1", healthy)
	hub.Join("conv_1", broken)

	if delivered := hub.Emit("conv_1", "x", nil); delivered != 1 {
		t.Fatalf("expected 1 successful delivery, got %d", delivered)
	}
}

func TestShutdownClosesEverything(t *testing.T) {
	hub := NewHub()
	a := &fakeClient{sessionID: "s1", userID: "usr_a"}
	b := &fakeClient{sessionID: "s2", userID: "usr_b"}
	hub.Attach(a)
	hub.Attach(b)
	hub.Join("conv_1", a)

	hub.Shutdown()

	if !a.closed || !b.closed {
		t.Fatalf("expected all clients closed")
	}
	if hub.Emit("conv_1", "x", nil) != 0 {
		t.Fatalf("rooms must be empty after shutdown")
	}
}
