package app

import "sync"

// conversationLocks hands out one mutex per conversation id so that every
// lifecycle-affecting operation (closure request/approve, flash send/ack)
// runs its read-compute-persist-broadcast sequence alone. Ordinary message
// sends do not take the lock.
//
// Entries are never reaped: conversations are archived, not deleted, and
// the population is small (tens), so the map stays bounded.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for the conversation and returns its release
// function.
func (l *conversationLocks) lock(conversationID string) func() {
	l.mu.Lock()
	m, ok := l.locks[conversationID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[conversationID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
