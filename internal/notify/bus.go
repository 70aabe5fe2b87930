// Package notify is a small publish/subscribe port for user-facing notices
// (toasts in the UI). It is passed explicitly to whoever publishes.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level of a notice
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notice is one user-facing message
type Notice struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId,omitempty"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Publisher is the port components publish through
type Publisher interface {
	Publish(n Notice)
}

// Bus fans notices out to subscribers. Slow subscribers miss notices rather
// than block publishers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Notice
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Notice)}
}

// Subscribe returns a notice channel and a function that cancels the
// subscription and closes the channel
func (b *Bus) Subscribe(buffer int) (<-chan Notice, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Notice, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish stamps n with an id and time and delivers it to every subscriber
func (b *Bus) Publish(n Notice) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Discard is a Publisher that drops everything
type Discard struct{}

func (Discard) Publish(Notice) {}
