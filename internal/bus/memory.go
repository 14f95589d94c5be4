package bus

import (
	"sync"
	"time"
)

// MemoryBus is a channel-backed Bus for tests and for embedding the core
// in a single process with an in-process producer. It keeps a bounded
// history so Setup(OffsetLatest(n)) can replay the most recent records.
type MemoryBus struct {
	mu      sync.Mutex
	history []Message
	maxHist int

	ch     chan Message
	closed bool
}

// NewMemoryBus returns a MemoryBus retaining up to maxHistory published
// messages for OffsetLatest replay; a maxHistory of zero or less keeps
// every published message.
func NewMemoryBus(maxHistory int) *MemoryBus {
	if maxHistory < 0 {
		maxHistory = 0
	}
	return &MemoryBus{
		maxHist: maxHistory,
		ch:      make(chan Message, 1024),
	}
}

// Publish enqueues a message for the next Consume call and appends it to
// the replay history.
func (m *MemoryBus) Publish(msg Message) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.history = append(m.history, msg)
	if m.maxHist > 0 && len(m.history) > m.maxHist {
		m.history = m.history[len(m.history)-m.maxHist:]
	}
	m.mu.Unlock()

	m.ch <- msg
}

// Setup discards any messages already queued for Consume and replays the
// requested offset's backlog onto the consume channel. Position offsets
// index directly into the retained history; an out-of-range position
// replays nothing.
func (m *MemoryBus) Setup(offset Offset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

drain:
	for {
		select {
		case _, ok := <-m.ch:
			if !ok {
				break drain
			}
		default:
			break drain
		}
	}

	var replay []Message
	if offset.UseLatest {
		n := offset.Latest
		if n > len(m.history) {
			n = len(m.history)
		}
		if n > 0 {
			replay = append(replay, m.history[len(m.history)-n:]...)
		}
	} else if offset.Position >= 0 && offset.Position < int64(len(m.history)) {
		replay = append(replay, m.history[offset.Position:]...)
	}

	for _, msg := range replay {
		select {
		case m.ch <- msg:
		default:
		}
	}
	return nil
}

// Consume blocks until a message is available or timeout elapses.
func (m *MemoryBus) Consume(timeout time.Duration) (Message, error) {
	select {
	case msg, ok := <-m.ch:
		if !ok {
			return Message{}, ErrEndOfStream
		}
		return msg, nil
	case <-time.After(timeout):
		return Message{}, ErrTimeout
	}
}

// IsAlive always reports true for an open MemoryBus; there is no
// underlying connection to probe.
func (m *MemoryBus) IsAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

func (m *MemoryBus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
	return nil
}
