package snapshot

import (
	"sync"

	"signal-desk/internal/domain"
)

const subscriberBuffer = 4

// Bus holds the last published snapshot and fans it out to subscribers. Slow subscribers drop
// intermediate snapshots rather than blocking the publisher.
type Bus struct {
	mu     sync.RWMutex
	latest *domain.Snapshot
	seq    int64
	subs   map[int]chan domain.Snapshot
	nextID int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan domain.Snapshot)}
}

// Publish stamps the snapshot with the next sequence number and stores it as the latest.
func (b *Bus) Publish(s domain.Snapshot) domain.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	s.Sequence = b.seq
	latest := s
	b.latest = &latest

	// sends are non-blocking; mu stays held so cancel cannot close a channel mid-send
	for _, ch := range b.subs {
		select {
		case ch <- s:
		default:
			// drop the oldest so the newest always lands
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
	return s
}

func (b *Bus) Latest() (domain.Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.latest == nil {
		return domain.Snapshot{}, false
	}
	return *b.latest, true
}

// Subscribe returns a channel of snapshots and a cancel func that closes it.
func (b *Bus) Subscribe() (<-chan domain.Snapshot, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan domain.Snapshot, subscriberBuffer)
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

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
