package audiosvc

import (
	"sync"

	"github.com/haivivi/gearfw/pkg/protocol"
)

// packetQueue is a bounded FIFO. When full, Push either drops the oldest
// packet or rejects the new one.
type packetQueue struct {
	mu      sync.Mutex
	packets []*protocol.AudioPacket
	limit   int
}

func newPacketQueue(limit int) *packetQueue {
	return &packetQueue{limit: limit}
}

// push appends p. A full queue drops its oldest packet when dropOldest is
// set, otherwise p is rejected.
func (q *packetQueue) push(p *protocol.AudioPacket, dropOldest bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.packets) >= q.limit {
		if !dropOldest {
			return false
		}
		q.packets = q.packets[1:]
	}
	q.packets = append(q.packets, p)
	return true
}

func (q *packetQueue) pop() (*protocol.AudioPacket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.packets) == 0 {
		return nil, false
	}
	p := q.packets[0]
	q.packets[0] = nil
	q.packets = q.packets[1:]
	return p, true
}

func (q *packetQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.packets)
}

func (q *packetQueue) clear() {
	q.mu.Lock()
	q.packets = nil
	q.mu.Unlock()
}

func (q *packetQueue) snapshot() []*protocol.AudioPacket {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*protocol.AudioPacket(nil), q.packets...)
}
