package bot

import (
	"container/list"
	"sync"
)

// pendingQueue holds events that arrived while their conversation was busy.
// Bounded: overflow drops the oldest queued event so memory cannot grow
// without limit under a flood from one conversation.
type pendingQueue struct {
	mu     sync.Mutex
	queues map[string]*list.List
	depth  int
}

func newPendingQueue(depth int) *pendingQueue {
	return &pendingQueue{
		queues: make(map[string]*list.List),
		depth:  depth,
	}
}

// push appends an event for its conversation. When the queue is full the
// oldest queued event is evicted and returned with dropped=true.
func (p *pendingQueue) push(ev InboundEvent) (dropped InboundEvent, wasDropped bool) {
	if p.depth <= 0 {
		return InboundEvent{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.queues[ev.ConversationID]
	if !ok {
		q = list.New()
		p.queues[ev.ConversationID] = q
	}
	if q.Len() >= p.depth {
		front := q.Front()
		q.Remove(front)
		dropped, wasDropped = front.Value.(InboundEvent), true
	}
	q.PushBack(ev)
	return dropped, wasDropped
}

// pop removes and returns the oldest queued event for the conversation.
func (p *pendingQueue) pop(conversationID string) (InboundEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.queues[conversationID]
	if !ok || q.Len() == 0 {
		return InboundEvent{}, false
	}
	front := q.Front()
	q.Remove(front)
	if q.Len() == 0 {
		delete(p.queues, conversationID)
	}
	return front.Value.(InboundEvent), true
}

func (p *pendingQueue) len(conversationID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queues[conversationID]; ok {
		return q.Len()
	}
	return 0
}
