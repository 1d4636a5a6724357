package engine

import "sync"

// subscriberBufferSize is the channel buffer for each log subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// LogBroker manages per-chain console streaming to subscribers. Topics are
// keyed by run ID and chain number so each chain's transcript streams
// independently. It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a chain finishes) receive a closed channel instead of
// blocking forever. Each marker is a few bytes, which is acceptable for the
// expected run volume.
type LogBroker struct {
	mu     sync.Mutex
	topics map[topicKey]*logTopic
}

type topicKey struct {
	runID string
	chain int
}

type logTopic struct {
	subs   map[int]chan string
	nextID int
	closed bool
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[topicKey]*logTopic),
	}
}

// Subscribe returns a channel that receives console lines for the given
// chain and an unsubscribe function. If the chain has already finished
// (Close was called), the returned channel is immediately closed.
func (b *LogBroker) Subscribe(runID string, chain int) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := topicKey{runID: runID, chain: chain}
	t, ok := b.topics[key]
	if !ok {
		t = &logTopic{subs: make(map[int]chan string)}
		b.topics[key] = t
	}

	ch := make(chan string, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a console line to all subscribers of the given chain.
// Lines are dropped for subscribers whose buffers are full.
func (b *LogBroker) Publish(runID string, chain int, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topicKey{runID: runID, chain: chain}]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			// Drop line for slow subscribers to avoid blocking the chain.
		}
	}
}

// Close signals that no more lines will be published for the given chain.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *LogBroker) Close(runID string, chain int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := topicKey{runID: runID, chain: chain}
	t, ok := b.topics[key]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[key] = &logTopic{subs: make(map[int]chan string), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
