// Package mailbox implements the bounded FIFO buffer described in spec §4.2:
// a single drop-newest overflow policy between the transport and the
// application's handlers.
//
// This generalizes the teacher's buffered-channel idiom (node.go's events/
// commands/inboxChan channels, each "sized so sending never blocks") into a
// standalone component with an explicit bound and an accept/reject return
// value instead of an unbounded buffered channel.
package mailbox

import "sync"

// DefaultMaxSize is the default bound per spec §4.2.
const DefaultMaxSize = 1000

// Entry is one mailbox item: an opaque payload plus delivery metadata.
type Entry struct {
	Payload  []byte
	Metadata Metadata
}

// Metadata is delivered alongside each payload, per spec §3.
type Metadata struct {
	From      string
	To        string
	Timestamp int64
}

// Handler receives a delivered entry. A Handler must not block for long;
// handlers run in registration order for each entry, and a panicking
// handler must not affect its siblings.
type Handler func(payload []byte, metadata Metadata)

// Mailbox is a bounded FIFO queue with drop-newest overflow.
type Mailbox struct {
	mu       sync.Mutex
	maxSize  int
	queue    []Entry
	handlers []Handler
}

// Options configures a Mailbox. A zero Options uses spec defaults.
type Options struct {
	MaxSize int // default DefaultMaxSize
}

// New creates a Mailbox with the given options.
func New(opts Options) *Mailbox {
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Mailbox{maxSize: maxSize}
}

// OnMessage registers a handler. Handlers are invoked in registration
// order for every delivered entry.
func (m *Mailbox) OnMessage(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Push appends entry to the queue and immediately drains it to registered
// handlers. It returns false without mutating the queue if the mailbox is
// already at maxSize (drop-newest).
func (m *Mailbox) Push(entry Entry) bool {
	m.mu.Lock()
	if len(m.queue) >= m.maxSize {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, entry)
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	m.drain(entry, handlers)
	return true
}

// drain delivers one entry to every handler in order, then removes it from
// the queue. A panicking handler is recovered so it cannot affect siblings
// or subsequent pushes.
func (m *Mailbox) drain(entry Entry, handlers []Handler) {
	for _, h := range handlers {
		callHandler(h, entry)
	}
	m.mu.Lock()
	if len(m.queue) > 0 {
		m.queue = m.queue[1:]
	}
	m.mu.Unlock()
}

func callHandler(h Handler, entry Entry) {
	defer func() { _ = recover() }()
	h(entry.Payload, entry.Metadata)
}

// Len returns the current queue length.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
