package bridge

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// channelCapacity bounds each per-request frame FIFO.
const channelCapacity = 256

// pushTimeout is how long a full channel blocks the inbound reader before
// the frame is dropped.
const pushTimeout = 100 * time.Millisecond

// RequestMeta is everything needed to replay a request after a disconnect
// and to clean it up if replay never happens.
type RequestMeta struct {
	RequestID string
	Model     string
	Stream    bool

	// OpenAIRequest is the original client body, kept verbatim so a replay
	// goes through the full translation path again.
	OpenAIRequest []byte

	SessionID    string
	MessageID    string
	Mode         string
	BattleTarget string
	CreatedAt    time.Time
}

// entry pairs a frame channel with a send lock. Every send and the close
// happen under sendMu, so a producer blocked on a full channel can never
// race a concurrent Close into a send on a closed channel.
type entry struct {
	sendMu sync.Mutex
	closed bool
	frames chan Frame
}

// Registry owns the response channel table and the request metadata table
// under one mutex, so opening and closing a request is atomic across both.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*entry
	meta     map[string]*RequestMeta
}

// NewRegistry creates an empty request registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]*entry),
		meta:     make(map[string]*RequestMeta),
	}
}

// Open creates the response channel and metadata entry for a request. The
// returned channel is the read side for the stream processor. Opening an
// already-open ID replaces nothing and returns the existing channel.
func (r *Registry) Open(meta *RequestMeta) <-chan Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.channels[meta.RequestID]; ok {
		return e.frames
	}
	e := &entry{frames: make(chan Frame, channelCapacity)}
	r.channels[meta.RequestID] = e
	r.meta[meta.RequestID] = meta
	return e.frames
}

// Push delivers a frame to the channel of a request. Frames for unknown
// request IDs are dropped with a warning; a full channel drops the frame
// after a short block so the inbound reader can never deadlock.
func (r *Registry) Push(id string, f Frame) bool {
	r.mu.Lock()
	e, ok := r.channels[id]
	r.mu.Unlock()
	if !ok {
		log.Warnf("dropping frame for unknown or closed request %s", shortID(id))
		return false
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if e.closed {
		log.Warnf("dropping frame for unknown or closed request %s", shortID(id))
		return false
	}

	select {
	case e.frames <- f:
		return true
	default:
	}

	timer := time.NewTimer(pushTimeout)
	defer timer.Stop()
	select {
	case e.frames <- f:
		return true
	case <-timer.C:
		log.Warnf("response channel for request %s is full, dropping frame", shortID(id))
		return false
	}
}

// Close removes the channel and the metadata entry in one critical section
// and closes the channel so the consumer unblocks. The close waits for any
// in-flight Push on the same entry to finish first. Double closes are no-ops.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	e, ok := r.channels[id]
	if ok {
		delete(r.channels, id)
	}
	delete(r.meta, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	e.sendMu.Lock()
	e.closed = true
	close(e.frames)
	e.sendMu.Unlock()
}

// Frames returns the response channel of an open request, or nil.
func (r *Registry) Frames(id string) <-chan Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.channels[id]; ok {
		return e.frames
	}
	return nil
}

// Meta returns the metadata for an open request, or nil.
func (r *Registry) Meta(id string) *RequestMeta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta[id]
}

// OpenIDs returns the IDs of all in-flight requests.
func (r *Registry) OpenIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of in-flight requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// DrainAll pushes an error frame and the terminal sentinel to every open
// channel. Used when the peer disconnects and auto-retry is disabled.
func (r *Registry) DrainAll(message string) {
	for _, id := range r.OpenIDs() {
		r.Push(id, Frame{Kind: FrameError, Error: message, Final: true})
		r.Push(id, Frame{Kind: FrameDone})
	}
}

// Sweep abandons requests whose metadata is older than maxAge. Each stale
// request gets an error frame and the sentinel so any waiting consumer
// terminates, then its entries are removed. Returns the number swept.
func (r *Registry) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var stale []string
	for id, meta := range r.meta {
		if meta.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		log.Warnf("sweeping request %s: metadata exceeded its timeout", shortID(id))
		r.Push(id, Frame{Kind: FrameError, Error: "request timed out and was abandoned by the server", Final: true})
		r.Push(id, Frame{Kind: FrameDone})
		r.Close(id)
	}
	return len(stale)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
