package bridge

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// queueCapacity bounds the pending queue.
const queueCapacity = 128

// offerTimeout bounds puts issued by the recovery pass itself, so recovery
// can never starve waiting for its own consumer.
const offerTimeout = 10 * time.Second

// replayInterval spaces out replayed dispatches to avoid a thundering herd
// against a freshly reloaded page.
const replayInterval = time.Second

// PendingEntry is one parked request awaiting a live peer.
type PendingEntry struct {
	// Raw is the original OpenAI request body.
	Raw []byte

	// OriginalID is set for in-flight requests recovered after a disconnect;
	// the dispatch reuses the existing response channel under this ID.
	OriginalID string

	// Reply receives the dispatch outcome. Nil for recovered in-flight
	// requests, whose caller is already waiting on the response channel.
	Reply chan PendingResult

	EnqueuedAt time.Time
}

// PendingResult is the outcome of dispatching a parked request.
type PendingResult struct {
	RequestID string
	Err       error
}

// DispatchFunc re-runs the full dispatch path for a parked request: session
// resolution, translation, channel open (or reuse) and the send to the
// agent. Provided by the API layer.
type DispatchFunc func(raw []byte, reuseID string) (string, error)

// PendingQueue is the bounded FIFO of parked requests. There is exactly one
// consumer: the Replayer.
type PendingQueue struct {
	ch chan PendingEntry
}

// NewPendingQueue creates the queue.
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{ch: make(chan PendingEntry, queueCapacity)}
}

// Offer enqueues an entry, giving up when ctx expires.
func (q *PendingQueue) Offer(ctx context.Context, entry PendingEntry) error {
	entry.EnqueuedAt = time.Now()
	select {
	case q.ch <- entry:
		return nil
	case <-ctx.Done():
		return ErrQueueFull
	}
}

// Len returns the current queue depth.
func (q *PendingQueue) Len() int {
	return len(q.ch)
}

// Replayer is the recovery engine. On every peer attach it re-offers all
// in-flight requests onto the pending queue, then its single consumer task
// drains the queue through the dispatch path.
type Replayer struct {
	Queue    *PendingQueue
	Registry *Registry
	Channel  *Channel
	Dispatch DispatchFunc

	// interval is overridable in tests.
	interval time.Duration

	wake chan struct{}
}

// NewReplayer wires the recovery engine. Run must be started exactly once.
func NewReplayer(queue *PendingQueue, registry *Registry, channel *Channel, dispatch DispatchFunc) *Replayer {
	r := &Replayer{
		Queue:    queue,
		Registry: registry,
		Channel:  channel,
		Dispatch: dispatch,
		interval: replayInterval,
		wake:     make(chan struct{}, 1),
	}
	channel.OnConnect(r.onPeerConnected)
	return r
}

// onPeerConnected requeues in-flight requests and wakes the consumer. It
// never blocks indefinitely: every put has the offer deadline, and a request
// that cannot be requeued is drained with an error instead.
func (r *Replayer) onPeerConnected() {
	ids := r.Registry.OpenIDs()
	if len(ids) > 0 {
		log.Infof("peer reconnected with %d in-flight requests, attempting recovery", len(ids))
	}

	for _, id := range ids {
		meta := r.Registry.Meta(id)
		if meta == nil || len(meta.OpenAIRequest) == 0 {
			log.Warnf("cannot recover request %s: original payload unavailable", shortID(id))
			r.Registry.Push(id, Frame{Kind: FrameError, Error: "request data lost during reconnection", Final: true})
			r.Registry.Push(id, Frame{Kind: FrameDone})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), offerTimeout)
		err := r.Queue.Offer(ctx, PendingEntry{Raw: meta.OpenAIRequest, OriginalID: id})
		cancel()
		if err != nil {
			log.Warnf("pending queue full, abandoning recovery of request %s", shortID(id))
			r.Registry.Push(id, Frame{Kind: FrameError, Error: "recovery queue overflow", Final: true})
			r.Registry.Push(id, Frame{Kind: FrameDone})
		}
	}

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run is the single consumer task. It drains the queue whenever a peer is
// connected and sleeps otherwise. It returns when ctx is cancelled.
func (r *Replayer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-r.Queue.ch:
			r.process(ctx, entry)
		case <-r.wake:
		}
	}
}

func (r *Replayer) process(ctx context.Context, entry PendingEntry) {
	if !r.Channel.Connected() {
		// Parked again: the peer vanished between wake-up and dispatch.
		// Re-offer with a deadline; on failure answer the caller.
		offerCtx, cancel := context.WithTimeout(ctx, offerTimeout)
		err := r.Queue.Offer(offerCtx, entry)
		cancel()
		if err != nil {
			r.fail(entry, ErrNoPeer)
		}
		// Wait for the next connect before draining further.
		select {
		case <-ctx.Done():
		case <-r.wake:
		}
		return
	}

	if entry.OriginalID != "" {
		log.Infof("replaying recovered request %s", shortID(entry.OriginalID))
	} else {
		log.Info("dispatching a parked request after reconnect")
	}

	id, err := r.Dispatch(entry.Raw, entry.OriginalID)
	if err != nil {
		log.Errorf("replay dispatch failed: %v", err)
		r.fail(entry, err)
	} else if entry.Reply != nil {
		entry.Reply <- PendingResult{RequestID: id}
	}

	if r.interval > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(r.interval):
		}
	}
}

// fail reports a dispatch failure either to the parked HTTP caller or, for
// recovered requests, onto the original response channel.
func (r *Replayer) fail(entry PendingEntry, err error) {
	if entry.Reply != nil {
		entry.Reply <- PendingResult{Err: err}
		return
	}
	if entry.OriginalID != "" {
		r.Registry.Push(entry.OriginalID, Frame{Kind: FrameError, Error: err.Error(), Final: true})
		r.Registry.Push(entry.OriginalID, Frame{Kind: FrameDone})
		r.Registry.Close(entry.OriginalID)
	}
}

// SetReplayInterval overrides the pacing between replays. Zero disables it.
func (r *Replayer) SetReplayInterval(d time.Duration) {
	r.interval = d
}
