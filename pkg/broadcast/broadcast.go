package broadcast

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/canopy-net/canopy/pkg/log"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// FrameType identifies the shape of a frame's Data payload.
type FrameType string

const (
	FrameNodeState    FrameType = "node_state"
	FrameLinkState    FrameType = "link_state"
	FrameLabState     FrameType = "lab_state"
	FrameJobProgress  FrameType = "job_progress"
	FrameInitialState FrameType = "initial_state"
	FrameInitialLinks FrameType = "initial_links"
	FrameHeartbeat    FrameType = "heartbeat"
	FrameError        FrameType = "error"
)

// Frame is the wire shape every WebSocket client receives.
type Frame struct {
	Type      FrameType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewFrame builds a frame stamped with the current UTC time.
func NewFrame(t FrameType, data interface{}) *Frame {
	return &Frame{Type: t, Timestamp: time.Now().UTC(), Data: data}
}

// channelPrefix keys the cross-process bus channels by lab.
const channelPrefix = "lab_state:"

// envelope wraps a frame on the bus so a replica can drop its own
// publications (it already fanned them out locally).
type envelope struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// subscriber is a per-connection buffered channel; slow consumers drop
// frames rather than block publishers.
type subscriber chan *Frame

// Broadcaster fans out state-change frames to local subscribers keyed by
// lab, and mirrors every publication onto a Redis channel so other API
// replicas deliver it to their own WebSocket clients. A nil Redis client
// degrades to process-local delivery.
type Broadcaster struct {
	origin string
	rdb    *redis.Client

	mu     sync.RWMutex
	byLab  map[string]map[subscriber]struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(rdb *redis.Client) *Broadcaster {
	return &Broadcaster{
		origin: uuid.New().String(),
		rdb:    rdb,
		byLab:  make(map[string]map[subscriber]struct{}),
		stopCh: make(chan struct{}),
	}
}

// Start begins consuming the cross-process bus. No-op without Redis.
func (b *Broadcaster) Start(ctx context.Context) {
	if b.rdb == nil {
		return
	}
	ps := b.rdb.PSubscribe(ctx, channelPrefix+"*")
	b.wg.Add(1)
	go b.consume(ctx, ps)
}

// Stop shuts down the bus consumer and closes all subscriber channels.
func (b *Broadcaster) Stop() {
	close(b.stopCh)
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.byLab {
		for sub := range subs {
			close(sub)
		}
	}
	b.byLab = make(map[string]map[subscriber]struct{})
}

// Subscribe registers a consumer for one lab's frames. The returned cancel
// func must be called when the consumer goes away.
func (b *Broadcaster) Subscribe(labID string) (<-chan *Frame, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(subscriber, 64)
	if b.byLab[labID] == nil {
		b.byLab[labID] = make(map[subscriber]struct{})
	}
	b.byLab[labID][sub] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.byLab[labID]; ok {
			if _, live := subs[sub]; live {
				delete(subs, sub)
				close(sub)
			}
			if len(subs) == 0 {
				delete(b.byLab, labID)
			}
		}
	}
	return sub, cancel
}

// Publish fans a frame out to the lab's local subscribers and mirrors it
// onto the bus. Bus failures are logged and swallowed; publishing never
// blocks the caller on a slow consumer.
func (b *Broadcaster) Publish(labID string, f *Frame) {
	b.deliver(labID, f)

	if b.rdb == nil {
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		log.WithComponent("broadcast").Warn().Err(err).Msg("Failed to encode frame")
		return
	}
	env, err := json.Marshal(envelope{Origin: b.origin, Frame: data})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.rdb.Publish(ctx, channelPrefix+labID, env).Err(); err != nil {
		log.WithComponent("broadcast").Warn().Err(err).
			Str("lab_id", labID).Msg("Bus publish failed, delivered locally only")
	}
}

// SubscriberCount returns the number of local subscribers for a lab.
func (b *Broadcaster) SubscriberCount(labID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byLab[labID])
}

func (b *Broadcaster) deliver(labID string, f *Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.byLab[labID] {
		select {
		case sub <- f:
		default:
			// Subscriber buffer full, skip
		}
	}
}

func (b *Broadcaster) consume(ctx context.Context, ps *redis.PubSub) {
	defer b.wg.Done()
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			labID := strings.TrimPrefix(msg.Channel, channelPrefix)

			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.WithComponent("broadcast").Warn().Err(err).Msg("Bad frame on bus")
				continue
			}
			if env.Origin == b.origin {
				continue // already delivered locally at publish time
			}
			var f Frame
			if err := json.Unmarshal(env.Frame, &f); err != nil {
				continue
			}
			b.deliver(labID, &f)
		}
	}
}
