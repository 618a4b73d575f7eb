// Package audio implements the MQTT-gateway audio frame header and the
// bounded, timestamp-keyed reorder buffer that sits between the device
// socket and VADGate/ASRSession.
package audio

import (
	"encoding/binary"
	"errors"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// HeaderSize is the fixed MQTT-gateway audio frame header length.
const HeaderSize = 16

// ErrFrameTooShort is returned by ParseHeader when a frame is too
// small to even carry a header.
var ErrFrameTooShort = errors.New("audio: frame shorter than header")

// Header is the decoded MQTT-gateway audio frame header:
// [type:1][reserved:1][payload_len:2][sequence:4][timestamp_ms:4][opus_len:4],
// all big-endian.
type Header struct {
	Type      uint8
	PayloadLen uint16
	Sequence  uint32
	Timestamp uint32
	OpusLen   uint32
}

// ParseHeader decodes the first 16 bytes of frame. The caller must
// ensure len(frame) >= HeaderSize.
func ParseHeader(frame []byte) (Header, error) {
	if len(frame) < HeaderSize {
		return Header{}, ErrFrameTooShort
	}
	return Header{
		Type:       frame[0],
		PayloadLen: binary.BigEndian.Uint16(frame[2:4]),
		Sequence:   binary.BigEndian.Uint32(frame[4:8]),
		Timestamp:  binary.BigEndian.Uint32(frame[8:12]),
		OpusLen:    binary.BigEndian.Uint32(frame[12:16]),
	}, nil
}

// EncodeHeader writes a 16-byte MQTT-gateway header for egress framing
// (used by PacedSender). Reserved byte is always zero.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Type
	binary.BigEndian.PutUint16(buf[2:4], h.PayloadLen)
	binary.BigEndian.PutUint32(buf[4:8], h.Sequence)
	binary.BigEndian.PutUint32(buf[8:12], h.Timestamp)
	binary.BigEndian.PutUint32(buf[12:16], h.OpusLen)
	return buf
}

// OverflowPolicy controls what happens when an out-of-order frame
// arrives and the reorder buffer is already at capacity. Left
// configurable per spec.md Open Question (a).
type OverflowPolicy int

const (
	// OverflowDeliverImmediately delivers the incoming out-of-order
	// frame right away instead of buffering it. Matches the observed
	// source behavior and is the default.
	OverflowDeliverImmediately OverflowPolicy = iota
	// OverflowDropOldest evicts the smallest buffered timestamp to make
	// room, then buffers the incoming frame.
	OverflowDropOldest
)

const defaultCap = 20

// Router decodes MQTT-gateway audio frames and reorders them by
// timestamp with a bounded lookahead window, favoring liveness over
// strict order once that window is exceeded.
type Router struct {
	mu       sync.Mutex
	cap      int
	policy   OverflowPolicy
	buffer   *lru.Cache[uint32, []byte]
	delivered bool
	lastTS   uint32
}

// Option configures a Router.
type Option func(*Router)

// WithCapacity overrides the default 20-entry reorder window.
func WithCapacity(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.cap = n
		}
	}
}

// WithOverflowPolicy overrides the default overflow behavior.
func WithOverflowPolicy(p OverflowPolicy) Option {
	return func(r *Router) { r.policy = p }
}

// NewRouter constructs a Router with the given options.
func NewRouter(opts ...Option) *Router {
	r := &Router{cap: defaultCap, policy: OverflowDeliverImmediately}
	for _, opt := range opts {
		opt(r)
	}
	cache, _ := lru.New[uint32, []byte](r.cap)
	r.buffer = cache
	return r
}

// Feed decodes one inbound frame and returns the audio chunks to
// deliver to VADGate/ASRSession, in the order they should be consumed.
// Feed returns zero or one chunk: a frame is buffered only when its
// timestamp is below the last delivered one, and the delivery cursor
// never moves backwards, so buffered frames are released only by
// Flush (or discarded by Reset).
//
// Policy (spec.md §4.2):
//   - opus_len > 0 and frame long enough: slice payload, route through
//     the reorder buffer keyed by timestamp_ms.
//   - frame longer than the header but no usable opus_len: strip the
//     header and pass the remainder through directly, bypassing reorder.
//   - otherwise: drop the frame.
func (r *Router) Feed(frame []byte) [][]byte {
	if len(frame) <= HeaderSize {
		return nil
	}
	h, err := ParseHeader(frame)
	if err != nil {
		return nil
	}

	if h.OpusLen > 0 && len(frame) >= HeaderSize+int(h.OpusLen) {
		payload := frame[HeaderSize : HeaderSize+int(h.OpusLen)]
		return r.reorder(h.Timestamp, payload)
	}
	if len(frame) > HeaderSize {
		return [][]byte{frame[HeaderSize:]}
	}
	return nil
}

func (r *Router) reorder(ts uint32, payload []byte) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.delivered || ts >= r.lastTS {
		out := [][]byte{payload}
		r.delivered = true
		r.lastTS = ts
		out = append(out, r.drainLocked()...)
		return out
	}

	// Out of order: ts < lastTS.
	if r.buffer.Len() >= r.cap {
		switch r.policy {
		case OverflowDropOldest:
			r.evictSmallestLocked()
			r.buffer.Add(ts, payload)
			return nil
		default: // OverflowDeliverImmediately
			return [][]byte{payload}
		}
	}
	r.buffer.Add(ts, payload)
	return nil
}

// drainLocked delivers any buffered frames whose timestamp now exceeds
// lastTS, in ascending timestamp order, advancing lastTS as it goes.
// Called with r.mu held.
func (r *Router) drainLocked() [][]byte {
	var out [][]byte
	for {
		ts, ok := r.smallestAboveLocked(r.lastTS)
		if !ok {
			return out
		}
		payload, ok := r.buffer.Peek(ts)
		if !ok {
			return out
		}
		r.buffer.Remove(ts)
		out = append(out, payload)
		r.lastTS = ts
	}
}

func (r *Router) smallestAboveLocked(floor uint32) (uint32, bool) {
	keys := r.buffer.Keys()
	best := uint32(0)
	found := false
	for _, k := range keys {
		if k > floor && (!found || k < best) {
			best = k
			found = true
		}
	}
	return best, found
}

func (r *Router) evictSmallestLocked() {
	keys := r.buffer.Keys()
	if len(keys) == 0 {
		return
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	r.buffer.Remove(keys[0])
}

// Flush delivers any remaining buffered frames in ascending timestamp
// order, for use at stream end (ASR turn close, connection close).
func (r *Router) Flush() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.buffer.Keys()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if v, ok := r.buffer.Peek(k); ok {
			out = append(out, v)
		}
	}
	r.buffer.Purge()
	return out
}

// Reset clears buffered state and the delivery cursor, for reuse
// across speech turns on the same connection.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffer.Purge()
	r.delivered = false
	r.lastTS = 0
}
