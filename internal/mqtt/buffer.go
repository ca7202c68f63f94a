package mqtt

import "pkt.systems/pslog"

// bufferedMsg is a serialized message waiting for the broker.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool

	// eventType is the record's event type; empty for system events.
	eventType string
}

// ringBuffer holds messages while the broker is unreachable, oldest first.
// When full the oldest message is dropped and handed to onDrop.
// Callers synchronize.
type ringBuffer struct {
	msgs     []bufferedMsg
	capacity int
	dropped  int // since the last replay
	warned   bool
	onDrop   func(bufferedMsg)
	logger   pslog.Logger
}

func newRingBuffer(capacity int, logger pslog.Logger) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &ringBuffer{
		msgs:     make([]bufferedMsg, 0, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

func (r *ringBuffer) push(msg bufferedMsg) {
	if len(r.msgs) == r.capacity {
		oldest := r.msgs[0]
		copy(r.msgs, r.msgs[1:])
		r.msgs = r.msgs[:len(r.msgs)-1]
		r.dropped++
		if !r.warned {
			r.logger.Warn("mqtt.buffer.full", "capacity", r.capacity)
			r.warned = true
		}
		r.logger.Debug("mqtt.buffer.dropped", "topic", oldest.topic, "event", oldest.eventType)
		if r.onDrop != nil {
			r.onDrop(oldest)
		}
	}
	r.msgs = append(r.msgs, msg)
}

// drainAll returns the buffered messages in send order and empties the buffer.
func (r *ringBuffer) drainAll() []bufferedMsg {
	if len(r.msgs) == 0 {
		return nil
	}
	out := make([]bufferedMsg, len(r.msgs))
	copy(out, r.msgs)
	r.msgs = r.msgs[:0]
	r.warned = false
	return out
}

func (r *ringBuffer) len() int {
	return len(r.msgs)
}
