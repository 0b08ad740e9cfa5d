package mqtt

import (
	"testing"
)

func queueEvents(o *outbox, from, to int) {
	for i := from; i < to; i++ {
		o.queue(bufferedMsg{topic: TopicEvents, payload: []byte{byte(i)}, qos: 1})
	}
}

func payloadBytes(msgs []bufferedMsg) []byte {
	out := make([]byte, len(msgs))
	for i, m := range msgs {
		out[i] = m.payload[0]
	}
	return out
}

func TestOutboxEmptyDrain(t *testing.T) {
	o := newOutbox(10)
	if got := o.drain(); got != nil {
		t.Errorf("expected nil from empty drain, got %d items", len(got))
	}
}

func TestOutboxDrainOrder(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		queued   int
		want     []byte
		dropped  int
	}{
		{"partial", 10, 5, []byte{0, 1, 2, 3, 4}, 0},
		{"exactly full", 4, 4, []byte{0, 1, 2, 3}, 0},
		{"overflow keeps newest", 5, 8, []byte{3, 4, 5, 6, 7}, 3},
		{"capacity one", 1, 3, []byte{2}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOutbox(tt.capacity)
			queueEvents(o, 0, tt.queued)
			if o.dropped != tt.dropped {
				t.Errorf("dropped: got %d, want %d", o.dropped, tt.dropped)
			}

			got := payloadBytes(o.drain())
			if string(got) != string(tt.want) {
				t.Errorf("drain: got %v, want %v", got, tt.want)
			}
			if o.len() != 0 || o.dropped != 0 {
				t.Errorf("outbox not reset after drain: len=%d dropped=%d", o.len(), o.dropped)
			}
			if again := o.drain(); again != nil {
				t.Errorf("second drain: got %d items", len(again))
			}
		})
	}
}

func TestOutboxRetainedSupersedes(t *testing.T) {
	o := newOutbox(10)
	o.queue(bufferedMsg{topic: TopicSystem, payload: []byte("disconnected"), retained: true})
	queueEvents(o, 0, 1)
	o.queue(bufferedMsg{topic: TopicSystem, payload: []byte("heartbeat")})
	o.queue(bufferedMsg{topic: TopicSystem, payload: []byte("connected"), retained: true})

	got := o.drain()
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[0].topic != TopicEvents {
		t.Errorf("intake event should be first, got %s", got[0].topic)
	}
	if string(got[1].payload) != "heartbeat" {
		t.Errorf("non-retained messages are never superseded, got %s", got[1].payload)
	}
	if string(got[2].payload) != "connected" || !got[2].retained {
		t.Errorf("expected latest retained message last, got %s", got[2].payload)
	}
}

func TestOutboxRetainedDoesNotOverflow(t *testing.T) {
	o := newOutbox(3)
	queueEvents(o, 0, 2)
	for i := 0; i < 5; i++ {
		o.queue(bufferedMsg{topic: TopicSystem, payload: []byte{byte(100 + i)}, retained: true})
	}

	if o.dropped != 0 {
		t.Errorf("connectivity flapping must not evict events, dropped %d", o.dropped)
	}
	if o.superseded != 4 {
		t.Errorf("superseded: got %d, want 4", o.superseded)
	}
	got := payloadBytes(o.drain())
	if string(got) != string([]byte{0, 1, 104}) {
		t.Errorf("drain: got %v", got)
	}
}

func TestOutboxMultipleCycles(t *testing.T) {
	o := newOutbox(5)

	queueEvents(o, 0, 3)
	if got := o.drain(); len(got) != 3 {
		t.Fatalf("cycle 1: expected 3 items, got %d", len(got))
	}

	queueEvents(o, 10, 14)
	got := payloadBytes(o.drain())
	if string(got) != string([]byte{10, 11, 12, 13}) {
		t.Errorf("cycle 2: got %v", got)
	}
}

func TestOutboxPreservesFields(t *testing.T) {
	o := newOutbox(10)
	o.queue(bufferedMsg{
		topic:    TopicSystem,
		payload:  []byte(`{"system":{}}`),
		qos:      1,
		retained: true,
	})

	got := o.drain()
	if len(got) != 1 {
		t.Fatalf("expected 1 item, got %d", len(got))
	}
	m := got[0]
	if m.topic != TopicSystem || string(m.payload) != `{"system":{}}` || m.qos != 1 || !m.retained {
		t.Errorf("fields not preserved: %+v", m)
	}
}
