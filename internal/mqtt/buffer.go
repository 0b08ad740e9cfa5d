package mqtt

import "log"

// bufferedMsg stores a serialized MQTT message for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outbox holds messages published while the broker is unreachable.
//
// A retained message replaces any retained message already queued for its
// topic, since the broker would keep only the last one anyway. When full, the
// oldest message is dropped. Not safe for concurrent use; the caller must
// synchronize.
type outbox struct {
	msgs       []bufferedMsg
	capacity   int
	dropped    int // lost to overflow since last drain
	superseded int // retained messages replaced since last drain
}

func newOutbox(capacity int) *outbox {
	return &outbox{capacity: capacity}
}

func (o *outbox) queue(msg bufferedMsg) {
	if msg.retained {
		for i, old := range o.msgs {
			if old.retained && old.topic == msg.topic {
				o.msgs = append(o.msgs[:i], o.msgs[i+1:]...)
				o.superseded++
				break
			}
		}
	}

	o.msgs = append(o.msgs, msg)
	if len(o.msgs) > o.capacity {
		if o.dropped == 0 {
			log.Printf("mqtt: outbox full (%d messages), dropping oldest", o.capacity)
		}
		o.dropped++
		o.msgs[0] = bufferedMsg{}
		o.msgs = o.msgs[1:]
	}
}

// drain returns queued messages oldest first and empties the outbox.
func (o *outbox) drain() []bufferedMsg {
	if len(o.msgs) == 0 {
		return nil
	}
	if o.dropped > 0 || o.superseded > 0 {
		log.Printf("mqtt: while disconnected %d messages were dropped and %d retained messages superseded", o.dropped, o.superseded)
	}

	out := o.msgs
	o.msgs = nil
	o.dropped = 0
	o.superseded = 0
	return out
}

func (o *outbox) len() int {
	return len(o.msgs)
}
