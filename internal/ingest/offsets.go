package ingest

import (
	"sync"

	"github.com/segmentio/kafka-go"
)

// offsetTracker turns out-of-order completions into in-order commits. Kafka
// commits are cumulative per partition, so an offset may only be committed
// once every earlier fetched offset of that partition is done.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	inFlight []int64 // fetch order, oldest first
	finished map[int64]kafka.Message
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets)}
}

func (t *offsetTracker) fetched(km kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.partitions[km.Partition]
	if p == nil {
		p = &partitionOffsets{finished: make(map[int64]kafka.Message)}
		t.partitions[km.Partition] = p
	}
	p.inFlight = append(p.inFlight, km.Offset)
}

// done marks km finished and returns the highest message of its partition that
// can now be committed, if any.
func (t *offsetTracker) done(km kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.partitions[km.Partition]
	if p == nil {
		return km, true
	}
	p.finished[km.Offset] = km

	var upTo kafka.Message
	advanced := false
	for len(p.inFlight) > 0 {
		m, ok := p.finished[p.inFlight[0]]
		if !ok {
			break
		}
		delete(p.finished, p.inFlight[0])
		p.inFlight = p.inFlight[1:]
		upTo, advanced = m, true
	}
	return upTo, advanced
}
