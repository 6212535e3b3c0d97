package ingest

import (
	"hash/fnv"
	"sync"

	"github.com/airsonde/airsonde/internal/transport"
)

// workerPool fans messages out to a fixed set of workers. Routing hashes
// the topic, and device topics are per-device, so one device's readings
// always land on the same worker and keep their order.
type workerPool struct {
	queues []chan transport.Message
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func newWorkerPool(workers int, run func(transport.Message)) *workerPool {
	p := &workerPool{queues: make([]chan transport.Message, workers)}
	for i := range p.queues {
		q := make(chan transport.Message, workerQueueDepth)
		p.queues[i] = q
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for msg := range q {
				run(msg)
			}
		}()
	}
	return p
}

// dispatch queues a message on its topic's worker. The send happens under
// the pool lock so stop cannot close a queue mid-send; a full queue blocks
// the caller until the worker catches up. Messages arriving after stop are
// nacked back to the broker.
func (p *workerPool) dispatch(msg transport.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		msg.Nack()
		return
	}
	p.queues[p.route(msg.Topic())] <- msg
}

func (p *workerPool) route(topic string) int {
	h := fnv.New32a()
	h.Write([]byte(topic))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// stop closes the queues and waits for the workers to drain them.
func (p *workerPool) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
