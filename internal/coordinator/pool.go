package coordinator

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/bibliodist/biblionet/internal/model"
)

// drainGrace bounds how long a submitter whose job was already queued waits
// for its reply once shutdown begins.
const drainGrace = time.Second

type job struct {
	seq     uint64
	payload []byte
}

// collector hands each finished reply back to the goroutine that submitted
// the job, keyed by an internal sequence number so replies may complete in
// any order.
type collector struct {
	mu      sync.Mutex
	waiting map[uint64]chan []byte
}

func newCollector() *collector {
	return &collector{waiting: make(map[uint64]chan []byte)}
}

func (c *collector) register(seq uint64) chan []byte {
	ch := make(chan []byte, 1)
	c.mu.Lock()
	c.waiting[seq] = ch
	c.mu.Unlock()
	return ch
}

func (c *collector) deliver(seq uint64, reply []byte) {
	c.mu.Lock()
	ch, ok := c.waiting[seq]
	delete(c.waiting, seq)
	c.mu.Unlock()
	if ok {
		ch <- reply
	}
}

func (c *collector) discard(seq uint64) {
	c.mu.Lock()
	delete(c.waiting, seq)
	c.mu.Unlock()
}

// pool runs a fixed set of workers over a shared job queue. Every worker
// owns its router, and with it a private loan actor connection, so loan
// calls from different workers never interleave on one socket.
type pool struct {
	jobs      chan job
	done      chan struct{}
	results   *collector
	seq       atomic.Uint64
	newRouter func() *Router
	workers   int
	log       *zap.Logger
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newPool(workers int, newRouter func() *Router, logger *zap.Logger) *pool {
	if workers <= 0 {
		workers = 1
	}
	return &pool{
		jobs:      make(chan job, workers*2),
		done:      make(chan struct{}),
		results:   newCollector(),
		newRouter: newRouter,
		workers:   workers,
		log:       logger,
	}
}

func (p *pool) start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

func (p *pool) run(id int) {
	defer p.wg.Done()
	router := p.newRouter()
	for {
		select {
		case <-p.done:
			p.log.Debug("worker exiting", zap.Int("worker", id))
			return
		case j := <-p.jobs:
			p.results.deliver(j.seq, router.HandleRaw(j.payload))
		}
	}
}

// submit enqueues one request and blocks until its reply is collected.
// Connection handlers may still be delivering requests when shutdown starts,
// so submission after stop returns an ERROR reply rather than touching the
// queue.
func (p *pool) submit(payload []byte) []byte {
	select {
	case <-p.done:
		return shutdownReply(payload)
	default:
	}

	seq := p.seq.Add(1)
	ch := p.results.register(seq)

	select {
	case p.jobs <- job{seq: seq, payload: payload}:
	case <-p.done:
		p.results.discard(seq)
		return shutdownReply(payload)
	}

	select {
	case reply := <-ch:
		return reply
	case <-p.done:
		// The job was queued; give a worker that already picked it up a
		// bounded window to finish before abandoning the reply.
		timer := time.NewTimer(drainGrace)
		defer timer.Stop()
		select {
		case reply := <-ch:
			return reply
		case <-timer.C:
			p.results.discard(seq)
			return shutdownReply(payload)
		}
	}
}

func (p *pool) stop() {
	p.closeOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}

func shutdownReply(payload []byte) []byte {
	reply := model.CCReply{
		ID:     gjson.GetBytes(payload, "id").String(),
		Status: model.StatusError,
		Reason: "coordinator shutting down",
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return []byte(`{"id":"","status":"ERROR","reason":"coordinator shutting down"}`)
	}
	return data
}
