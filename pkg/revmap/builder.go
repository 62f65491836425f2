package revmap

import (
	"container/heap"
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// nodeHeap is a max-heap of MapNodes ordered by probability, so the
// builder's work queue always dequeues the currently most-probable
// candidate first, per §4.5 step 2.
type nodeHeap []*MapNode

func (h nodeHeap) Len() int            { return len(h) }
func (h nodeHeap) Less(i, j int) bool  { return h[i].Probability() > h[j].Probability() }
func (h nodeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x interface{}) { *h = append(*h, x.(*MapNode)) }
func (h *nodeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// workQueue is the builder's shared priority queue. It tracks the number
// of items pushed but not yet marked done, and closes itself once that
// count reaches zero with nothing left to dequeue — the "until the queue
// empties" termination condition of §4.5 step 3.
type workQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    nodeHeap
	pending int
	closed  bool
}

func newWorkQueue() *workQueue {
	q := &workQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *workQueue) push(n *MapNode) {
	q.mu.Lock()
	heap.Push(&q.heap, n)
	q.pending++
	q.cond.Signal()
	q.mu.Unlock()
}

// pop blocks until an item is available, the queue closes, or ctx is
// done. ok is false once there is nothing left to wait for.
func (q *workQueue) pop(ctx context.Context) (*MapNode, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.heap) == 0 && !q.closed {
		if ctx.Err() != nil {
			return nil, false
		}
		q.cond.Wait()
	}
	if len(q.heap) == 0 {
		return nil, false
	}
	return heap.Pop(&q.heap).(*MapNode), true
}

// done marks one previously-pushed item as fully processed (its
// children, if any, have already been pushed). Once no items remain
// pending and the heap is empty, the queue closes and wakes every
// blocked popper.
func (q *workQueue) done() {
	q.mu.Lock()
	q.pending--
	if q.pending == 0 && len(q.heap) == 0 {
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()
}

func (q *workQueue) cancel() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Builder grows a MemoryMap by running a bounded pool of workers over its
// priority work queue until the queue drains or the build is cancelled.
type Builder struct {
	mm      *MemoryMap
	workers int // goroutine fan-out; 0 means four times the concurrent-probe cap
	ideal   int // concurrent-probe cap; 0 means runtime.GOMAXPROCS(0)
}

// BuilderOption configures a Builder at construction time.
type BuilderOption func(*Builder)

// WithWorkers overrides the number of goroutines polling the work queue.
func WithWorkers(n int) BuilderOption { return func(b *Builder) { b.workers = n } }

// WithIdealConcurrency overrides how many candidates may be probed (read
// from memory) at once, independent of the goroutine fan-out.
func WithIdealConcurrency(n int) BuilderOption { return func(b *Builder) { b.ideal = n } }

// WithProbabilityPropagation enables recomputing a node's descendants'
// scores whenever the node's own score improves on replacement.
func WithProbabilityPropagation(v bool) BuilderOption {
	return func(b *Builder) { b.mm.propagate = v }
}

// NewBuilder creates a Builder that will grow mm.
func NewBuilder(mm *MemoryMap, opts ...BuilderOption) *Builder {
	b := &Builder{mm: mm}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build seeds mm with one root per translatable global variable, then
// runs the worker pool until every reachable node has been discovered
// and scored or ctx is cancelled. Cancellation is cooperative: workers
// finish their current node, mark it done, and stop, leaving mm in a
// consistent (if incomplete) state.
func (b *Builder) Build(ctx context.Context) error {
	q := newWorkQueue()
	for _, root := range b.mm.seedRoots() {
		b.mm.tree.Insert(root)
		q.push(root)
	}
	if len(q.heap) == 0 {
		return nil
	}

	ideal := b.ideal
	if ideal <= 0 {
		ideal = runtime.GOMAXPROCS(0)
	}
	workers := b.workers
	if workers <= 0 {
		workers = ideal * 4
	}

	sem := semaphore.NewWeighted(int64(ideal))
	g, gctx := errgroup.WithContext(ctx)

	// A worker blocked in q.pop waiting for more work has no other way
	// to observe cancellation, since nothing will push or mark done; wake
	// every blocked popper as soon as the build context ends.
	go func() {
		<-gctx.Done()
		q.cancel()
	}()

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				node, ok := q.pop(gctx)
				if !ok {
					return nil
				}
				if gctx.Err() != nil {
					q.done()
					continue
				}
				if err := sem.Acquire(gctx, 1); err != nil {
					q.done()
					continue
				}
				children := b.mm.expand(node)
				sem.Release(1)

				for _, c := range children {
					q.push(c)
				}
				q.done()
			}
		})
	}

	err := g.Wait()
	q.cancel()
	return err
}
