package routing

import (
	"container/heap"

	"github.com/hopline/hopd/graph"
	"github.com/hopline/hopd/lnwire"
)

// nodeWithDist is the best known way from a node to the target.
type nodeWithDist struct {
	// dist is the accumulated cost, fees plus the time lock penalty.
	dist int64

	node graph.Vertex

	// amountToReceive is what the node must be sent for the target to get
	// the payment amount, fees of the hops after it included.
	amountToReceive lnwire.MilliSatoshi

	// incomingCltv is the time lock delta from the node's incoming HTLC
	// down to the final hop, final delta included.
	incomingCltv uint32

	// hops is the number of channels between the node and the target.
	hops int
}

// candidate is a route considered by the k-shortest search.
type candidate struct {
	route *Route
	path  []*pathEdge
}

// priorityQueue is a binary min-heap over less. When keyOf is set an item
// whose key is already queued replaces the queued one.
type priorityQueue[K comparable, T any] struct {
	items []T
	less  func(a, b T) bool
	keyOf func(T) K
	pos   map[K]int
}

// newNodeQueue returns the frontier of the path search, one entry per node.
func newNodeQueue() *priorityQueue[graph.Vertex, nodeWithDist] {
	return &priorityQueue[graph.Vertex, nodeWithDist]{
		less: func(a, b nodeWithDist) bool {
			return a.dist < b.dist
		},
		keyOf: func(n nodeWithDist) graph.Vertex {
			return n.node
		},
		pos: make(map[graph.Vertex]int),
	}
}

// newRouteQueue returns the queue of k-shortest candidates, cheapest first.
func newRouteQueue() *priorityQueue[struct{}, candidate] {
	return &priorityQueue[struct{}, candidate]{
		less: func(a, b candidate) bool {
			return a.route.less(b.route)
		},
	}
}

// push queues item, or moves the queued item with the same key.
func (q *priorityQueue[K, T]) push(item T) {
	if q.keyOf != nil {
		if i, ok := q.pos[q.keyOf(item)]; ok {
			q.items[i] = item
			heap.Fix(q, i)

			return
		}
	}

	heap.Push(q, item)
}

// pop removes the least item. The queue must not be empty.
func (q *priorityQueue[K, T]) pop() T {
	return heap.Pop(q).(T)
}

// Len is part of heap.Interface.
func (q *priorityQueue[K, T]) Len() int { return len(q.items) }

// Less is part of heap.Interface.
func (q *priorityQueue[K, T]) Less(i, j int) bool {
	return q.less(q.items[i], q.items[j])
}

// Swap is part of heap.Interface.
func (q *priorityQueue[K, T]) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	if q.keyOf != nil {
		q.pos[q.keyOf(q.items[i])] = i
		q.pos[q.keyOf(q.items[j])] = j
	}
}

// Push is part of heap.Interface, use push.
func (q *priorityQueue[K, T]) Push(x any) {
	item := x.(T)
	q.items = append(q.items, item)
	if q.keyOf != nil {
		q.pos[q.keyOf(item)] = len(q.items) - 1
	}
}

// Pop is part of heap.Interface, use pop.
func (q *priorityQueue[K, T]) Pop() any {
	n := len(q.items)
	item := q.items[n-1]
	q.items = q.items[:n-1]
	if q.keyOf != nil {
		delete(q.pos, q.keyOf(item))
	}

	return item
}
