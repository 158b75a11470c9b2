package sched

import "sync"

// queueChunkSize is the number of tasks per node in the taskQueue linked
// list. 128 tasks * 8 bytes/task + overhead is about 1KB per chunk.
const queueChunkSize = 128

// taskQueue is a chunked linked-list queue of pending tasks.
//
// It is NOT safe for concurrent use; the Loop guards it with its own mutex.
// Fixed-size chunks amortize allocations and keep cache locality, and
// exhausted chunks are recycled through a pool so sustained submission does
// not thrash the GC.
type taskQueue struct {
	head   *queueChunk
	tail   *queueChunk
	length int
}

type queueChunk struct {
	tasks   [queueChunkSize]func()
	next    *queueChunk
	readPos int
	pos     int
}

var queueChunkPool = sync.Pool{
	New: func() any {
		return &queueChunk{}
	},
}

func newQueueChunk() *queueChunk {
	c := queueChunkPool.Get().(*queueChunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnQueueChunk recycles an exhausted chunk, clearing task slots so the
// pool does not retain references to task closures.
func returnQueueChunk(c *queueChunk) {
	for i := 0; i < c.pos; i++ {
		c.tasks[i] = nil
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	queueChunkPool.Put(c)
}

// push appends a task.
func (q *taskQueue) push(task func()) {
	if q.tail == nil {
		q.tail = newQueueChunk()
		q.head = q.tail
	}

	if q.tail.pos == len(q.tail.tasks) {
		next := newQueueChunk()
		q.tail.next = next
		q.tail = next
	}

	q.tail.tasks[q.tail.pos] = task
	q.tail.pos++
	q.length++
}

// pop removes and returns the oldest task, or false when empty.
func (q *taskQueue) pop() (func(), bool) {
	if q.head == nil {
		return nil, false
	}

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			// Sole chunk drained; reset cursors for reuse.
			q.head.pos = 0
			q.head.readPos = 0
			return nil, false
		}
		old := q.head
		q.head = q.head.next
		returnQueueChunk(old)
	}

	if q.head.readPos >= q.head.pos {
		return nil, false
	}

	task := q.head.tasks[q.head.readPos]
	q.head.tasks[q.head.readPos] = nil
	q.head.readPos++
	q.length--

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
		} else {
			old := q.head
			q.head = q.head.next
			returnQueueChunk(old)
		}
	}

	return task, true
}

func (q *taskQueue) len() int {
	return q.length
}
