package virtio

import "fmt"

// LeakQueue names one of the two alternating leak queues.
type LeakQueue int

const (
	LeakQueue1 LeakQueue = iota + 1
	LeakQueue2
)

// Other returns the leak queue that is not q.
func (q LeakQueue) Other() LeakQueue {
	if q == LeakQueue1 {
		return LeakQueue2
	}

	return LeakQueue1
}

// Index returns the queue index of q on the device.
func (q LeakQueue) Index() int {
	return int(q)
}

func (q LeakQueue) Valid() bool {
	return q == LeakQueue1 || q == LeakQueue2
}

func (q LeakQueue) String() string {
	switch q {
	case LeakQueue1:
		return "leakq1"
	case LeakQueue2:
		return "leakq2"
	default:
		return fmt.Sprintf("LeakQueue(%d)", int(q))
	}
}

// LeakQueueFromIndex maps a device queue index to a leak queue.
func LeakQueueFromIndex(i int) (LeakQueue, bool) {
	q := LeakQueue(i)

	return q, q.Valid()
}
