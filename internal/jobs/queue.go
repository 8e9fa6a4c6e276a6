package jobs

// fifoQueue holds job IDs in arrival order. It is not safe for
// concurrent use; the scheduler guards it with its own mutex.
type fifoQueue struct {
	ids []string
}

func (q *fifoQueue) push(id string) {
	q.ids = append(q.ids, id)
}

func (q *fifoQueue) pop() (string, bool) {
	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	return id, true
}

func (q *fifoQueue) remove(id string) bool {
	for i, candidate := range q.ids {
		if candidate == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			return true
		}
	}
	return false
}

func (q *fifoQueue) len() int {
	return len(q.ids)
}
