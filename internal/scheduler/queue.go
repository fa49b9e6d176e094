package scheduler

// enqueue appends job IDs to the FIFO. Their slots must already be reserved.
func (s *Scheduler) enqueue(ids ...string) {
	s.mu.Lock()
	for _, id := range ids {
		s.queued[id] = s.queue.PushBack(id)
	}
	s.mu.Unlock()
	s.signal()
}

// dequeue pops the oldest job ID and frees its slot.
func (s *Scheduler) dequeue() (string, bool) {
	s.mu.Lock()
	front := s.queue.Front()
	if front == nil {
		s.mu.Unlock()
		return "", false
	}
	id := s.queue.Remove(front).(string)
	delete(s.queued, id)
	s.reserved--
	more := s.queue.Len() > 0
	s.mu.Unlock()

	if more {
		s.signal()
	}
	return id, true
}

// withdraw removes a job that no worker has dequeued yet and frees its slot.
func (s *Scheduler) withdraw(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.queued[id]
	if !ok {
		return false
	}
	s.queue.Remove(el)
	delete(s.queued, id)
	s.reserved--
	return true
}

// signal wakes one idle worker. A pending token is enough; a worker that finds
// the queue empty goes back to waiting.
func (s *Scheduler) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}
