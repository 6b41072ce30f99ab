package processor

import "context"

// Slots is the explicit admission-control parameter for the shared extraction
// pool. The pool's capacity is an operational constant (observed around 15
// concurrent slots across all tenants); serialization in the batch processor
// is the discipline, this limiter is the enforcement.
type Slots struct {
	ch chan struct{}
}

func NewSlots(n int) *Slots {
	if n < 1 {
		n = 1
	}
	return &Slots{ch: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Slots) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Slots) Release() {
	<-s.ch
}

// InUse reports the number of held slots.
func (s *Slots) InUse() int {
	return len(s.ch)
}
