package session

import "sync"

// oneShot is settled by the first of pairing, open or close; later settles
// are ignored.
type oneShot struct {
	once  sync.Once
	done  chan struct{}
	value string
	err   error
}

func newOneShot() *oneShot {
	return &oneShot{done: make(chan struct{})}
}

// settle records the outcome if nothing has been recorded yet and reports
// whether this call won.
func (o *oneShot) settle(value string, err error) bool {
	if o == nil {
		return false
	}
	won := false
	o.once.Do(func() {
		o.value, o.err = value, err
		close(o.done)
		won = true
	})
	return won
}

func (o *oneShot) wait() <-chan struct{} { return o.done }

func (o *oneShot) result() (string, error) {
	<-o.done
	return o.value, o.err
}
