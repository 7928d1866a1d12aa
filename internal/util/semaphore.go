package util

// Semaphore is a wrapper around a channel to provide
// utility methods to clamp concurrency
type Semaphore chan struct{}

// NewSemaphore creates a semaphore that allows up
// to a given limit of simultaneous acquisitions
func NewSemaphore(n int) Semaphore {
	if n <= 0 {
		panic("semaphore with limit <= 0")
	}
	return make(Semaphore, n)
}

// Acquire a semaphore
func (s Semaphore) Acquire() {
	s <- struct{}{}
}

// Release a semaphore
func (s Semaphore) Release() {
	<-s
}
