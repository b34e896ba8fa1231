// Package semaphore provides the bounded-concurrency primitive shared by
// deploy-image's reconstruction pass and the rootfs deployer: a counting
// semaphore built on a buffered channel.
package semaphore

// Semaphore limits concurrent access to a resource by blocking when the
// limit is reached.
type Semaphore chan struct{}

// New creates a semaphore that allows up to n concurrent acquisitions.
func New(n int) Semaphore { return make(chan struct{}, n) }

// Acquire blocks until a slot is available, then claims it.
func (s Semaphore) Acquire() { s <- struct{}{} }

// Release frees a slot, unblocking one waiting Acquire call.
func (s Semaphore) Release() { <-s }
