package monitor

import "sync"

// Timer counts processed batches and derives the epoch from them. It is
// saved and restored together with the model checkpoint.
type Timer struct {
	mu             sync.Mutex
	batchesInEpoch int
	batchID        int
}

// NewTimer creates a timer for an epoch of the given length
func NewTimer(batchesInEpoch int) *Timer {
	t := &Timer{}
	t.Init(batchesInEpoch)
	return t
}

// Init resets the batch counter and sets the epoch length. Non-positive
// lengths are treated as one batch per epoch.
func (t *Timer) Init(batchesInEpoch int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if batchesInEpoch < 1 {
		batchesInEpoch = 1
	}
	t.batchesInEpoch = batchesInEpoch
	t.batchID = 0
}

// Tick records one finished batch
func (t *Timer) Tick() {
	t.mu.Lock()
	t.batchID++
	t.mu.Unlock()
}

// SetEpoch moves the counter to the first batch of epoch
func (t *Timer) SetEpoch(epoch int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if epoch < 0 {
		epoch = 0
	}
	t.batchID = epoch * t.batchesInEpoch
}

// Epoch returns the number of completed epochs
func (t *Timer) Epoch() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.batchID / t.batchesInEpoch
}

// EpochProgress returns the fractional epoch position, e.g. 2.5 halfway
// through the third epoch.
func (t *Timer) EpochProgress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.batchID) / float64(t.batchesInEpoch)
}

// BatchesInEpoch returns the configured epoch length
func (t *Timer) BatchesInEpoch() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.batchesInEpoch
}

// BatchID returns the total number of batches ticked
func (t *Timer) BatchID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.batchID
}
