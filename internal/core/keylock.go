package core

import "sync"

// keyedMutex serializes mutations per key while unrelated keys proceed
// independently. The registry locks per device identifier so concurrent
// reports cannot race on slot state; the alert evaluator locks per
// (metric, scope) so overlapping passes cannot double-open an alert.
type keyedMutex struct {
	locks sync.Map // string -> *sync.Mutex
}

func (k *keyedMutex) Lock(key string) func() {
	v, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
