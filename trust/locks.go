package trust

import "sync"

// keyedMutex hands out one mutex per trust account id, so postings against
// the same account serialize while different accounts proceed in parallel.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int]*sync.Mutex)}
}

func (k *keyedMutex) get(id int) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	mu, ok := k.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		k.locks[id] = mu
	}
	return mu
}
