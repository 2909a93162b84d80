package connmgr

import (
	"sync"

	"github.com/ottercluster/otter/pkg/types"
)

// keyedLock is an arena of mutexes keyed by node id. It serializes the
// check-then-act connect logic per node so a manual connect and the periodic
// checker can never race on the same node. Locks are created on demand and
// never freed; the arena is bounded by cluster size.
type keyedLock struct {
	mu    sync.Mutex
	locks map[types.NodeID]*sync.Mutex
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[types.NodeID]*sync.Mutex)}
}

// acquire locks the mutex for id and returns the release function. Callers
// must release on every exit path, typically via defer.
func (kl *keyedLock) acquire(id types.NodeID) (release func()) {
	kl.mu.Lock()
	l, ok := kl.locks[id]
	if !ok {
		l = &sync.Mutex{}
		kl.locks[id] = l
	}
	kl.mu.Unlock()

	l.Lock()
	return l.Unlock
}
