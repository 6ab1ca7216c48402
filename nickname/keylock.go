package nickname

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// keyLock serializes work per user id. Ids hash onto a fixed set of mutexes,
// so two ids may share a stripe but one id always maps to the same one.
type keyLock struct {
	stripes [lockStripes]sync.Mutex
}

func (k *keyLock) lock(id string) (unlock func()) {
	m := &k.stripes[shard(id, lockStripes)]
	m.Lock()
	return m.Unlock
}

// shard maps id onto [0, n).
func shard(id string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(n))
}
