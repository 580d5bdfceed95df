package groupkeys

import (
	"container/list"
	"strconv"
	"sync"
	"time"

	"github.com/mesmerverse/securechat/internal/model"
)

// DefaultRegistryCapacity bounds the number of resolved sender keys held in memory.
const DefaultRegistryCapacity = 1024

// Registry is the per-instance cache of resolved sender keys and of the last
// observed active epoch per community. Entries live for TTL; the local vault
// stays authoritative, so eviction only costs a vault read.
type Registry struct {
	// TTL is how long a cached key or active-epoch observation stays valid.
	TTL time.Duration

	capacity int
	items    map[string]*list.Element
	order    *list.List
	active   map[string]activeEpoch
	now      func() time.Time
	mu       sync.Mutex
}

type registryEntry struct {
	key       string
	value     *model.SenderKey
	expiresAt time.Time
}

type activeEpoch struct {
	keyID      int64
	observedAt time.Time
}

// NewRegistry creates a registry with the given capacity and TTL.
func NewRegistry(capacity int, ttl time.Duration) *Registry {
	if capacity <= 0 {
		capacity = DefaultRegistryCapacity
	}
	return &Registry{
		TTL:      ttl,
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		active:   make(map[string]activeEpoch),
		now:      time.Now,
	}
}

func registryKey(communityID string, keyID int64) string {
	return communityID + "/" + strconv.FormatInt(keyID, 10)
}

// Get returns a cached key that has not expired.
func (r *Registry) Get(communityID string, keyID int64) (*model.SenderKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem, ok := r.items[registryKey(communityID, keyID)]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*registryEntry)
	if r.now().After(entry.expiresAt) {
		r.removeElement(elem)
		return nil, false
	}
	r.order.MoveToFront(elem)
	return entry.value, true
}

// Put caches a resolved key.
func (r *Registry) Put(key *model.SenderKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := registryKey(key.CommunityID, key.KeyID)
	expiresAt := r.now().Add(r.TTL)
	if elem, ok := r.items[k]; ok {
		r.order.MoveToFront(elem)
		entry := elem.Value.(*registryEntry)
		entry.value = key
		entry.expiresAt = expiresAt
		return
	}

	if r.order.Len() >= r.capacity {
		if oldest := r.order.Back(); oldest != nil {
			r.removeElement(oldest)
		}
	}
	r.items[k] = r.order.PushFront(&registryEntry{key: k, value: key, expiresAt: expiresAt})
}

// SetActive records the active epoch observed for a community. Observations
// never move the epoch backwards.
func (r *Registry) SetActive(communityID string, keyID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.active[communityID]; ok && cur.keyID > keyID {
		keyID = cur.keyID
	}
	r.active[communityID] = activeEpoch{keyID: keyID, observedAt: r.now()}
}

// Active returns the last observed active epoch if it is still fresh.
func (r *Registry) Active(communityID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.active[communityID]
	if !ok || r.now().Sub(cur.observedAt) > r.TTL {
		return 0, false
	}
	return cur.keyID, true
}

// LastRefresh returns when the active epoch of a community was last observed.
func (r *Registry) LastRefresh(communityID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.active[communityID]
	return cur.observedAt, ok
}

// Evict drops every cached key and the epoch observation for a community.
func (r *Registry) Evict(communityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.active, communityID)
	for elem := r.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*registryEntry).value.CommunityID == communityID {
			r.removeElement(elem)
		}
		elem = next
	}
}

// EvictExpired drops expired keys and stale epoch observations and returns
// how many keys were removed.
func (r *Registry) EvictExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for elem := r.order.Front(); elem != nil; {
		next := elem.Next()
		if now.After(elem.Value.(*registryEntry).expiresAt) {
			r.removeElement(elem)
			removed++
		}
		elem = next
	}
	for communityID, cur := range r.active {
		if now.Sub(cur.observedAt) > r.TTL {
			delete(r.active, communityID)
		}
	}
	return removed
}

// Len returns the number of cached keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

func (r *Registry) removeElement(elem *list.Element) {
	delete(r.items, elem.Value.(*registryEntry).key)
	r.order.Remove(elem)
}
