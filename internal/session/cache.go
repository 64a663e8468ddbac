package session

import "sync"

// AdminStatusCache はユーザーIDごとの管理者判定結果を保持する。
// 1つのControllerが所有し、エントリが無いことは「未判定」を意味する（falseではない）。
// Clearのたびに世代が進み、クリア前に始まった照会の結果は保存されない。
type AdminStatusCache struct {
	mu         sync.Mutex
	entries    map[string]bool
	generation uint64
}

// NewAdminStatusCache はAdminStatusCacheを生成する。
func NewAdminStatusCache() *AdminStatusCache {
	return &AdminStatusCache{entries: make(map[string]bool)}
}

// Get はキャッシュ済みの判定結果を返す。
func (c *AdminStatusCache) Get(userID string) (isAdmin, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	isAdmin, ok = c.entries[userID]
	return isAdmin, ok
}

// Generation は現在の世代を返す。
func (c *AdminStatusCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// StoreIf は世代がgenerationのままの場合に限り結果を保存する。
func (c *AdminStatusCache) StoreIf(generation uint64, userID string, isAdmin bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != generation {
		return false
	}
	c.entries[userID] = isAdmin
	return true
}

// Clear は全エントリを削除し、世代を進める。
func (c *AdminStatusCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	c.generation++
}

// Len はエントリ数を返す。
func (c *AdminStatusCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
