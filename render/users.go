package render

import (
	"os/user"
	"strconv"

	lru "github.com/hashicorp/golang-lru"
)

// UserCache maps uids to user names with LRU eviction. Unknown uids are
// cached as the empty name.
type UserCache struct {
	cache  *lru.Cache
	lookup func(uid string) (string, error)
}

// NewUserCache creates a cache holding at most size entries.
func NewUserCache(size int) (*UserCache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &UserCache{cache: cache, lookup: lookupUser}, nil
}

func lookupUser(uid string) (string, error) {
	u, err := user.LookupId(uid)
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

// Lookup returns the user name of uid, or "" if it has none.
func (c *UserCache) Lookup(uid uint32) string {
	if name, ok := c.cache.Get(uid); ok {
		return name.(string)
	}
	name, err := c.lookup(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		name = ""
	}
	c.cache.Add(uid, name)
	return name
}

// Len returns the number of cached entries.
func (c *UserCache) Len() int { return c.cache.Len() }
