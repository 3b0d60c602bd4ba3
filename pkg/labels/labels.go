// Package labels resolves on-chain addresses to human-curated labels. A miss
// is not an error: callers degrade to shape-only heuristics when the
// counterparty is unlabeled.
package labels

import (
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Label categories recognized by the classifier.
const (
	CategoryExchange       = "exchange"
	CategoryDEX            = "dex"
	CategoryBridge         = "bridge"
	CategoryStaking        = "staking"
	CategoryValidator      = "validator"
	CategoryNFTMarketplace = "nft-marketplace"
	CategoryLending        = "lending"
	CategoryToken          = "token"
)

// Label is the curated annotation for one address on one chain.
type Label struct {
	Chain    string `json:"chain"`
	Address  string `json:"address"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Labeler looks up the label for an address. The boolean is false on a miss.
type Labeler interface {
	Lookup(chain, address string) (Label, bool)
}

// Store is the persistent backend a CachedLabeler reads through to.
type Store interface {
	LookupLabel(chain, address string) (Label, bool, error)
}

// key normalizes the lookup identity. EVM addresses are case-insensitive
// hex; Solana addresses are case-sensitive base58 and pass through as-is.
func key(chain, address string) string {
	if chain != "solana" {
		address = strings.ToLower(address)
	}
	return chain + ":" + address
}

// Map is an in-memory Labeler used in tests and for small static sets.
type Map map[string]Label

// NewMap builds a Map from a list of labels.
func NewMap(ls ...Label) Map {
	m := make(Map, len(ls))
	for _, l := range ls {
		m[key(l.Chain, l.Address)] = l
	}
	return m
}

func (m Map) Lookup(chain, address string) (Label, bool) {
	l, ok := m[key(chain, address)]
	return l, ok
}

// CachedLabeler memoizes store lookups, including misses, for a TTL. Label
// data changes rarely so a generous TTL is safe.
type CachedLabeler struct {
	store Store
	cache *gocache.Cache
}

// cached entry; Hit is false for memoized misses.
type entry struct {
	Label Label
	Hit   bool
}

// NewCachedLabeler wraps store with a TTL memo cache.
func NewCachedLabeler(store Store, ttl time.Duration) *CachedLabeler {
	return &CachedLabeler{
		store: store,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (c *CachedLabeler) Lookup(chain, address string) (Label, bool) {
	k := key(chain, address)
	if v, ok := c.cache.Get(k); ok {
		e := v.(entry)
		return e.Label, e.Hit
	}
	l, ok, err := c.store.LookupLabel(chain, address)
	if err != nil {
		// Treat a backend error as a miss for this call and do not memoize
		// it, so the next lookup retries the store.
		return Label{}, false
	}
	c.cache.Set(k, entry{Label: l, Hit: ok}, gocache.DefaultExpiration)
	return l, ok
}

// Validate checks a label loaded from an external dump before it is stored.
func Validate(l Label) error {
	if l.Chain == "" || l.Address == "" {
		return fmt.Errorf("label missing chain or address: %+v", l)
	}
	if l.Name == "" {
		return fmt.Errorf("label for %s:%s has no name", l.Chain, l.Address)
	}
	return nil
}
