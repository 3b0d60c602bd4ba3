package labels

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapLookupIsCaseInsensitiveForEVM(t *testing.T) {
	m := NewMap(Label{Chain: "ethereum", Address: "0xAbC123", Name: "Uniswap V3", Category: CategoryDEX})

	l, ok := m.Lookup("ethereum", "0xabc123")
	require.True(t, ok)
	assert.Equal(t, "Uniswap V3", l.Name)

	_, ok = m.Lookup("ethereum", "0xother")
	assert.False(t, ok)
}

func TestMapLookupIsCaseSensitiveForSolana(t *testing.T) {
	m := NewMap(Label{Chain: "solana", Address: "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4", Name: "Jupiter", Category: CategoryDEX})

	_, ok := m.Lookup("solana", "jup6lkbzbjs1jkkwapdhny74zcz3tluzoi5qnyvtav4")
	assert.False(t, ok)

	_, ok = m.Lookup("solana", "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4")
	assert.True(t, ok)
}

type countingStore struct {
	labels map[string]Label
	calls  int
	err    error
}

func (s *countingStore) LookupLabel(chain, address string) (Label, bool, error) {
	s.calls++
	if s.err != nil {
		return Label{}, false, s.err
	}
	l, ok := s.labels[chain+":"+address]
	return l, ok, nil
}

func TestCachedLabelerMemoizesHitsAndMisses(t *testing.T) {
	store := &countingStore{labels: map[string]Label{
		"ethereum:0xdex": {Chain: "ethereum", Address: "0xdex", Name: "SushiSwap", Category: CategoryDEX},
	}}
	c := NewCachedLabeler(store, time.Minute)

	for i := 0; i < 3; i++ {
		l, ok := c.Lookup("ethereum", "0xdex")
		require.True(t, ok)
		assert.Equal(t, "SushiSwap", l.Name)
	}
	assert.Equal(t, 1, store.calls)

	for i := 0; i < 3; i++ {
		_, ok := c.Lookup("ethereum", "0xunknown")
		assert.False(t, ok)
	}
	assert.Equal(t, 2, store.calls, "misses are memoized too")
}

func TestCachedLabelerDoesNotMemoizeErrors(t *testing.T) {
	store := &countingStore{err: errors.New("db closed")}
	c := NewCachedLabeler(store, time.Minute)

	_, ok := c.Lookup("ethereum", "0xdex")
	assert.False(t, ok)
	_, ok = c.Lookup("ethereum", "0xdex")
	assert.False(t, ok)
	assert.Equal(t, 2, store.calls)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Label{Chain: "ethereum", Address: "0x1", Name: "Binance", Category: CategoryExchange}))
	assert.Error(t, Validate(Label{Address: "0x1", Name: "Binance"}))
	assert.Error(t, Validate(Label{Chain: "ethereum", Address: "0x1"}))
}
