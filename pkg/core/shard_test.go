package core

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"durakv/pkg/core/memory"
)

func TestShardBasicOps(t *testing.T) {
	sh := NewShard(0, 4)

	_, ok := sh.Get("a")
	assert.False(t, ok)

	sh.Put("b", []byte("2"))
	sh.Put("a", []byte("1"))
	sh.Put("c", []byte("3"))
	sh.Put("a", []byte("1x"))

	val, ok := sh.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1x"), val)
	assert.Equal(t, 3, sh.Len())
	assert.Equal(t, []string{"a", "b", "c"}, sh.Keys())
	assert.Equal(t, len("a1x")+len("b2")+len("c3"), sh.Bytes())

	var visited []string
	sh.ForEach(func(key string, _ []byte) bool {
		visited = append(visited, key)
		return len(visited) < 2
	})
	assert.Equal(t, []string{"a", "b"}, visited)

	assert.True(t, sh.Remove("b"))
	assert.False(t, sh.Remove("b"))
	assert.Equal(t, []string{"a", "c"}, sh.Keys())

	items := sh.Scan("b", "")
	require.Len(t, items, 1)
	assert.Equal(t, "c", items[0].Key)

	sh.Clear()
	assert.Equal(t, 0, sh.Len())
}

func TestShardGetReturnsCopy(t *testing.T) {
	sh := NewShard(0, 4)
	sh.Put("k", []byte("abc"))

	val, _ := sh.Get("k")
	val[0] = 'z'

	again, _ := sh.Get("k")
	assert.Equal(t, []byte("abc"), again)
}

func TestShardIndexStable(t *testing.T) {
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key%d", i)
		idx := ShardIndex(key, 16)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 16)
		assert.Equal(t, idx, ShardIndex(key, 16))
	}
}

func TestShardIndexSpreads(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 1000; i++ {
		seen[ShardIndex(fmt.Sprintf("key%d", i), 8)] = true
	}
	assert.Len(t, seen, 8)
}

func TestShardApplyInTicketOrder(t *testing.T) {
	sh := NewShard(0, 4)
	const n = 50

	tickets := make([]uint64, n)
	for i := range tickets {
		tickets[i] = sh.reserve()
	}

	var wg sync.WaitGroup
	// Start in reverse so later tickets have to wait for earlier ones.
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i == 10 {
				sh.apply(tickets[i], nil)
				return
			}
			sh.apply(tickets[i], func(mt *memory.MemTable) {
				mt.Put("k", []byte(fmt.Sprint(i)))
			})
		}(i)
	}
	wg.Wait()

	val, ok := sh.Get("k")
	require.True(t, ok)
	assert.Equal(t, fmt.Sprint(n-1), string(val))
}

func TestShardApplyWaitsForEarlierTicket(t *testing.T) {
	sh := NewShard(0, 4)
	first := sh.reserve()
	second := sh.reserve()

	done := make(chan struct{})
	go func() {
		sh.apply(second, func(mt *memory.MemTable) { mt.Put("k", []byte("second")) })
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second ticket applied before the first")
	case <-time.After(50 * time.Millisecond):
	}

	sh.apply(first, func(mt *memory.MemTable) { mt.Put("k", []byte("first")) })
	<-done

	val, _ := sh.Get("k")
	assert.Equal(t, []byte("second"), val)
}
