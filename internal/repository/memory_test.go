package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemory_AppendThenTake(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Append(ctx, "c1", "안녕하세요")
	require.NoError(t, err)
	_, err = m.Append(ctx, "c1", "사이즈 문의드립니다!")
	require.NoError(t, err)

	text, err := m.TakeAndClear(ctx, "c1", 0)
	require.NoError(t, err)
	require.Equal(t, "안녕하세요 사이즈 문의드립니다!", text)

	text, err = m.TakeAndClear(ctx, "c1", 0)
	require.NoError(t, err)
	require.Empty(t, text)
	require.Zero(t, m.Pending())
}

func TestMemory_TakeWithoutAppend(t *testing.T) {
	text, err := NewMemory().TakeAndClear(context.Background(), "c-empty", 0)
	require.NoError(t, err)
	require.Empty(t, text)
}

func TestMemory_VersionIncrementsAndResets(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	v1, _ := m.Append(ctx, "c1", "a")
	v2, _ := m.Append(ctx, "c1", "b")
	require.Equal(t, int64(1), v1)
	require.Equal(t, int64(2), v2)

	_, err := m.TakeAndClear(ctx, "c1", v1)
	require.ErrorIs(t, err, ErrSuperseded)
	require.Equal(t, 1, m.Pending(), "superseded take must leave the batch in place")

	text, err := m.TakeAndClear(ctx, "c1", v2)
	require.NoError(t, err)
	require.Equal(t, "a b", text)

	v3, _ := m.Append(ctx, "c1", "c")
	require.Equal(t, int64(1), v3)
}

func TestMemory_ConcurrentAppendsKeepEveryFragment(t *testing.T) {
	const writers, perWriter = 8, 50
	m := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := m.Append(ctx, "c1", fmt.Sprintf("w%d-%03d", w, i)); err != nil {
					t.Error(err)
				}
			}
		}(w)
	}
	wg.Wait()

	text, err := m.TakeAndClear(ctx, "c1", 0)
	require.NoError(t, err)
	parts := strings.Fields(text)
	require.Len(t, parts, writers*perWriter)

	seen := make(map[string]bool, len(parts))
	last := make(map[string]string)
	for _, p := range parts {
		require.False(t, seen[p], "fragment %s delivered twice", p)
		seen[p] = true
		writer := p[:strings.Index(p, "-")]
		// per-writer submission order survives the interleaving
		require.Greater(t, p, last[writer])
		last[writer] = p
	}
}

func TestMemory_ConcurrentTakeIsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	for round := 0; round < 100; round++ {
		m := NewMemory()
		_, err := m.Append(ctx, "c1", "hello")
		require.NoError(t, err)

		results := make([]string, 2)
		var wg sync.WaitGroup
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], _ = m.TakeAndClear(ctx, "c1", 0)
			}(i)
		}
		wg.Wait()

		nonEmpty := 0
		for _, r := range results {
			if r != "" {
				nonEmpty++
				require.Equal(t, "hello", r)
			}
		}
		require.Equal(t, 1, nonEmpty)
	}
}

func TestMemory_AppendRequiresConversationID(t *testing.T) {
	_, err := NewMemory().Append(context.Background(), "", "hi")
	require.Error(t, err)
}
