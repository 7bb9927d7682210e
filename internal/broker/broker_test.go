package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemory_PublishFetchCommit(t *testing.T) {
	b := NewInMemory()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "claims.submitted", "k1", []byte("one")))
	require.NoError(t, b.Publish(ctx, "claims.submitted", "k2", []byte("two")))

	msgs, err := b.Fetch(ctx, "claims.submitted", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("one"), msgs[0].Payload)
	assert.Equal(t, int64(0), msgs[0].Offset)

	require.NoError(t, b.Commit(ctx, "claims.submitted", 0, msgs[0].Offset))

	remaining, err := b.Fetch(ctx, "claims.submitted", 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, []byte("two"), remaining[0].Payload)
}

func TestInMemory_FetchRespectsMaxMessages(t *testing.T) {
	b := NewInMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, "t", "", []byte{byte(i)}))
	}
	msgs, err := b.Fetch(ctx, "t", 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestInMemory_Len(t *testing.T) {
	b := NewInMemory()
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "t", "", []byte("a")))
	require.NoError(t, b.Publish(ctx, "t", "", []byte("b")))
	assert.Equal(t, 2, b.Len("t"))

	msgs, _ := b.Fetch(ctx, "t", 1)
	require.NoError(t, b.Commit(ctx, "t", 0, msgs[0].Offset))
	assert.Equal(t, 1, b.Len("t"))
}
