package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New(0, nil)
	id1, err := pub.Publish(context.Background(), "pages", map[string]string{"url": "http://a.test/"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "alerts", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "pages", msgs[0].Topic)
	assert.Equal(t, "memory-2", msgs[1].ID)

	msgs[0].Topic = "modified"
	assert.Equal(t, "pages", pub.Messages()[0].Topic, "Messages must return a copy")
}

func TestPublisherDropsOldest(t *testing.T) {
	t.Parallel()

	pub := New(2, nil)
	for i := 0; i < 5; i++ {
		_, err := pub.Publish(context.Background(), "pages", i)
		require.NoError(t, err)
	}
	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, 3, msgs[0].Payload)
	assert.Equal(t, "memory-5", msgs[1].ID)
	assert.Equal(t, 5, pub.Total())
}

func TestPublisherHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(0, nil).Publish(ctx, "pages", "x")
	require.ErrorIs(t, err, context.Canceled)
}
