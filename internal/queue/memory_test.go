package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gulfbridge/crm-automation/internal/events"
)

func TestMemoryQueueRoundTrip(t *testing.T) {
	q := NewMemory(4)
	ctx := context.Background()

	event := events.NormalizedEvent{
		Type:      events.TypeMessage,
		Channel:   events.ChannelWhatsApp,
		SenderID:  "971501234567",
		MessageID: "wamid.abc",
		Text:      "hello",
	}
	require.NoError(t, PublishEvent(ctx, q, event))

	msgs, err := q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	job, err := DecodeJob(msgs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, JobInboundEvent, job.Kind)
	assert.NotEmpty(t, job.ID)
	require.NotNil(t, job.Event)
	assert.Equal(t, "wamid.abc", job.Event.MessageID)
	assert.Equal(t, events.ChannelWhatsApp, job.Event.Channel)
}

func TestMemoryQueueCollectsUpToMax(t *testing.T) {
	q := NewMemory(8)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Send(ctx, "body"))
	}

	msgs, err := q.Receive(ctx, 3, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	msgs, err = q.Receive(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestMemoryQueueWaitTimeout(t *testing.T) {
	q := NewMemory(1)

	start := time.Now()
	msgs, err := q.Receive(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Nil(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestMemoryQueueReceiveHonorsContext(t *testing.T) {
	q := NewMemory(1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx, 1, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDecodeJobRejectsGarbage(t *testing.T) {
	_, err := DecodeJob("{not json")
	assert.Error(t, err)
}
