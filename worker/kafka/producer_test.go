package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPublishEncodesEvent(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event Event
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		if event.Type != EventTaskCompleted || event.QueueID != "q1" || event.TaskID != "t1" {
			return errors.New("unexpected event " + string(val))
		}
		if event.OccurredAt.IsZero() {
			return errors.New("missing timestamp")
		}
		return nil
	})

	p := NewProducerFromClient(sp, "batch-events")
	err := p.Publish(context.Background(), &Event{Type: EventTaskCompleted, QueueID: "q1", TaskID: "t1"})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestPublishPropagatesBrokerError(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewProducerFromClient(sp, "batch-events")
	err := p.Publish(context.Background(), &Event{Type: EventQueueFinalized, QueueID: "q1"})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	marked []int64
}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func TestConsumeClaimDecodesAndMarks(t *testing.T) {
	data, err := json.Marshal(&Event{Type: EventQueueSubmitted, QueueID: "q1"})
	require.NoError(t, err)

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 2)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 1, Value: []byte("not json")}
	claim.messages <- &sarama.ConsumerMessage{Offset: 2, Value: data}
	close(claim.messages)

	var got []*Event
	h := &consumerHandler{
		ctx:    context.Background(),
		logger: zaptest.NewLogger(t),
		fn: func(_ context.Context, e *Event) error {
			got = append(got, e)
			return nil
		},
	}
	session := &fakeSession{}
	require.NoError(t, h.ConsumeClaim(session, claim))

	require.Len(t, got, 1)
	assert.Equal(t, "q1", got[0].QueueID)
	assert.Equal(t, []int64{1, 2}, session.marked)
}

func TestNopPublisher(t *testing.T) {
	p := NopPublisher()
	assert.NoError(t, p.Publish(context.Background(), &Event{Type: EventTaskFailed}))
	assert.NoError(t, p.Close())
}

func TestEventTypeWakes(t *testing.T) {
	assert.True(t, EventQueueSubmitted.Wakes())
	assert.True(t, EventTaskRetried.Wakes())
	assert.False(t, EventTaskCompleted.Wakes())
	assert.False(t, EventQueueCancelled.Wakes())
}
