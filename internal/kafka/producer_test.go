package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-payouts/internal/logger"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestProducerPublishEncodesJSONWithTopicAndKey(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{writer: w, log: logger.NewNop()}

	err := p.Publish(context.Background(), "payouts.transfer.initiated", "po_1", TransferEvent{PayoutID: "p1", Reference: "po_1", Amount: 500})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "payouts.transfer.initiated", w.msgs[0].Topic)
	assert.Equal(t, "po_1", string(w.msgs[0].Key))

	var got TransferEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, int64(500), got.Amount)
}

func TestProducerPublishWrapsWriterError(t *testing.T) {
	p := &Producer{writer: &fakeWriter{err: errors.New("broker down")}, log: logger.NewNop()}
	err := p.Publish(context.Background(), "t", "k", map[string]string{})
	assert.ErrorContains(t, err, "broker down")
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumerCommitsEvenWhenHandlerFailsOrPanics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &fakeReader{msgs: []kafka.Message{{Offset: 1}, {Offset: 2}, {Offset: 3}}, cancel: cancel}
	c := &Consumer{reader: r, topic: "payouts.trigger.requested", log: logger.NewNop()}

	var seen []int64
	err := c.Run(ctx, func(_ context.Context, msg kafka.Message) error {
		seen = append(seen, msg.Offset)
		switch msg.Offset {
		case 2:
			return errors.New("bad payload")
		case 3:
			panic("boom")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, seen)
	assert.Equal(t, []int64{1, 2, 3}, r.committed)
}
