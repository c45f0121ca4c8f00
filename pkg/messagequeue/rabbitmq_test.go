package messagequeue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

type recordingAcknowledger struct {
	acks    int
	nacks   int
	requeue bool
}

func (a *recordingAcknowledger) Ack(uint64, bool) error {
	a.acks++
	return nil
}

func (a *recordingAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacks++
	a.requeue = requeue
	return nil
}

func (a *recordingAcknowledger) Reject(uint64, bool) error { return nil }

func TestHandleDeliverySettlesByOutcome(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		acks    int
		nacks   int
		requeue bool
	}{
		{name: "success acks", acks: 1},
		{name: "malformed is dropped", err: fmt.Errorf("%w: bad json", ErrMalformed), acks: 1},
		{name: "failure requeues", err: errors.New("datastore unavailable"), nacks: 1, requeue: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &recordingAcknowledger{}
			var got []byte
			d := amqp.Delivery{Acknowledger: ack, Body: []byte(`{"id":"evt_1"}`), MessageId: "m1"}

			HandleDelivery(context.Background(), d, func(_ context.Context, body []byte) error {
				got = body
				return tt.err
			}, zaptest.NewLogger(t))

			assert.Equal(t, `{"id":"evt_1"}`, string(got))
			assert.Equal(t, tt.acks, ack.acks)
			assert.Equal(t, tt.nacks, ack.nacks)
			assert.Equal(t, tt.requeue, ack.requeue)
		})
	}
}
