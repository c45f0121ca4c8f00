package messagequeue

import (
	"context"
	"errors"
)

// ErrMalformed marks a message that can never be processed. Such messages are
// acknowledged and dropped instead of being redelivered forever.
var ErrMalformed = errors.New("malformed message")

// Handler processes one message body. A nil error acknowledges the message,
// ErrMalformed drops it and any other error requeues it.
type Handler func(ctx context.Context, body []byte) error

// MessageQueue defines the interface for message queue services.
type MessageQueue interface {
	Publish(ctx context.Context, queueName string, body []byte) error
	// Consume blocks, feeding messages to handler until ctx is cancelled or
	// the broker closes the delivery channel.
	Consume(ctx context.Context, queueName string, handler Handler) error
	Close() error
}
