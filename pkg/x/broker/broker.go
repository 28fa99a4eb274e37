package broker

import (
	"context"
)

// broker code adapted from https://stackoverflow.com/questions/36417199/how-to-broadcast-message-using-channel
// which is licensed under Creative Commons CC BY-SA 4.0.

// Broker implements a fan-out system where multiple consumers can subscribe and receive published messages.
type Broker[T any] interface {
	// Publish dispatches a message to all subscribed receivers.  It waits while the broker is still
	// delivering an earlier message to a subscriber whose channel is full.
	Publish(T)
	// Subscribe returns a channel that will receive published messages.
	Subscribe() <-chan T
	// Unsubscribe stops sending messages and closes the channel.  Messages still
	// pending for the channel are drained and discarded by the broker.
	Unsubscribe(<-chan T)
}

// broker implements Broker
type broker[T any] struct {
	ctx       context.Context
	bufSize   int
	publishCh chan T
	subCh     chan chan T
	unSubCh   chan (<-chan T)
}

// Buffered modifies New so subscriber channels carry a buffer of the given
// size.  A burst of publishes then doesn't stall on a consumer that is
// momentarily busy; the transports use this for status-change fan-out.
func Buffered[T any](size int) func(*broker[T]) {
	return func(b *broker[T]) {
		b.bufSize = size
	}
}

// New starts a new broker.
func New[T any](ctx context.Context, mods ...func(*broker[T])) Broker[T] {
	b := &broker[T]{
		ctx:       ctx,
		publishCh: make(chan T),
		subCh:     make(chan chan T),
		unSubCh:   make(chan (<-chan T)),
	}
	for _, mod := range mods {
		mod(b)
	}
	go b.run()
	return b
}

func (b *broker[T]) run() {
	subs := make(map[<-chan T]chan T)
	for {
		select {
		case <-b.ctx.Done():
			return
		case msgCh := <-b.subCh:
			subs[msgCh] = msgCh
		case msgCh := <-b.unSubCh:
			realCh := subs[msgCh]
			delete(subs, msgCh)
			if realCh != nil {
				close(realCh)
			}
		case msg := <-b.publishCh:
			for msgCh := range subs {
				func(msgCh chan T) {
					select {
					case <-b.ctx.Done():
					case msgCh <- msg:
					}
				}(subs[msgCh])
			}
		}
	}
}

func (b *broker[T]) Publish(msg T) {
	select {
	case <-b.ctx.Done():
	case b.publishCh <- msg:
	}
}

func (b *broker[T]) Subscribe() <-chan T {
	msgCh := make(chan T, b.bufSize)
	select {
	case <-b.ctx.Done():
		return nil
	case b.subCh <- msgCh:
		return msgCh
	}
}

func (b *broker[T]) Unsubscribe(msgCh <-chan T) {
	go func() {
		for {
			select {
			case <-b.ctx.Done():
				return
			case _, ok := <-msgCh:
				if !ok {
					return
				}
			}
		}
	}()
	select {
	case <-b.ctx.Done():
	case b.unSubCh <- msgCh:
	}
}
