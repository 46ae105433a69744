package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSerializerClosed is returned by Submit after Close.
var ErrSerializerClosed = errors.New("send serializer closed")

// Sender writes one complete message.
type Sender interface {
	SendOne(ctx context.Context, data []byte) error
}

type sendRequest struct {
	ctx    context.Context
	data   []byte
	result chan error
}

// Serializer is the single writer in front of a Sender. Requests from any
// number of goroutines are written one at a time in submission order.
type Serializer struct {
	out          Sender
	writeTimeout time.Duration

	queue chan *sendRequest
	quit  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewSerializer starts the writer goroutine. Each write is bounded by
// writeTimeout so a hung socket cannot stall the queue.
func NewSerializer(out Sender, writeTimeout time.Duration) *Serializer {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	s := &Serializer{
		out:          out,
		writeTimeout: writeTimeout,
		queue:        make(chan *sendRequest),
		quit:         make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s
}

// Submit queues data and waits until it has been written or has failed.
// If ctx ends before the writer picks the request up, the request is
// abandoned; once picked up it always runs to completion.
func (s *Serializer) Submit(ctx context.Context, data []byte) error {
	req := &sendRequest{ctx: ctx, data: data, result: make(chan error, 1)}

	select {
	case s.queue <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrSerializerClosed
	}

	return <-req.result
}

// Close stops the writer after the request in progress, if any.
func (s *Serializer) Close() {
	s.once.Do(func() {
		close(s.quit)
	})
	s.wg.Wait()
}

func (s *Serializer) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.queue:
			req.result <- s.write(req)
		case <-s.quit:
			return
		}
	}
}

func (s *Serializer) write(req *sendRequest) error {
	if err := req.ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(req.ctx, s.writeTimeout)
	defer cancel()
	return s.out.SendOne(ctx, req.data)
}
