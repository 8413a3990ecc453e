package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// SignalHandler cancels its context on the first SIGINT or SIGTERM. After
// that the default handling is restored, so a second interrupt kills the
// process while in-flight calls drain.
type SignalHandler struct {
	ctx     context.Context
	cancel  context.CancelFunc
	sigChan chan os.Signal
	release func(chan<- os.Signal)
	wg      sync.WaitGroup
}

func NewSignalHandler(ctx context.Context) *SignalHandler {
	ctx, cancel := context.WithCancel(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	return &SignalHandler{
		ctx:     ctx,
		cancel:  cancel,
		sigChan: sigChan,
		release: signal.Stop,
	}
}

func (s *SignalHandler) Context() context.Context {
	return s.ctx
}

func (s *SignalHandler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.sigChan:
			log.Info("received shutdown signal, finishing in-flight operations (interrupt again to force exit)")
			s.cancel()
			s.release(s.sigChan)
		case <-s.ctx.Done():
		}
	}()
}

// Stop releases the signal and waits for the watcher to exit.
func (s *SignalHandler) Stop() {
	s.release(s.sigChan)
	s.cancel()
	s.wg.Wait()
}
