package syncbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/khaledhikmat/vs-detect/service/lgr"
)

type Options struct {
	// Active mirrors output.synchronization.active
	Active bool
	// DefaultChannel mirrors output.synchronization.name
	DefaultChannel string
}

type subscriber struct {
	ch chan Event
}

type bus struct {
	opts       Options
	transports []Transport

	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

func New(opts Options, transports ...Transport) IService {
	if opts.DefaultChannel == "" {
		opts.DefaultChannel = "detection"
	}
	return &bus{
		opts:       opts,
		transports: transports,
		subs:       map[string]map[*subscriber]struct{}{},
	}
}

func (b *bus) Sync(ctx context.Context, channel string, evt Event) error {
	if channel == "" {
		channel = b.opts.DefaultChannel
	}

	// an inactive bus still carries custom channels such as the handshake
	if !b.opts.Active && channel == b.opts.DefaultChannel {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	evt.Channel = channel

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errors.New("sync bus closed")
	}

	listeners := len(b.subs[channel])
	for _, t := range b.transports {
		listeners += t.Listeners()
	}
	if listeners == 0 {
		return ErrNoClients
	}

	for s := range b.subs[channel] {
		select {
		case s.ch <- evt:
		default:
			lgr.Logger.Debug("sync subscriber is full, event dropped",
				slog.String("channel", channel),
				slog.String("cmd", evt.Cmd),
			)
		}
	}

	var errs []error
	for _, t := range b.transports {
		if t.Listeners() == 0 {
			continue
		}
		if err := t.Deliver(evt); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}

	return errors.Join(errs...)
}

func (b *bus) On(ctx context.Context, channel string) (Event, error) {
	if channel == "" {
		channel = b.opts.DefaultChannel
	}

	ch, unsubscribe := b.Subscribe(channel, 1)
	defer unsubscribe()

	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case evt, ok := <-ch:
		if !ok {
			return Event{}, errors.New("sync bus closed")
		}
		return evt, nil
	}
}

func (b *bus) Subscribe(channel string, buffer int) (<-chan Event, func()) {
	if channel == "" {
		channel = b.opts.DefaultChannel
	}
	if buffer < 1 {
		buffer = 1
	}

	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(s.ch)
		return s.ch, func() {}
	}

	if b.subs[channel] == nil {
		b.subs[channel] = map[*subscriber]struct{}{}
	}
	b.subs[channel][s] = struct{}{}

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[channel][s]; ok {
				delete(b.subs[channel], s)
				close(s.ch)
			}
		})
	}
}

func (b *bus) Info() Info {
	info := Info{
		Active:  b.opts.Active,
		Channel: b.opts.DefaultChannel,
	}
	for _, t := range b.transports {
		info.Transports = append(info.Transports, t.Name())
	}
	return info
}

func (b *bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for channel, subs := range b.subs {
		for s := range subs {
			close(s.ch)
		}
		delete(b.subs, channel)
	}
	b.mu.Unlock()

	var errs []error
	for _, t := range b.transports {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
