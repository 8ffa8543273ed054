package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/khaledhikmat/vs-detect/service/lgr"
)

// SwitchPipe routes exactly one of two byte streams to a shared output and
// discards the other.
type SwitchPipe struct {
	// life serializes Start/Stop; mu guards routing; send is held by the
	// one pump handing a chunk to the output
	life     sync.Mutex
	mu       sync.Mutex
	send     sync.Mutex
	out      chan []byte
	live     int
	attached bool
	closing  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	discarded [2]int64
}

func NewSwitchPipe() *SwitchPipe {
	return &SwitchPipe{}
}

// Start wires loop as the first input and returns the shared output
func (p *SwitchPipe) Start(ctx context.Context, loop <-chan []byte) (<-chan []byte, error) {
	p.life.Lock()
	defer p.life.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.out != nil {
		return nil, ErrAlreadyRunning
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.out = make(chan []byte)
	p.live = 0
	p.attached = false
	p.closing = false
	p.discarded = [2]int64{}

	p.wg.Add(1)
	go p.pump(p.ctx, 0, loop)

	return p.out, nil
}

// AddStream wires stream as the second input and switches to it
func (p *SwitchPipe) AddStream(stream <-chan []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.out == nil || p.closing {
		return ErrNotRunning
	}
	if p.attached {
		return ErrStreamAttached
	}
	p.attached = true

	p.wg.Add(1)
	go p.pump(p.ctx, 1, stream)

	p.toggle()
	return nil
}

// Switch toggles which input feeds the output. It is not an addressed
// selection: two calls restore the previous routing.
func (p *SwitchPipe) Switch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toggle()
}

func (p *SwitchPipe) toggle() {
	p.live = 1 - p.live
	lgr.Logger.Debug("switch pipe toggled", slog.Int("live", p.live))
}

// Live returns the index of the input currently routed to the output
func (p *SwitchPipe) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

func (p *SwitchPipe) pump(ctx context.Context, idx int, in <-chan []byte) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-in:
			if !ok {
				lgr.Logger.Debug("switch pipe input closed", slog.Int("input", idx))
				return
			}
			if !p.route(ctx, idx, chunk) {
				return
			}
		}
	}
}

// route forwards chunk when idx is live and discards it otherwise. A chunk is
// always sent whole and sends are serialized, so after a switch at most the
// one chunk already handed over from the old input precedes the new one.
func (p *SwitchPipe) route(ctx context.Context, idx int, chunk []byte) bool {
	if !p.isLive(idx) {
		return true
	}

	p.send.Lock()
	defer p.send.Unlock()

	// the input may have been switched away while waiting for the send
	if !p.isLive(idx) {
		return true
	}
	p.mu.Lock()
	out := p.out
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return false
	case out <- chunk:
		return true
	}
}

// isLive reports whether idx is routed, counting a discard when it is not
func (p *SwitchPipe) isLive(idx int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live != idx {
		p.discarded[idx]++
		return false
	}
	return true
}

// Stop tears the pipe down and closes the output
func (p *SwitchPipe) Stop() {
	p.life.Lock()
	defer p.life.Unlock()

	// pumps may be parked on the output until cancelled
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return
	}
	p.closing = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	close(p.out)
	p.out = nil
	p.cancel = nil
	p.mu.Unlock()
}

// Reset stops the pipe and clears its routing so it can be started again
func (p *SwitchPipe) Reset() {
	p.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.live = 0
	p.attached = false
}
