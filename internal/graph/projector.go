package graph

import (
	"context"
	"sync"

	"steward/internal/domain"
)

// EventSource is the slice of the event store the projector reads.
type EventSource interface {
	ReadAll(ctx context.Context, target string, fn func(domain.Event) error) error
	After(ctx context.Context, cursor int64, target string, limit int) ([]domain.Event, error)
}

// Projector maintains a graph state by folding the event log. It can
// rebuild from zero or catch up incrementally; both paths produce the same
// state because application is pure and ordered by seq.
type Projector struct {
	Source EventSource

	mu       sync.Mutex
	state    *State
	lastSeq  int64
	warnings []Warning
}

func NewProjector(src EventSource) *Projector {
	return &Projector{Source: src, state: NewState()}
}

func (p *Projector) apply(e domain.Event) {
	// Replays of already-applied events are no-ops.
	if e.Seq <= p.lastSeq {
		return
	}
	p.warnings = append(p.warnings, Apply(p.state, e)...)
	p.lastSeq = e.Seq
}

// Rebuild discards the state and replays the full log.
func (p *Projector) Rebuild(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = NewState()
	p.lastSeq = 0
	p.warnings = nil
	return p.Source.ReadAll(ctx, "", func(e domain.Event) error {
		p.apply(e)
		return nil
	})
}

// CatchUp folds events appended since the last application.
func (p *Projector) CatchUp(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		batch, err := p.Source.After(ctx, p.lastSeq, "", 200)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, e := range batch {
			p.apply(e)
		}
	}
}

// State returns the current projected state. Callers must treat it as
// read-only; the projector mutates it on the next catch-up.
func (p *Projector) State() *State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Warnings returns integrity warnings collected since the last rebuild.
func (p *Projector) Warnings() []Warning {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Warning(nil), p.warnings...)
}

// LastSeq returns the seq of the last applied event.
func (p *Projector) LastSeq() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeq
}
