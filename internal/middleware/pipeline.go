package middleware

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// EmitNext continues an outbound chain.
type EmitNext func(event string, payload json.RawMessage)

// EmitMiddleware intercepts an outbound emit.
type EmitMiddleware func(event string, payload json.RawMessage, next EmitNext)

// OnNext continues an inbound chain.
type OnNext func(payload json.RawMessage)

// OnMiddleware intercepts an inbound event. The event name is fixed for the
// whole chain.
type OnMiddleware func(event string, payload json.RawMessage, next OnNext)

// Entry is a registered interceptor pair. Either function may be nil.
type Entry struct {
	ID   string
	Emit EmitMiddleware
	On   OnMiddleware
}

// Pipeline is an ordered set of entries, unique by ID.
type Pipeline struct {
	mu      sync.RWMutex
	entries []Entry
}

// New creates an empty pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

// Add appends entry and returns its ID. An empty ID is replaced with a
// generated one. Adding an ID that already exists replaces that entry in
// place, keeping its position.
func (p *Pipeline) Add(entry Entry) string {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.entries {
		if p.entries[i].ID == entry.ID {
			p.entries[i] = entry
			return entry.ID
		}
	}
	p.entries = append(p.entries, entry)
	return entry.ID
}

// AddEmit registers an emit-only interceptor.
func (p *Pipeline) AddEmit(mw EmitMiddleware) string {
	return p.Add(Entry{Emit: mw})
}

// AddOn registers an on-only interceptor.
func (p *Pipeline) AddOn(mw OnMiddleware) string {
	return p.Add(Entry{On: mw})
}

// Remove deletes the entry with id from both chains. Unknown IDs are ignored.
func (p *Pipeline) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.entries[:0]
	for _, e := range p.entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	// Clear the tail so removed closures can be collected
	for i := len(kept); i < len(p.entries); i++ {
		p.entries[i] = Entry{}
	}
	p.entries = kept
}

// Len returns the number of registered entries.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// IDs returns entry IDs in execution order.
func (p *Pipeline) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, len(p.entries))
	for i, e := range p.entries {
		ids[i] = e.ID
	}
	return ids
}

// RunEmit passes (event, payload) through every emit interceptor and then to
// final. The chain is a snapshot taken at call time.
func (p *Pipeline) RunEmit(event string, payload json.RawMessage, final EmitNext) {
	chain := p.emitChain()

	var index int
	var next EmitNext
	next = func(ev string, data json.RawMessage) {
		if index < len(chain) {
			mw := chain[index]
			index++
			mw(ev, data, next)
			return
		}
		final(ev, data)
	}
	next(event, payload)
}

// RunOn passes payload through every on interceptor and then to final.
func (p *Pipeline) RunOn(event string, payload json.RawMessage, final OnNext) {
	chain := p.onChain()

	var index int
	var next OnNext
	next = func(data json.RawMessage) {
		if index < len(chain) {
			mw := chain[index]
			index++
			mw(event, data, next)
			return
		}
		final(data)
	}
	next(payload)
}

func (p *Pipeline) emitChain() []EmitMiddleware {
	p.mu.RLock()
	defer p.mu.RUnlock()

	chain := make([]EmitMiddleware, 0, len(p.entries))
	for _, e := range p.entries {
		if e.Emit != nil {
			chain = append(chain, e.Emit)
		}
	}
	return chain
}

func (p *Pipeline) onChain() []OnMiddleware {
	p.mu.RLock()
	defer p.mu.RUnlock()

	chain := make([]OnMiddleware, 0, len(p.entries))
	for _, e := range p.entries {
		if e.On != nil {
			chain = append(chain, e.On)
		}
	}
	return chain
}
