// Package principal holds the in-memory containers for the run, luminosity
// block and event currently being processed, and the cache that owns them.
package principal

import (
	"fmt"
	"sync"
	"time"
)

// ProcessHistoryID identifies the processing history of the input data.
type ProcessHistoryID string

// RunKey identifies a run
type RunKey struct {
	PHID ProcessHistoryID
	Run  uint32
}

func (k RunKey) String() string {
	return fmt.Sprintf("run %d (%s)", k.Run, k.PHID)
}

// LumiKey identifies a luminosity block
type LumiKey struct {
	PHID ProcessHistoryID
	Run  uint32
	Lumi uint32
}

func (k LumiKey) String() string {
	return fmt.Sprintf("run %d lumi %d (%s)", k.Run, k.Lumi, k.PHID)
}

// RunAuxiliary is the metadata the source reports for a run.
type RunAuxiliary struct {
	PHID      ProcessHistoryID
	Run       uint32
	BeginTime time.Time
	EndTime   time.Time
}

// Key returns the run's identity
func (a RunAuxiliary) Key() RunKey {
	return RunKey{PHID: a.PHID, Run: a.Run}
}

// LumiAuxiliary is the metadata the source reports for a luminosity block.
type LumiAuxiliary struct {
	PHID      ProcessHistoryID
	Run       uint32
	Lumi      uint32
	BeginTime time.Time
	EndTime   time.Time
}

// Key returns the luminosity block's identity
func (a LumiAuxiliary) Key() LumiKey {
	return LumiKey{PHID: a.PHID, Run: a.Run, Lumi: a.Lumi}
}

// EventAuxiliary is the metadata the source reports for an event.
type EventAuxiliary struct {
	Run   uint32
	Lumi  uint32
	Event uint64
	Time  time.Time
}

// Principal is implemented by every data container handed to a schedule.
type Principal interface {
	Put(label string, value any)
	Get(label string) (any, bool)
	RegistrySize() int
}

// products is the label-indexed product store shared by all principals.
type products struct {
	mu           sync.RWMutex
	items        map[string]any
	registrySize int
}

func (p *products) Put(label string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.items == nil {
		p.items = make(map[string]any)
	}
	p.items[label] = value
}

func (p *products) Get(label string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.items[label]
	return v, ok
}

func (p *products) RegistrySize() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.registrySize
}

func (p *products) adjust(reg *ProductRegistry) {
	p.mu.Lock()
	p.registrySize = reg.Size()
	p.mu.Unlock()
}

func (p *products) clear() {
	p.mu.Lock()
	p.items = nil
	p.mu.Unlock()
}

// RunPrincipal holds the products of one run, possibly merged from several
// contributions spread over input files.
type RunPrincipal struct {
	products
	aux           RunAuxiliary
	contributions int
}

// NewRunPrincipal creates an empty run principal bound to reg
func NewRunPrincipal(aux RunAuxiliary, reg *ProductRegistry) *RunPrincipal {
	rp := &RunPrincipal{aux: aux, contributions: 1}
	rp.adjust(reg)
	return rp
}

// Aux returns the run metadata
func (r *RunPrincipal) Aux() RunAuxiliary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aux
}

// Key returns the run identity
func (r *RunPrincipal) Key() RunKey {
	return r.Aux().Key()
}

// Contributions returns the number of merged fragments
func (r *RunPrincipal) Contributions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contributions
}

func (r *RunPrincipal) merge(aux RunAuxiliary, reg *ProductRegistry) {
	r.mu.Lock()
	r.aux.BeginTime = earliest(r.aux.BeginTime, aux.BeginTime)
	r.aux.EndTime = latest(r.aux.EndTime, aux.EndTime)
	r.contributions++
	r.registrySize = reg.Size()
	r.mu.Unlock()
}

// LumiPrincipal holds the products of one luminosity block.
type LumiPrincipal struct {
	products
	aux           LumiAuxiliary
	run           *RunPrincipal
	contributions int
}

// NewLumiPrincipal creates an empty luminosity block principal inside run
func NewLumiPrincipal(aux LumiAuxiliary, run *RunPrincipal, reg *ProductRegistry) *LumiPrincipal {
	lp := &LumiPrincipal{aux: aux, run: run, contributions: 1}
	lp.adjust(reg)
	return lp
}

// Aux returns the luminosity block metadata
func (l *LumiPrincipal) Aux() LumiAuxiliary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.aux
}

// Key returns the luminosity block identity
func (l *LumiPrincipal) Key() LumiKey {
	return l.Aux().Key()
}

// RunPrincipal returns the enclosing run
func (l *LumiPrincipal) RunPrincipal() *RunPrincipal {
	return l.run
}

// Contributions returns the number of merged fragments
func (l *LumiPrincipal) Contributions() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.contributions
}

func (l *LumiPrincipal) merge(aux LumiAuxiliary, reg *ProductRegistry) {
	l.mu.Lock()
	l.aux.BeginTime = earliest(l.aux.BeginTime, aux.BeginTime)
	l.aux.EndTime = latest(l.aux.EndTime, aux.EndTime)
	l.contributions++
	l.registrySize = reg.Size()
	l.mu.Unlock()
}

// EventPrincipal is the reusable per-stream event container.
type EventPrincipal struct {
	products
	stream int
	aux    EventAuxiliary
	lumi   *LumiPrincipal
	filled bool
}

// NewEventPrincipal creates the event container for stream
func NewEventPrincipal(stream int, reg *ProductRegistry) *EventPrincipal {
	ep := &EventPrincipal{stream: stream}
	ep.adjust(reg)
	return ep
}

// Stream returns the stream index the principal is bound to
func (e *EventPrincipal) Stream() int {
	return e.stream
}

// Fill binds the principal to a newly read event
func (e *EventPrincipal) Fill(aux EventAuxiliary, lumi *LumiPrincipal) {
	e.mu.Lock()
	e.aux = aux
	e.lumi = lumi
	e.filled = true
	e.mu.Unlock()
}

// Aux returns the event metadata
func (e *EventPrincipal) Aux() EventAuxiliary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.aux
}

// LumiPrincipal returns the luminosity block the event belongs to
func (e *EventPrincipal) LumiPrincipal() *LumiPrincipal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lumi
}

// Filled reports whether the principal currently holds an event
func (e *EventPrincipal) Filled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.filled
}

// Clear drops the event so the principal can be reused
func (e *EventPrincipal) Clear() {
	e.clear()
	e.mu.Lock()
	e.aux = EventAuxiliary{}
	e.lumi = nil
	e.filled = false
	e.mu.Unlock()
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || (!b.IsZero() && b.Before(a)) {
		return b
	}
	return a
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
