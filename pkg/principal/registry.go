package principal

import (
	"fmt"
	"sync"
)

// BranchType tells which principal a product lives in.
type BranchType int

const (
	InEvent BranchType = iota
	InLumi
	InRun
)

func (b BranchType) String() string {
	switch b {
	case InEvent:
		return "Event"
	case InLumi:
		return "LuminosityBlock"
	case InRun:
		return "Run"
	default:
		return fmt.Sprintf("BranchType(%d)", int(b))
	}
}

// ProductDescription describes one registered product.
type ProductDescription struct {
	Branch      BranchType
	TypeName    string
	ModuleLabel string
	Instance    string
	Process     string
}

// Name returns the branch name of the product
func (d ProductDescription) Name() string {
	return fmt.Sprintf("%s_%s_%s_%s", d.TypeName, d.ModuleLabel, d.Instance, d.Process)
}

// ProductRegistry is the append-only catalogue of products. Sources may add
// products when a new input file is opened.
type ProductRegistry struct {
	mu    sync.RWMutex
	descs []ProductDescription
	index map[string]int
}

// NewProductRegistry creates an empty registry
func NewProductRegistry() *ProductRegistry {
	return &ProductRegistry{index: make(map[string]int)}
}

// Add registers a product. Registering the same branch twice is a no-op.
func (r *ProductRegistry) Add(d ProductDescription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[d.Name()]; ok {
		return
	}
	r.index[d.Name()] = len(r.descs)
	r.descs = append(r.descs, d)
}

// Size returns the number of registered products
func (r *ProductRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descs)
}

// Contains reports whether the branch is registered
func (r *ProductRegistry) Contains(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[name]
	return ok
}

// Descriptions returns a copy of all registered products
func (r *ProductRegistry) Descriptions() []ProductDescription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProductDescription, len(r.descs))
	copy(out, r.descs)
	return out
}

// ParentageRegistry records the parentage ids seen during a job. It is owned
// by one processor and cleared when the processor is closed.
type ParentageRegistry struct {
	mu  sync.Mutex
	ids map[string][]string
}

// NewParentageRegistry creates an empty registry
func NewParentageRegistry() *ParentageRegistry {
	return &ParentageRegistry{ids: make(map[string][]string)}
}

// Insert records the parents of id
func (r *ParentageRegistry) Insert(id string, parents []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[id] = append([]string(nil), parents...)
}

// Get returns the parents of id
func (r *ParentageRegistry) Get(id string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.ids[id]
	return p, ok
}

// Len returns the number of entries
func (r *ParentageRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// Clear removes every entry
func (r *ParentageRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = make(map[string][]string)
}
