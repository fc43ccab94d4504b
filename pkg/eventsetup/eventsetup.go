// Package eventsetup provides the conditions lookup used alongside each
// transition: records of data items valid for an interval of runs, lumis
// and events.
package eventsetup

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
	"github.com/wehubfusion/Helios/pkg/params"
)

// IOVSyncValue is the point in the data stream a lookup is made for.
type IOVSyncValue struct {
	Run   uint32
	Lumi  uint32
	Event uint64
}

// BeginOfTime is the sync value used before any input has been read
var BeginOfTime = IOVSyncValue{}

// EndOfTime is the sync value used for end-of-job lookups
var EndOfTime = IOVSyncValue{Run: ^uint32(0), Lumi: ^uint32(0), Event: ^uint64(0)}

// DataKey names one data item in a record.
type DataKey struct {
	Type  string
	Label string
}

func (k DataKey) String() string {
	return fmt.Sprintf("%s/%q", k.Type, k.Label)
}

// Record is a named group of data items.
type Record interface {
	Name() string
	DataKeys() []DataKey
	Get(ctx context.Context, key DataKey) (any, error)
}

// EventSetup is the view of all records for one sync value.
type EventSetup interface {
	Sync() IOVSyncValue
	RecordNames() []string
	Record(name string) (Record, bool)
}

// Provider produces EventSetup views.
type Provider interface {
	EventSetupForInstance(ctx context.Context, sync IOVSyncValue) (EventSetup, error)
	ForceCacheClear()
}

// Producer computes the value of a data item for a sync value.
type Producer func(ctx context.Context, key DataKey, sync IOVSyncValue) (any, error)

// Static is a Provider with a fixed set of records. Values are computed
// on first use and cached until the interval changes or the cache is
// cleared. Each record's interval of validity is one run.
type Static struct {
	mu       sync.Mutex
	records  map[string][]DataKey
	producer Producer
	logger   *zap.Logger

	cacheRun uint32
	cache    map[string]any
	computed int
	clears   int
}

// NewStatic creates a provider over records. A nil producer yields the key
// name as value.
func NewStatic(records map[string][]DataKey, producer Producer, logger *zap.Logger) *Static {
	if logger == nil {
		logger = zap.NewNop()
	}
	if producer == nil {
		producer = func(_ context.Context, key DataKey, sync IOVSyncValue) (any, error) {
			return fmt.Sprintf("%s@%d", key, sync.Run), nil
		}
	}
	return &Static{records: records, producer: producer, logger: logger, cache: make(map[string]any)}
}

// FromParameterSet reads `records: {Name: [{type, label}]}`
func FromParameterSet(pset *params.ParameterSet, logger *zap.Logger) (*Static, error) {
	var raw map[string][]struct {
		Type  string `json:"type"`
		Label string `json:"label"`
	}
	if err := pset.Decode("records", &raw); err != nil {
		return nil, err
	}
	records := make(map[string][]DataKey, len(raw))
	for name, keys := range raw {
		for _, k := range keys {
			if k.Type == "" {
				return nil, sdkerrors.Newf(sdkerrors.Configuration, "record %s has a data key without a type", name)
			}
			records[name] = append(records[name], DataKey{Type: k.Type, Label: k.Label})
		}
	}
	return NewStatic(records, nil, logger), nil
}

// EventSetupForInstance returns the view for sync, invalidating cached
// values when the run changes.
func (s *Static) EventSetupForInstance(ctx context.Context, sync IOVSyncValue) (EventSetup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sync.Run != s.cacheRun {
		s.cache = make(map[string]any)
		s.cacheRun = sync.Run
	}
	return &view{provider: s, sync: sync}, nil
}

// ForceCacheClear drops every cached value
func (s *Static) ForceCacheClear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]any)
	s.clears++
}

// Stats returns how many values were computed and how often the cache was cleared
func (s *Static) Stats() (computed, clears int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.computed, s.clears
}

func (s *Static) get(ctx context.Context, record string, key DataKey, sync IOVSyncValue) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, k := range s.records[record] {
		if k == key {
			found = true
			break
		}
	}
	if !found {
		return nil, sdkerrors.Newf(sdkerrors.EventSetup, "no data %s in record %s", key, record)
	}

	ck := record + "|" + key.Type + "|" + key.Label
	if v, ok := s.cache[ck]; ok {
		return v, nil
	}
	v, err := s.producer(ctx, key, sync)
	if err != nil {
		return nil, sdkerrors.NewError(sdkerrors.EventSetup, fmt.Sprintf("failed to produce %s in record %s", key, record), err)
	}
	s.cache[ck] = v
	s.computed++
	return v, nil
}

type view struct {
	provider *Static
	sync     IOVSyncValue
}

func (v *view) Sync() IOVSyncValue { return v.sync }

func (v *view) RecordNames() []string {
	names := make([]string, 0, len(v.provider.records))
	for n := range v.provider.records {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (v *view) Record(name string) (Record, bool) {
	if _, ok := v.provider.records[name]; !ok {
		return nil, false
	}
	return &record{view: v, name: name}, true
}

type record struct {
	view *view
	name string
}

func (r *record) Name() string { return r.name }

func (r *record) DataKeys() []DataKey {
	keys := append([]DataKey(nil), r.view.provider.records[r.name]...)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].Label < keys[j].Label
	})
	return keys
}

func (r *record) Get(ctx context.Context, key DataKey) (any, error) {
	return r.view.provider.get(ctx, r.name, key, r.view.sync)
}
