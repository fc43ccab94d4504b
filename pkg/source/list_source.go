package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
	"github.com/wehubfusion/Helios/pkg/params"
	"github.com/wehubfusion/Helios/pkg/principal"
)

// Item is one entry of a ListSource.
type Item struct {
	Type  ItemType
	File  string
	Run   uint32
	Lumi  uint32
	Event uint64

	// Products registered when a file item is read
	Products []principal.ProductDescription
}

// ParseItem parses "file:name", "run:R", "lumi:R:L" or "event:R:L:E"
func ParseItem(s string) (Item, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	t, err := ParseItemType(parts[0])
	if err != nil {
		return Item{}, err
	}
	nums := make([]uint64, 0, 3)
	for i, p := range parts[1:] {
		if t == ItemFile {
			break
		}
		// run and lumi numbers are 32 bits, event numbers 64
		bits := 32
		if i >= 2 {
			bits = 64
		}
		n, err := strconv.ParseUint(p, 10, bits)
		if err != nil {
			return Item{}, fmt.Errorf("item %q: %w", s, err)
		}
		nums = append(nums, n)
	}

	item := Item{Type: t}
	switch t {
	case ItemFile:
		item.File = strings.TrimPrefix(strings.TrimSpace(s), "file:")
		if item.File == "file" {
			item.File = ""
		}
	case ItemRun:
		if len(nums) != 1 {
			return Item{}, fmt.Errorf("item %q: expected run:R", s)
		}
		item.Run = uint32(nums[0])
	case ItemLumi:
		if len(nums) != 2 {
			return Item{}, fmt.Errorf("item %q: expected lumi:R:L", s)
		}
		item.Run, item.Lumi = uint32(nums[0]), uint32(nums[1])
	case ItemEvent:
		if len(nums) != 3 {
			return Item{}, fmt.Errorf("item %q: expected event:R:L:E", s)
		}
		item.Run, item.Lumi, item.Event = uint32(nums[0]), uint32(nums[1]), nums[2]
	}
	return item, nil
}

// GeneratorConfig describes a synthetic input of files, runs, lumis and events.
type GeneratorConfig struct {
	NumberOfFiles int
	FirstRun      uint32
	NumberOfRuns  int
	LumisPerRun   int
	EventsPerLumi int
}

// Generate expands the configuration into items. Runs are spread over the
// files in order; every run starts in a new file when there are enough files.
func Generate(cfg GeneratorConfig) []Item {
	if cfg.NumberOfFiles < 1 {
		cfg.NumberOfFiles = 1
	}
	if cfg.FirstRun == 0 {
		cfg.FirstRun = 1
	}
	runsPerFile := (cfg.NumberOfRuns + cfg.NumberOfFiles - 1) / cfg.NumberOfFiles
	if runsPerFile < 1 {
		runsPerFile = 1
	}

	var items []Item
	var event uint64
	run := cfg.FirstRun
	for f := 0; f < cfg.NumberOfFiles; f++ {
		items = append(items, Item{Type: ItemFile, File: fmt.Sprintf("generated_%d", f)})
		for r := 0; r < runsPerFile && int(run-cfg.FirstRun) < cfg.NumberOfRuns; r++ {
			items = append(items, Item{Type: ItemRun, Run: run})
			for l := 1; l <= cfg.LumisPerRun; l++ {
				items = append(items, Item{Type: ItemLumi, Run: run, Lumi: uint32(l)})
				for e := 0; e < cfg.EventsPerLumi; e++ {
					event++
					items = append(items, Item{Type: ItemEvent, Run: run, Lumi: uint32(l), Event: event})
				}
			}
			run++
		}
	}
	return items
}

// ListSource delivers a fixed sequence of items. It supports worker-process
// chunking and rewinding for repeated passes.
type ListSource struct {
	items     []Item
	phid      principal.ProcessHistoryID
	registry  *principal.ProductRegistry
	logger    *zap.Logger
	maxEvents int64
	epoch     time.Time

	pos       int
	eventIdx  uint64 // global index of the next event in the sequence
	delivered int64
	fileIdx   int

	receiver   ChunkReceiver
	chunkStart uint64
	chunkEnd   uint64
	forked     bool
}

// NewListSource creates a source over items. maxEvents < 0 means unlimited.
func NewListSource(items []Item, phid principal.ProcessHistoryID, reg *principal.ProductRegistry, maxEvents int64, logger *zap.Logger) *ListSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = principal.NewProductRegistry()
	}
	return &ListSource{
		items:     items,
		phid:      phid,
		registry:  reg,
		logger:    logger,
		maxEvents: maxEvents,
		epoch:     time.Unix(1700000000, 0).UTC(),
		pos:       -1,
	}
}

// FromParameterSet builds a ListSource from the `source` configuration block
func FromParameterSet(pset *params.ParameterSet, maxEvents int64, reg *principal.ProductRegistry, logger *zap.Logger) (*ListSource, error) {
	phid := principal.ProcessHistoryID(pset.GetString("processHistoryID", "default"))

	var items []Item
	switch kind := pset.GetString("type", "EmptySource"); kind {
	case "EmptySource":
		items = Generate(GeneratorConfig{
			NumberOfFiles: int(pset.GetInt("numberOfFiles", 1)),
			FirstRun:      uint32(pset.GetUint("firstRun", 1)),
			NumberOfRuns:  int(pset.GetInt("numberOfRuns", 1)),
			LumisPerRun:   int(pset.GetInt("lumisPerRun", 1)),
			EventsPerLumi: int(pset.GetInt("eventsPerLumi", 10)),
		})
	case "ListSource":
		for _, s := range pset.GetStrings("items") {
			item, err := ParseItem(s)
			if err != nil {
				return nil, sdkerrors.NewError(sdkerrors.Configuration, "invalid source item", err)
			}
			items = append(items, item)
		}
	default:
		return nil, sdkerrors.Newf(sdkerrors.Configuration, "unknown source type %q", kind)
	}
	return NewListSource(items, phid, reg, maxEvents, logger), nil
}

func (s *ListSource) current() (Item, bool) {
	if s.pos < 0 || s.pos >= len(s.items) {
		return Item{}, false
	}
	return s.items[s.pos], true
}

func (s *ListSource) expect(t ItemType) (Item, error) {
	item, ok := s.current()
	if !ok || item.Type != t {
		return Item{}, sdkerrors.Newf(sdkerrors.SourceRead, "source is not positioned on a %s item", t)
	}
	return item, nil
}

// NextItemType advances to the next item
func (s *ListSource) NextItemType(ctx context.Context) (ItemType, error) {
	if err := ctx.Err(); err != nil {
		return ItemInvalid, err
	}
	if s.pos < len(s.items) {
		s.pos++
	}
	item, ok := s.current()
	if !ok {
		return ItemStop, nil
	}
	if item.Type == ItemEvent && s.maxEvents >= 0 && s.delivered >= s.maxEvents {
		s.pos = len(s.items)
		return ItemStop, nil
	}
	return item.Type, nil
}

func (s *ListSource) RunAuxiliary() principal.RunAuxiliary {
	item, _ := s.current()
	return principal.RunAuxiliary{
		PHID:      s.phid,
		Run:       item.Run,
		BeginTime: s.epoch.Add(time.Duration(item.Run) * time.Hour),
		EndTime:   s.epoch.Add(time.Duration(item.Run+1) * time.Hour),
	}
}

func (s *ListSource) LuminosityBlockAuxiliary() principal.LumiAuxiliary {
	item, _ := s.current()
	begin := s.epoch.Add(time.Duration(item.Run)*time.Hour + time.Duration(item.Lumi)*time.Minute)
	return principal.LumiAuxiliary{
		PHID:      s.phid,
		Run:       item.Run,
		Lumi:      item.Lumi,
		BeginTime: begin,
		EndTime:   begin.Add(time.Minute),
	}
}

func (s *ListSource) ReducedProcessHistoryID() principal.ProcessHistoryID {
	return s.phid
}

func (s *ListSource) Run() uint32 {
	item, _ := s.current()
	return item.Run
}

func (s *ListSource) LuminosityBlock() uint32 {
	item, _ := s.current()
	return item.Lumi
}

func (s *ListSource) ReadFile(ctx context.Context) (*FileBlock, error) {
	item, err := s.expect(ItemFile)
	if err != nil {
		return nil, err
	}
	for _, d := range item.Products {
		s.registry.Add(d)
	}
	fb := &FileBlock{Name: item.File, Index: s.fileIdx, OpenedAt: time.Now()}
	s.fileIdx++
	s.logger.Debug("Opened input file", zap.String("file", fb.Name), zap.Int("index", fb.Index))
	return fb, nil
}

func (s *ListSource) CloseFile(ctx context.Context, fb *FileBlock, cleaningUp bool) error {
	if fb == nil {
		return nil
	}
	s.logger.Debug("Closed input file", zap.String("file", fb.Name), zap.Bool("cleaning_up", cleaningUp))
	return nil
}

func (s *ListSource) ReadRun(ctx context.Context, rp *principal.RunPrincipal) error {
	if _, err := s.expect(ItemRun); err != nil {
		return err
	}
	rp.Put("source.run", rp.Key().Run)
	return nil
}

func (s *ListSource) ReadAndMergeRun(ctx context.Context, rp *principal.RunPrincipal) error {
	_, err := s.expect(ItemRun)
	return err
}

func (s *ListSource) ReadLuminosityBlock(ctx context.Context, lp *principal.LumiPrincipal) error {
	if _, err := s.expect(ItemLumi); err != nil {
		return err
	}
	lp.Put("source.lumi", lp.Key().Lumi)
	return nil
}

func (s *ListSource) ReadAndMergeLumi(ctx context.Context, lp *principal.LumiPrincipal) error {
	_, err := s.expect(ItemLumi)
	return err
}

func (s *ListSource) ReadEvent(ctx context.Context, ep *principal.EventPrincipal, lp *principal.LumiPrincipal) error {
	item, err := s.expect(ItemEvent)
	if err != nil {
		return err
	}
	ep.Fill(principal.EventAuxiliary{
		Run:   item.Run,
		Lumi:  item.Lumi,
		Event: item.Event,
		Time:  s.epoch.Add(time.Duration(item.Event) * time.Second),
	}, lp)
	ep.Put("source.index", s.eventIdx)
	s.eventIdx++
	s.delivered++
	return nil
}

func (s *ListSource) DoBeginJob(ctx context.Context) error { return nil }
func (s *ListSource) DoEndJob(ctx context.Context) error   { return nil }

func (s *ListSource) DoBeginRun(ctx context.Context, rp *principal.RunPrincipal) error { return nil }
func (s *ListSource) DoEndRun(ctx context.Context, rp *principal.RunPrincipal, cleaningUp bool) error {
	return nil
}
func (s *ListSource) DoBeginLumi(ctx context.Context, lp *principal.LumiPrincipal) error { return nil }
func (s *ListSource) DoEndLumi(ctx context.Context, lp *principal.LumiPrincipal, cleaningUp bool) error {
	return nil
}

// SkipForForking steps over upcoming events whose global index lies outside
// the chunk assigned to this worker, asking for a new chunk whenever the
// current one is used up.
func (s *ListSource) SkipForForking(ctx context.Context) error {
	if !s.forked {
		return nil
	}
	for {
		next := s.pos + 1
		if next >= len(s.items) || s.items[next].Type != ItemEvent {
			return nil
		}
		if s.eventIdx >= s.chunkEnd {
			start, n, err := s.receiver.Receive()
			if err != nil {
				return sdkerrors.NewError(sdkerrors.SourceRead, "cannot obtain events from the orchestrating process", err)
			}
			s.chunkStart, s.chunkEnd = start, start+n
			s.logger.Debug("Received event chunk", zap.Uint64("start", start), zap.Uint64("count", n))
			continue
		}
		if s.eventIdx >= s.chunkStart {
			return nil
		}
		s.pos = next
		s.eventIdx++
	}
}

func (s *ListSource) DoPreForkReleaseResources(ctx context.Context) error {
	return nil
}

// DoPostForkReacquireResources switches the source into worker mode
func (s *ListSource) DoPostForkReacquireResources(ctx context.Context, r ChunkReceiver) error {
	if r == nil {
		return sdkerrors.Newf(sdkerrors.LogicError, "worker source needs a chunk receiver")
	}
	s.receiver = r
	s.forked = true
	s.chunkStart, s.chunkEnd = 0, 0
	return nil
}

func (s *ListSource) Repeat() {
	s.delivered = 0
}

func (s *ListSource) Rewind(ctx context.Context) error {
	s.pos = -1
	s.eventIdx = 0
	s.fileIdx = 0
	s.chunkStart, s.chunkEnd = 0, 0
	return nil
}

// Remaining returns how many items are left after the current one
func (s *ListSource) Remaining() int {
	if s.pos >= len(s.items) {
		return 0
	}
	return len(s.items) - s.pos - 1
}
