// Package source defines the input source contract consumed by the event
// processor, the gate that serialises access to it, and a list-driven
// source implementation.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/wehubfusion/Helios/pkg/principal"
)

// ItemType is the kind of the next item the source will deliver.
type ItemType int

const (
	ItemInvalid ItemType = iota
	ItemStop
	ItemFile
	ItemRun
	ItemLumi
	ItemEvent
	ItemSynchronize
)

func (t ItemType) String() string {
	switch t {
	case ItemStop:
		return "Stop"
	case ItemFile:
		return "File"
	case ItemRun:
		return "Run"
	case ItemLumi:
		return "Lumi"
	case ItemEvent:
		return "Event"
	case ItemSynchronize:
		return "Synchronize"
	default:
		return "Invalid"
	}
}

// FileBlock describes an opened input file.
type FileBlock struct {
	Name     string
	Index    int
	OpenedAt time.Time
}

// ChunkReceiver hands out ranges of global event indices to a worker
// process. Receive blocks until the orchestrator answers.
type ChunkReceiver interface {
	Receive() (startIndex, nIndices uint64, err error)
}

// InputSource is the contract the processor drives. Calls are serialised by
// a Gate; implementations need no locking of their own.
type InputSource interface {
	// NextItemType advances to the next item and reports its kind
	NextItemType(ctx context.Context) (ItemType, error)

	RunAuxiliary() principal.RunAuxiliary
	LuminosityBlockAuxiliary() principal.LumiAuxiliary
	ReducedProcessHistoryID() principal.ProcessHistoryID
	Run() uint32
	LuminosityBlock() uint32

	ReadFile(ctx context.Context) (*FileBlock, error)
	CloseFile(ctx context.Context, fb *FileBlock, cleaningUp bool) error
	ReadRun(ctx context.Context, rp *principal.RunPrincipal) error
	ReadAndMergeRun(ctx context.Context, rp *principal.RunPrincipal) error
	ReadLuminosityBlock(ctx context.Context, lp *principal.LumiPrincipal) error
	ReadAndMergeLumi(ctx context.Context, lp *principal.LumiPrincipal) error
	ReadEvent(ctx context.Context, ep *principal.EventPrincipal, lp *principal.LumiPrincipal) error

	DoBeginJob(ctx context.Context) error
	DoEndJob(ctx context.Context) error
	DoBeginRun(ctx context.Context, rp *principal.RunPrincipal) error
	DoEndRun(ctx context.Context, rp *principal.RunPrincipal, cleaningUp bool) error
	DoBeginLumi(ctx context.Context, lp *principal.LumiPrincipal) error
	DoEndLumi(ctx context.Context, lp *principal.LumiPrincipal, cleaningUp bool) error

	// SkipForForking moves past events that belong to other worker processes
	SkipForForking(ctx context.Context) error
	DoPreForkReleaseResources(ctx context.Context) error
	DoPostForkReacquireResources(ctx context.Context, r ChunkReceiver) error

	// Repeat and Rewind restart the input for another looper pass
	Repeat()
	Rewind(ctx context.Context) error
}

// ParseItemType maps a configuration keyword to an item type
func ParseItemType(s string) (ItemType, error) {
	switch s {
	case "stop":
		return ItemStop, nil
	case "file":
		return ItemFile, nil
	case "run":
		return ItemRun, nil
	case "lumi":
		return ItemLumi, nil
	case "event":
		return ItemEvent, nil
	}
	return ItemInvalid, fmt.Errorf("unknown item type %q", s)
}
