package principal

import (
	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
)

// Cache owns the at-most-one current run and luminosity block and the
// per-stream event principals. It is driven from the state machine
// goroutine and is not safe for concurrent mutation; stream event
// principals are independent of each other.
type Cache struct {
	run              *RunPrincipal
	lumi             *LumiPrincipal
	events           []*EventPrincipal
	lastRegistrySize int
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{}
}

// InsertRun installs rp as the current run
func (c *Cache) InsertRun(rp *RunPrincipal) error {
	if c.run != nil {
		return sdkerrors.Newf(sdkerrors.LogicError,
			"cannot insert %s into the principal cache: %s is already present", rp.Key(), c.run.Key())
	}
	c.run = rp
	return nil
}

// InsertLumi installs lp as the current luminosity block
func (c *Cache) InsertLumi(lp *LumiPrincipal) error {
	if c.run == nil {
		return sdkerrors.Newf(sdkerrors.LogicError,
			"cannot insert %s into the principal cache: no run is present", lp.Key())
	}
	if c.lumi != nil {
		return sdkerrors.Newf(sdkerrors.LogicError,
			"cannot insert %s into the principal cache: %s is already present", lp.Key(), c.lumi.Key())
	}
	c.lumi = lp
	return nil
}

// InsertEvent adds the event principal for the next stream. Only used while
// the processor is being constructed.
func (c *Cache) InsertEvent(ep *EventPrincipal) error {
	if ep.Stream() != len(c.events) {
		return sdkerrors.Newf(sdkerrors.LogicError,
			"event principal for stream %d inserted at position %d", ep.Stream(), len(c.events))
	}
	c.events = append(c.events, ep)
	return nil
}

// HasRunPrincipal reports whether a run is present
func (c *Cache) HasRunPrincipal() bool { return c.run != nil }

// HasLumiPrincipal reports whether a luminosity block is present
func (c *Cache) HasLumiPrincipal() bool { return c.lumi != nil }

// RunPrincipalPtr returns the current run or nil
func (c *Cache) RunPrincipalPtr() *RunPrincipal { return c.run }

// LumiPrincipalPtr returns the current luminosity block or nil
func (c *Cache) LumiPrincipalPtr() *LumiPrincipal { return c.lumi }

// RunPrincipal returns the current run, which must match the key
func (c *Cache) RunPrincipal(phid ProcessHistoryID, run uint32) (*RunPrincipal, error) {
	want := RunKey{PHID: phid, Run: run}
	if c.run == nil {
		return nil, sdkerrors.Newf(sdkerrors.LogicError,
			"requested %s from the principal cache but no run is present", want)
	}
	if c.run.Key() != want {
		return nil, sdkerrors.Newf(sdkerrors.LogicError,
			"requested %s from the principal cache but %s is present", want, c.run.Key())
	}
	return c.run, nil
}

// LumiPrincipal returns the current luminosity block, which must match the key
func (c *Cache) LumiPrincipal(phid ProcessHistoryID, run, lumi uint32) (*LumiPrincipal, error) {
	want := LumiKey{PHID: phid, Run: run, Lumi: lumi}
	if c.lumi == nil {
		return nil, sdkerrors.Newf(sdkerrors.LogicError,
			"requested %s from the principal cache but no luminosity block is present", want)
	}
	if c.lumi.Key() != want {
		return nil, sdkerrors.Newf(sdkerrors.LogicError,
			"requested %s from the principal cache but %s is present", want, c.lumi.Key())
	}
	return c.lumi, nil
}

// EventPrincipal returns the event principal of stream
func (c *Cache) EventPrincipal(stream int) *EventPrincipal {
	return c.events[stream]
}

// NumberOfStreams returns the number of inserted event principals
func (c *Cache) NumberOfStreams() int {
	return len(c.events)
}

// MergeRun folds another contribution into the current run
func (c *Cache) MergeRun(aux RunAuxiliary, reg *ProductRegistry) error {
	rp, err := c.RunPrincipal(aux.PHID, aux.Run)
	if err != nil {
		return sdkerrors.Wrap(err, sdkerrors.LogicError, "merge run").AddContext("merging %s", aux.Key())
	}
	rp.merge(aux, reg)
	return nil
}

// MergeLumi folds another contribution into the current luminosity block
func (c *Cache) MergeLumi(aux LumiAuxiliary, reg *ProductRegistry) error {
	lp, err := c.LumiPrincipal(aux.PHID, aux.Run, aux.Lumi)
	if err != nil {
		return sdkerrors.Wrap(err, sdkerrors.LogicError, "merge lumi").AddContext("merging %s", aux.Key())
	}
	lp.merge(aux, reg)
	return nil
}

// DeleteRun removes the current run, which must match the key
func (c *Cache) DeleteRun(phid ProcessHistoryID, run uint32) error {
	if _, err := c.RunPrincipal(phid, run); err != nil {
		return err
	}
	c.run = nil
	return nil
}

// DeleteLumi removes the current luminosity block, which must match the key
func (c *Cache) DeleteLumi(phid ProcessHistoryID, run, lumi uint32) error {
	if _, err := c.LumiPrincipal(phid, run, lumi); err != nil {
		return err
	}
	c.lumi = nil
	return nil
}

// AdjustIndexesAfterProductRegistryAddition rebinds every principal after
// products were added, which only happens at file boundaries.
func (c *Cache) AdjustIndexesAfterProductRegistryAddition(reg *ProductRegistry) error {
	if reg.Size() < c.lastRegistrySize {
		return sdkerrors.Newf(sdkerrors.LogicError,
			"product registry shrank from %d to %d products", c.lastRegistrySize, reg.Size())
	}
	c.lastRegistrySize = reg.Size()
	if c.run != nil {
		c.run.adjust(reg)
	}
	if c.lumi != nil {
		c.lumi.adjust(reg)
	}
	for _, ep := range c.events {
		ep.adjust(reg)
	}
	return nil
}

// AdjustEventsToNewProductRegistry rebinds only the event principals
func (c *Cache) AdjustEventsToNewProductRegistry(reg *ProductRegistry) {
	for _, ep := range c.events {
		ep.adjust(reg)
	}
}
