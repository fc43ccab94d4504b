package errors

import (
	"fmt"

	"go.uber.org/multierr"
)

// Collector runs a sequence of cleanup steps, keeping every failure instead
// of stopping at the first one.
type Collector struct {
	header string
	err    error
}

// NewCollector creates a collector whose combined error starts with header
func NewCollector(header string) *Collector {
	return &Collector{header: header}
}

// Call runs fn and records its error, if any. Panics are recorded as errors.
func (c *Collector) Call(fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			c.err = multierr.Append(c.err, Newf(Unknown, "panic: %v", r))
		}
	}()
	c.err = multierr.Append(c.err, fn())
}

// Add records an error directly
func (c *Collector) Add(err error) {
	c.err = multierr.Append(c.err, err)
}

// HasThrown reports whether any call failed
func (c *Collector) HasThrown() bool {
	return c.err != nil
}

// Errors returns the individual recorded errors in call order
func (c *Collector) Errors() []error {
	return multierr.Errors(c.err)
}

// Rethrow returns nil when nothing failed, the error itself when exactly one
// call failed, and otherwise a combined error carrying the kind of the first
// failure.
func (c *Collector) Rethrow() error {
	errs := multierr.Errors(c.err)
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	msg := c.header
	for i, e := range errs {
		msg += fmt.Sprintf("\n---- error %d ----\n%v", i+1, e)
	}
	return &Error{Code: KindOf(errs[0]), Message: msg, Err: c.err}
}
