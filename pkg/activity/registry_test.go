package activity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wehubfusion/Helios/pkg/source"
)

func TestRegistryEmitsInOrder(t *testing.T) {
	r := NewRegistry()
	var got []string

	r.WatchPreBeginJob(func() { got = append(got, "pre1") })
	r.WatchPreBeginJob(func() { got = append(got, "pre2") })
	r.WatchPostBeginJob(func() { got = append(got, "post") })
	r.WatchPreSourceEarlyTermination(func(o TerminationOrigin) { got = append(got, o.String()) })
	r.WatchPostForkReacquireResources(func(i, n int) {
		assert.Equal(t, 1, i)
		assert.Equal(t, 4, n)
		got = append(got, "fork")
	})
	r.WatchPostOpenFile(func(fb *source.FileBlock) { got = append(got, "open:"+fb.Name) })
	r.WatchPreallocate(func(p Preallocation) {
		assert.Equal(t, 2, p.Streams)
		got = append(got, "prealloc")
	})

	r.Preallocate(Preallocation{Threads: 2, Streams: 2, ConcurrentLumis: 1, ConcurrentRuns: 1})
	r.PreBeginJob()
	r.PostBeginJob()
	r.PreSourceEarlyTermination(ExternalSignal)
	r.PostForkReacquireResources(1, 4)
	r.PostOpenFile(&source.FileBlock{Name: "f"})
	r.PreEndJob()

	assert.Equal(t, []string{"prealloc", "pre1", "pre2", "post", "ExternalSignal", "fork", "open:f"}, got)
}
