package statemachine

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
	"github.com/wehubfusion/Helios/pkg/principal"
)

// recorder is a Context that logs every call and can be told to fail.
type recorder struct {
	calls []string

	nextRun  principal.RunKey
	nextLumi uint32

	fail          map[string]error
	endOfLoop     []bool
	stopAfter     int
	events        int
	closeOutput   bool
	handlingError bool

	errorStuff bool
	msgFiles   string
	msgRuns    string
	msgLumis   string
}

func newRecorder() *recorder {
	return &recorder{fail: map[string]error{}}
}

func (r *recorder) call(name string) error {
	r.calls = append(r.calls, name)
	if err, ok := r.fail[name]; ok {
		return err
	}
	return nil
}

func (r *recorder) StartingNewLoop(ctx context.Context) error { return r.call("startingNewLoop") }
func (r *recorder) EndOfLoop(ctx context.Context) (bool, error) {
	err := r.call("endOfLoop")
	if len(r.endOfLoop) == 0 {
		return true, err
	}
	done := r.endOfLoop[0]
	r.endOfLoop = r.endOfLoop[1:]
	return done, err
}
func (r *recorder) RewindInput(ctx context.Context) error        { return r.call("rewind") }
func (r *recorder) PrepareForNextLoop(ctx context.Context) error { return r.call("prepareForNextLoop") }
func (r *recorder) DoErrorStuff()                                { r.errorStuff = true; r.calls = append(r.calls, "doErrorStuff") }

func (r *recorder) ReadFile(ctx context.Context) error { return r.call("readFile") }
func (r *recorder) CloseInputFile(ctx context.Context, cleaningUp bool) error {
	return r.call(fmt.Sprintf("closeInputFile(%t)", cleaningUp))
}
func (r *recorder) RespondToOpenInputFile(ctx context.Context) error  { return r.call("respondToOpen") }
func (r *recorder) RespondToCloseInputFile(ctx context.Context) error { return r.call("respondToClose") }
func (r *recorder) OpenOutputFiles(ctx context.Context) error         { return r.call("openOutputFiles") }
func (r *recorder) CloseOutputFiles(ctx context.Context) error        { return r.call("closeOutputFiles") }
func (r *recorder) ShouldWeCloseOutput() bool                         { return r.closeOutput }

func (r *recorder) ReadRun(ctx context.Context) (principal.RunKey, error) {
	return r.nextRun, r.call(fmt.Sprintf("readRun(%d)", r.nextRun.Run))
}
func (r *recorder) ReadAndMergeRun(ctx context.Context) (principal.RunKey, error) {
	return r.nextRun, r.call(fmt.Sprintf("mergeRun(%d)", r.nextRun.Run))
}
func (r *recorder) BeginRun(ctx context.Context, key principal.RunKey) error {
	return r.call(fmt.Sprintf("beginRun(%d)", key.Run))
}
func (r *recorder) EndRun(ctx context.Context, key principal.RunKey, cleaningUp bool) error {
	return r.call(fmt.Sprintf("endRun(%d,%t)", key.Run, cleaningUp))
}
func (r *recorder) WriteRun(ctx context.Context, key principal.RunKey) error {
	return r.call(fmt.Sprintf("writeRun(%d)", key.Run))
}
func (r *recorder) DeleteRunFromCache(ctx context.Context, key principal.RunKey) error {
	return r.call(fmt.Sprintf("deleteRun(%d)", key.Run))
}

func (r *recorder) ReadLuminosityBlock(ctx context.Context) (uint32, error) {
	return r.nextLumi, r.call(fmt.Sprintf("readLumi(%d)", r.nextLumi))
}
func (r *recorder) ReadAndMergeLumi(ctx context.Context) (uint32, error) {
	return r.nextLumi, r.call(fmt.Sprintf("mergeLumi(%d)", r.nextLumi))
}
func (r *recorder) BeginLumi(ctx context.Context, key principal.LumiKey) error {
	return r.call(fmt.Sprintf("beginLumi(%d,%d)", key.Run, key.Lumi))
}
func (r *recorder) EndLumi(ctx context.Context, key principal.LumiKey, cleaningUp bool) error {
	return r.call(fmt.Sprintf("endLumi(%d,%d,%t)", key.Run, key.Lumi, cleaningUp))
}
func (r *recorder) WriteLumi(ctx context.Context, key principal.LumiKey) error {
	return r.call(fmt.Sprintf("writeLumi(%d,%d)", key.Run, key.Lumi))
}
func (r *recorder) DeleteLumiFromCache(ctx context.Context, key principal.LumiKey) error {
	return r.call(fmt.Sprintf("deleteLumi(%d,%d)", key.Run, key.Lumi))
}

func (r *recorder) ReadAndProcessEvent(ctx context.Context) error {
	r.events++
	return r.call("event")
}
func (r *recorder) ShouldWeStop() bool { return r.stopAfter > 0 && r.events >= r.stopAfter }

func (r *recorder) SetExceptionMessageFiles(msg string) { r.msgFiles = msg }
func (r *recorder) SetExceptionMessageRuns(msg string)  { r.msgRuns = msg }
func (r *recorder) SetExceptionMessageLumis(msg string) { r.msgLumis = msg }
func (r *recorder) AlreadyHandlingException() bool      { return r.handlingError }

func (r *recorder) count(prefix string) int {
	n := 0
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func run(n uint32) Run { return Run{Key: principal.RunKey{PHID: "p", Run: n}} }

// feed sends inputs in order, priming the recorder with the identity the
// source would report for each one.
func feed(t *testing.T, m *Machine, r *recorder, inputs ...Input) error {
	t.Helper()
	for _, in := range inputs {
		switch v := in.(type) {
		case Run:
			r.nextRun = v.Key
		case Lumi:
			r.nextLumi = v.Number
		}
		if err := m.Process(context.Background(), in); err != nil {
			return err
		}
		if m.Terminated() {
			return nil
		}
	}
	return nil
}

func TestParseModes(t *testing.T) {
	fm, err := ParseFileMode("")
	require.NoError(t, err)
	assert.Equal(t, FullMerge, fm)
	fm, err = ParseFileMode("NOMERGE")
	require.NoError(t, err)
	assert.Equal(t, NoMerge, fm)
	_, err = ParseFileMode("MERGE")
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.Configuration))

	em, err := ParseEmptyRunLumiMode("")
	require.NoError(t, err)
	assert.Equal(t, HandleEmptyRunsAndLumis, em)
	em, err = ParseEmptyRunLumiMode("doNotHandleEmptyRunsAndLumis")
	require.NoError(t, err)
	assert.Equal(t, DoNotHandleEmptyRunsAndLumis, em)
	_, err = ParseEmptyRunLumiMode("handleNothing")
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.Configuration))
}

func TestSingleEventSequence(t *testing.T) {
	r := newRecorder()
	m := New(r, FullMerge, HandleEmptyRunsAndLumis, nil)

	require.NoError(t, feed(t, m, r, File{}, run(1), Lumi{Number: 1}, Event{}, Stop{}))

	assert.Equal(t, []string{
		"startingNewLoop", "readFile", "respondToOpen", "openOutputFiles",
		"readRun(1)", "beginRun(1)",
		"readLumi(1)", "beginLumi(1,1)",
		"event",
		"endLumi(1,1,false)", "writeLumi(1,1)", "deleteLumi(1,1)",
		"endRun(1,false)", "writeRun(1)", "deleteRun(1)",
		"respondToClose", "closeInputFile(false)", "closeOutputFiles",
		"endOfLoop",
	}, r.calls)
	assert.True(t, m.Terminated())
}

func TestMergedRunAcrossFiles(t *testing.T) {
	inputs := []Input{
		File{}, run(1), Lumi{Number: 1}, Event{}, Event{},
		File{}, run(1), Lumi{Number: 1}, Event{}, Stop{},
	}

	t.Run("full merge", func(t *testing.T) {
		r := newRecorder()
		m := New(r, FullMerge, HandleEmptyRunsAndLumis, nil)
		require.NoError(t, feed(t, m, r, inputs...))
		assert.Equal(t, 1, r.count("beginRun"))
		assert.Equal(t, 1, r.count("endRun"))
		assert.Equal(t, 1, r.count("beginLumi"))
		assert.Equal(t, 1, r.count("endLumi"))
		assert.Equal(t, 1, r.count("mergeRun"))
		assert.Equal(t, 1, r.count("mergeLumi"))
		assert.Equal(t, 3, r.count("event"))
		assert.Equal(t, 1, r.count("openOutputFiles"))
		assert.Equal(t, 2, r.count("readFile"))
	})

	t.Run("no merge", func(t *testing.T) {
		r := newRecorder()
		m := New(r, NoMerge, HandleEmptyRunsAndLumis, nil)
		require.NoError(t, feed(t, m, r, inputs...))
		assert.Equal(t, 2, r.count("beginRun"))
		assert.Equal(t, 2, r.count("endRun"))
		assert.Equal(t, 2, r.count("beginLumi"))
		assert.Equal(t, 0, r.count("mergeRun"))
		assert.Equal(t, 3, r.count("event"))
		assert.Equal(t, 2, r.count("openOutputFiles"))
		assert.Equal(t, 2, r.count("closeOutputFiles"))
	})

	t.Run("full merge with output rollover", func(t *testing.T) {
		r := newRecorder()
		r.closeOutput = true
		m := New(r, FullMerge, HandleEmptyRunsAndLumis, nil)
		require.NoError(t, feed(t, m, r, inputs...))
		assert.Equal(t, 2, r.count("beginRun"))
		assert.Equal(t, 2, r.count("openOutputFiles"))
	})
}

func TestEmptyRunLumiModes(t *testing.T) {
	inputs := []Input{File{}, run(1), Lumi{Number: 7}, Lumi{Number: 8}, Event{}, run(2), Stop{}}

	tests := []struct {
		mode        EmptyRunLumiMode
		beginRuns   []string
		beginLumis  []string
		unwritten   string
		description string
	}{
		{HandleEmptyRunsAndLumis, []string{"beginRun(1)", "beginRun(2)"}, []string{"beginLumi(1,7)", "beginLumi(1,8)"}, "", "everything"},
		{HandleEmptyRuns, []string{"beginRun(1)", "beginRun(2)"}, []string{"beginLumi(1,8)"}, "writeLumi(1,7)", "runs only"},
		{DoNotHandleEmptyRunsAndLumis, []string{"beginRun(1)"}, []string{"beginLumi(1,8)"}, "writeRun(2)", "neither"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.description, func(t *testing.T) {
			r := newRecorder()
			m := New(r, FullMerge, tt.mode, nil)
			require.NoError(t, feed(t, m, r, inputs...))

			var runs, lumis []string
			for _, c := range r.calls {
				if strings.HasPrefix(c, "beginRun") {
					runs = append(runs, c)
				}
				if strings.HasPrefix(c, "beginLumi") {
					lumis = append(lumis, c)
				}
			}
			assert.Equal(t, tt.beginRuns, runs)
			assert.Equal(t, tt.beginLumis, lumis)
			assert.Equal(t, len(runs), r.count("endRun"))
			assert.Equal(t, len(lumis), r.count("endLumi"))
			if tt.unwritten != "" {
				assert.NotContains(t, r.calls, tt.unwritten)
			}
			assert.Contains(t, r.calls, "deleteLumi(1,7)")
		})
	}
}

func TestFailureCleansUpWithoutWriting(t *testing.T) {
	r := newRecorder()
	r.fail["event"] = sdkerrors.Newf(sdkerrors.Module, "module exploded")
	r.fail["endRun(1,true)"] = fmt.Errorf("endRun also failed")
	m := New(r, FullMerge, HandleEmptyRunsAndLumis, nil)

	err := feed(t, m, r, File{}, run(1), Lumi{Number: 1}, Event{}, Stop{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "module exploded")
	assert.True(t, m.Terminated())

	assert.Contains(t, r.calls, "endLumi(1,1,true)")
	assert.Contains(t, r.calls, "endRun(1,true)")
	assert.Contains(t, r.calls, "deleteRun(1)")
	assert.Contains(t, r.calls, "closeInputFile(true)")
	assert.Contains(t, r.calls, "closeOutputFiles")
	assert.Equal(t, 0, r.count("write"))
	assert.Equal(t, 0, r.count("endOfLoop"))

	assert.Contains(t, r.msgRuns, "endRun also failed")
	assert.Empty(t, r.msgLumis)
	assert.Empty(t, r.msgFiles)

	assert.True(t, sdkerrors.IsKind(m.Process(context.Background(), Stop{}), sdkerrors.LogicError))
}

func TestFailureInEndLumiIsNotRepeated(t *testing.T) {
	r := newRecorder()
	r.fail["endLumi(1,1,false)"] = fmt.Errorf("endLumi failed")
	m := New(r, FullMerge, HandleEmptyRunsAndLumis, nil)

	err := feed(t, m, r, File{}, run(1), Lumi{Number: 1}, Event{}, Lumi{Number: 2})
	require.Error(t, err)
	assert.Equal(t, 1, r.count("endLumi"))
	assert.Contains(t, r.calls, "deleteLumi(1,1)")
	assert.Contains(t, r.calls, "endRun(1,true)")
	assert.NotContains(t, r.calls, "readLumi(2)")
}

func TestUnexpectedInputEntersErrorState(t *testing.T) {
	r := newRecorder()
	m := New(r, FullMerge, HandleEmptyRunsAndLumis, nil)

	require.NoError(t, feed(t, m, r, File{}, Event{}))
	assert.Equal(t, StateError, m.State())
	assert.True(t, r.errorStuff)
	assert.Contains(t, r.calls, "closeInputFile(false)")

	require.NoError(t, feed(t, m, r, run(3)))
	assert.NotContains(t, r.calls, "readRun(3)")
	assert.Equal(t, StateError, m.State())

	require.NoError(t, feed(t, m, r, Stop{}))
	assert.True(t, m.Terminated())
	assert.Equal(t, 0, r.count("endOfLoop"))
}

func TestRunBeforeFileIsUnexpected(t *testing.T) {
	r := newRecorder()
	m := New(r, FullMerge, HandleEmptyRunsAndLumis, nil)
	require.NoError(t, feed(t, m, r, run(1)))
	assert.Equal(t, StateError, m.State())
	assert.Empty(t, r.calls[:len(r.calls)-1])
}

func TestLooperRestartsLoop(t *testing.T) {
	r := newRecorder()
	r.endOfLoop = []bool{false, true}
	m := New(r, FullMerge, HandleEmptyRunsAndLumis, nil)

	require.NoError(t, feed(t, m, r, File{}, run(1), Lumi{Number: 1}, Event{}, Stop{}))
	assert.Equal(t, StateStarting, m.State())
	assert.Contains(t, r.calls, "rewind")
	assert.Contains(t, r.calls, "prepareForNextLoop")

	require.NoError(t, feed(t, m, r, File{}, run(1), Lumi{Number: 1}, Event{}, Stop{}))
	assert.True(t, m.Terminated())
	assert.Equal(t, 2, r.count("startingNewLoop"))
	assert.Equal(t, 2, r.count("beginRun"))
}

func TestStopOnEmptyLoopStartsIt(t *testing.T) {
	r := newRecorder()
	m := New(r, FullMerge, HandleEmptyRunsAndLumis, nil)

	require.NoError(t, feed(t, m, r, Stop{}))
	assert.True(t, m.Terminated())
	assert.Equal(t, []string{"startingNewLoop", "endOfLoop"}, r.calls)
}

func TestShouldWeStopAfterEvent(t *testing.T) {
	r := newRecorder()
	r.stopAfter = 2
	m := New(r, FullMerge, HandleEmptyRunsAndLumis, nil)

	require.NoError(t, feed(t, m, r, File{}, run(1), Lumi{Number: 1}, Event{}, Event{}, Event{}))
	assert.True(t, m.Terminated())
	assert.Equal(t, 2, r.count("event"))
	assert.Equal(t, 1, r.count("endRun(1,false)"))
}

func TestTerminate(t *testing.T) {
	t.Run("forces the loop to end", func(t *testing.T) {
		r := newRecorder()
		r.endOfLoop = []bool{false}
		m := New(r, FullMerge, HandleEmptyRunsAndLumis, nil)
		require.NoError(t, feed(t, m, r, File{}, run(1), Lumi{Number: 1}))
		require.NoError(t, m.Terminate(context.Background()))
		assert.True(t, m.Terminated())
		assert.Contains(t, r.calls, "endRun(1,false)")
		assert.NotContains(t, r.calls, "rewind")
	})

	t.Run("already handling an error", func(t *testing.T) {
		r := newRecorder()
		m := New(r, FullMerge, HandleEmptyRunsAndLumis, nil)
		require.NoError(t, feed(t, m, r, File{}, run(1), Lumi{Number: 1}))
		r.handlingError = true
		require.NoError(t, m.Terminate(context.Background()))
		assert.True(t, m.Terminated())
		assert.Contains(t, r.calls, "endLumi(1,1,true)")
		assert.Contains(t, r.calls, "endRun(1,true)")
		assert.Equal(t, 0, r.count("write"))
		assert.Equal(t, 0, r.count("endOfLoop"))

		require.NoError(t, m.Terminate(context.Background()))
	})
}

func TestBeginsAndEndsMatch(t *testing.T) {
	sequences := [][]Input{
		{File{}, Stop{}},
		{File{}, run(1), Stop{}},
		{File{}, run(1), Lumi{Number: 1}, Lumi{Number: 2}, Event{}, run(2), Lumi{Number: 1}, Event{}, Stop{}},
		{File{}, run(1), Lumi{Number: 1}, Event{}, File{}, run(2), Lumi{Number: 4}, Event{}, Event{}, Stop{}},
		{File{}, run(1), Lumi{Number: 1}, File{}, Lumi{Number: 1}, Event{}, Stop{}},
	}
	modes := []EmptyRunLumiMode{HandleEmptyRunsAndLumis, HandleEmptyRuns, DoNotHandleEmptyRunsAndLumis}
	for i, seq := range sequences {
		seq := seq
		for _, fm := range []FileMode{FullMerge, NoMerge} {
			fm := fm
			for _, em := range modes {
				em := em
				t.Run(fmt.Sprintf("%d/%s/%s", i, fm, em), func(t *testing.T) {
					r := newRecorder()
					m := New(r, fm, em, nil)
					require.NoError(t, feed(t, m, r, seq...))
					assert.True(t, m.Terminated())
					assert.Equal(t, r.count("beginRun"), r.count("endRun"))
					assert.Equal(t, r.count("beginLumi"), r.count("endLumi"))
					assert.Equal(t, r.count("readFile"), r.count("closeInputFile"))
				})
			}
		}
	}
}
