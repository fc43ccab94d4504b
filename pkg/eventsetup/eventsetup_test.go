package eventsetup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
	"github.com/wehubfusion/Helios/pkg/params"
)

func testRecords() map[string][]DataKey {
	return map[string][]DataKey{
		"A": {{Type: "X", Label: ""}, {Type: "Y", Label: "l"}},
		"B": {{Type: "Z", Label: ""}},
		"C": {{Type: "W", Label: ""}, {Type: "V", Label: ""}},
	}
}

func TestStaticCachesPerRun(t *testing.T) {
	ctx := context.Background()
	p := NewStatic(testRecords(), nil, zap.NewNop())

	es, err := p.EventSetupForInstance(ctx, IOVSyncValue{Run: 1})
	require.NoError(t, err)
	rec, ok := es.Record("A")
	require.True(t, ok)

	v1, err := rec.Get(ctx, DataKey{Type: "X"})
	require.NoError(t, err)
	_, err = rec.Get(ctx, DataKey{Type: "X"})
	require.NoError(t, err)
	computed, _ := p.Stats()
	assert.Equal(t, 1, computed)

	es, _ = p.EventSetupForInstance(ctx, IOVSyncValue{Run: 2})
	rec, _ = es.Record("A")
	v2, err := rec.Get(ctx, DataKey{Type: "X"})
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	p.ForceCacheClear()
	_, _ = rec.Get(ctx, DataKey{Type: "X"})
	computed, clears := p.Stats()
	assert.Equal(t, 3, computed)
	assert.Equal(t, 1, clears)

	_, err = rec.Get(ctx, DataKey{Type: "nope"})
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.EventSetup))

	_, ok = es.Record("missing")
	assert.False(t, ok)
}

func TestFromParameterSet(t *testing.T) {
	p, err := FromParameterSet(params.MustNew(`{"records": {"A": [{"type": "X"}, {"type": "Y", "label": "l"}]}}`), nil)
	require.NoError(t, err)
	es, _ := p.EventSetupForInstance(context.Background(), BeginOfTime)
	assert.Equal(t, []string{"A"}, es.RecordNames())

	_, err = FromParameterSet(params.MustNew(`{"records": {"A": [{"label": "x"}]}}`), nil)
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.Configuration))
}

func TestPrefetchHonoursExclusions(t *testing.T) {
	ctx := context.Background()
	exclude := ExclusionMapFromParameterSets([]*params.ParameterSet{
		params.MustNew(`{"record": "A"}`),                           // type defaults to "*": whole record
		params.MustNew(`{"record": "C", "type": "W", "label": ""}`), // single key
	})

	var fetched []DataKey
	p := NewStatic(testRecords(), func(_ context.Context, key DataKey, _ IOVSyncValue) (any, error) {
		fetched = append(fetched, key)
		return 1, nil
	}, nil)
	es, err := p.EventSetupForInstance(ctx, IOVSyncValue{Run: 7})
	require.NoError(t, err)

	n := Prefetch(ctx, es, exclude, zap.NewNop())
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []DataKey{{Type: "Z"}, {Type: "V"}}, fetched)
}

func TestPrefetchEmptyExclusionSetSkipsRecord(t *testing.T) {
	exclude := ExclusionMap{"B": {}}
	_, all := exclude.excludesRecord("B")
	assert.True(t, all)
	_, all = exclude.excludesRecord("A")
	assert.False(t, all)
}

func TestPrefetchFailuresAreWarnings(t *testing.T) {
	ctx := context.Background()
	p := NewStatic(testRecords(), func(_ context.Context, key DataKey, _ IOVSyncValue) (any, error) {
		if key.Type == "Z" {
			return nil, errors.New("no payload")
		}
		return 1, nil
	}, nil)
	es, _ := p.EventSetupForInstance(ctx, IOVSyncValue{Run: 1})
	assert.Equal(t, 4, Prefetch(ctx, es, nil, nil))
}
