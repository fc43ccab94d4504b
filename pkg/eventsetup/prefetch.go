package eventsetup

import (
	"context"

	"go.uber.org/zap"

	"github.com/wehubfusion/Helios/pkg/params"
)

// Wildcard as a data type excludes a whole record from prefetching
const Wildcard = "*"

// ExclusionMap lists, per record, the data keys that must not be prefetched.
type ExclusionMap map[string]map[DataKey]struct{}

// ExclusionMapFromParameterSets reads entries of the form
// {record, type = "*", label = ""}.
func ExclusionMapFromParameterSets(entries []*params.ParameterSet) ExclusionMap {
	m := make(ExclusionMap)
	for _, ps := range entries {
		rec := ps.GetString("record", "")
		if _, ok := m[rec]; !ok {
			m[rec] = make(map[DataKey]struct{})
		}
		m[rec][DataKey{Type: ps.GetString("type", Wildcard), Label: ps.GetString("label", "")}] = struct{}{}
	}
	return m
}

// excludesRecord reports whether the whole record is excluded
func (m ExclusionMap) excludesRecord(record string) (map[DataKey]struct{}, bool) {
	keys, ok := m[record]
	if !ok {
		return nil, false
	}
	if len(keys) == 0 {
		return keys, true
	}
	for k := range keys {
		if k.Type == Wildcard {
			return keys, true
		}
	}
	return keys, false
}

// Prefetch touches every data item of every record that is not excluded so
// the values are computed once before worker processes start. Failures are
// logged and skipped. It returns the number of items fetched.
func Prefetch(ctx context.Context, es EventSetup, exclude ExclusionMap, logger *zap.Logger) int {
	if logger == nil {
		logger = zap.NewNop()
	}
	fetched := 0
	for _, name := range es.RecordNames() {
		excluded, all := exclude.excludesRecord(name)
		if all {
			logger.Info("Excluding record", zap.String("record", name))
			continue
		}
		rec, ok := es.Record(name)
		if !ok {
			continue
		}
		for _, key := range rec.DataKeys() {
			if _, skip := excluded[key]; skip {
				logger.Info("Excluding data",
					zap.String("record", name),
					zap.String("type", key.Type),
					zap.String("label", key.Label))
				continue
			}
			if _, err := rec.Get(ctx, key); err != nil {
				logger.Warn("Prefetch failed", zap.String("record", name), zap.Error(err))
				continue
			}
			fetched++
		}
	}
	return fetched
}
