package cache

import (
	"encoding/json"
	"reflect"
	"time"
)

const (
	// fallbackSize is returned when an artifact cannot be measured.
	fallbackSize = 1024

	// containerOverhead approximates per-container bookkeeping bytes.
	containerOverhead = 48

	// entryOverhead approximates per-element bookkeeping bytes in maps and slices.
	entryOverhead = 16
)

// EstimateSize returns an approximate in-memory byte footprint for an
// arbitrary artifact, including container overhead. The estimate is
// deterministic for a given artifact shape and monotone in cardinality.
// It is used only for eviction accounting and never panics; unmeasurable
// values yield a conservative fallback of at least 1 KiB.
func EstimateSize(v interface{}) (size int64) {
	defer func() {
		if r := recover(); r != nil {
			size = fallbackSize
		}
		if size < 1 {
			size = fallbackSize
		}
	}()

	return estimateValue(reflect.ValueOf(v), 0)
}

func estimateValue(v reflect.Value, depth int) int64 {
	if depth > 8 {
		// Deep nesting is summarized rather than walked.
		return fallbackSize
	}

	if !v.IsValid() {
		return entryOverhead
	}

	switch v.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Uint8:
		return 1
	case reflect.Int16, reflect.Uint16:
		return 2
	case reflect.Int32, reflect.Uint32, reflect.Float32:
		return 4
	case reflect.Int, reflect.Int64, reflect.Uint, reflect.Uint64, reflect.Float64,
		reflect.Complex64, reflect.Uintptr:
		return 8
	case reflect.Complex128:
		return 16
	case reflect.String:
		return int64(v.Len()) + entryOverhead
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return containerOverhead
		}
		total := int64(containerOverhead)
		for i := 0; i < v.Len(); i++ {
			total += estimateValue(v.Index(i), depth+1) + entryOverhead
		}
		return total
	case reflect.Map:
		if v.IsNil() {
			return containerOverhead
		}
		total := int64(containerOverhead)
		iter := v.MapRange()
		for iter.Next() {
			total += estimateValue(iter.Key(), depth+1)
			total += estimateValue(iter.Value(), depth+1)
			total += entryOverhead
		}
		return total
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return entryOverhead
		}
		return 8 + estimateValue(v.Elem(), depth+1)
	case reflect.Struct:
		if t, ok := v.Interface().(time.Time); ok {
			_ = t
			return 24
		}
		total := int64(containerOverhead)
		for i := 0; i < v.NumField(); i++ {
			f := v.Field(i)
			if !f.CanInterface() {
				// Unexported fields are counted at word size.
				total += 8
				continue
			}
			if raw, ok := f.Interface().(json.RawMessage); ok {
				total += int64(len(raw)) + entryOverhead
				continue
			}
			total += estimateValue(f, depth+1)
		}
		return total
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return entryOverhead
	default:
		return fallbackSize
	}
}
