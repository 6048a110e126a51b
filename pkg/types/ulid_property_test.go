package types

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Part names must list in creation order in any object store browser,
// which holds exactly when ULIDs generated later compare greater.
func TestProperty_PartNameOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a part packed later gets a lexicographically greater name", prop.ForAll(
		func(t1Ms, t2Ms int64) bool {
			if t1Ms >= t2Ms {
				t1Ms, t2Ms = t2Ms, t1Ms+1
			}

			g := NewULIDGenerator()
			first, err := g.GenerateWithTime(time.UnixMilli(t1Ms))
			if err != nil {
				return false
			}
			second, err := g.GenerateWithTime(time.UnixMilli(t2Ms))
			if err != nil {
				return false
			}

			return "part-"+first.String()+".tar" < "part-"+second.String()+".tar"
		},
		gen.Int64Range(1000000000000, 2000000000000),
		gen.Int64Range(1000000000000, 2000000000000),
	))

	properties.Property("same-millisecond flushes still produce increasing names", prop.ForAll(
		func(timestampMs int64, count int) bool {
			g := NewULIDGenerator()
			ts := time.UnixMilli(timestampMs)

			var prev ULID
			for i := 0; i < count; i++ {
				curr, err := g.GenerateWithTime(ts)
				if err != nil {
					return false
				}
				if i > 0 && prev.Compare(curr) >= 0 {
					return false
				}
				prev = curr
			}
			return true
		},
		gen.Int64Range(1000000000000, 2000000000000),
		gen.IntRange(2, 100),
	))

	properties.Property("string form round-trips through ParseULID", prop.ForAll(
		func(timestampMs int64) bool {
			g := NewULIDGenerator()
			id, err := g.GenerateWithTime(time.UnixMilli(timestampMs))
			if err != nil {
				return false
			}
			parsed, err := ParseULID(id.String())
			if err != nil {
				return false
			}
			return parsed == id && id.Timestamp() == uint64(timestampMs)
		},
		gen.Int64Range(0, 281474976710655), // 48-bit timestamp ceiling
	))

	properties.TestingRun(t)
}
