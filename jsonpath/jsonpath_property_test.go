package jsonpath

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type roundTripCase struct {
	expr  string
	value any
}

func genRoundTripCase() gopter.Gen {
	return gopter.CombineGens(
		gen.SliceOfN(3, gen.RegexMatch(`[a-z][a-z0-9_]{0,8}`)),
		gen.IntRange(0, 4),
		gen.IntRange(0, 2),
		gen.AlphaString(),
		gen.Float64Range(-1e6, 1e6),
		gen.Bool(),
		gen.IntRange(0, 2),
	).Map(func(vals []any) roundTripCase {
		segs := append([]string(nil), vals[0].([]string)...)
		// Replace one non-root segment with an array index so paths mix
		// keys and indices.
		if at := vals[2].(int); at > 0 {
			segs[at] = Index(vals[1].(int)).String()
		}
		var value any
		switch vals[6].(int) {
		case 0:
			value = vals[3].(string)
		case 1:
			value = vals[4].(float64)
		default:
			value = vals[5].(bool)
		}
		return roundTripCase{expr: strings.Join(segs, "."), value: value}
	})
}

// TestSetLookupRoundTripProperty verifies that for any generated path P and
// scalar value V, looking up P after Set(nil, P, V) yields V, and that
// re-assigning a value read from an existing document leaves it readable at
// the same path.
func TestSetLookupRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("set then lookup yields the value", prop.ForAll(
		func(tc roundTripCase) bool {
			p, err := Parse(tc.expr)
			if err != nil {
				return false
			}
			root := p.Set(nil, tc.value)
			got, ok := p.Lookup(root)
			return ok && got == tc.value
		},
		genRoundTripCase(),
	))

	properties.Property("re-assigning a read value keeps it resolvable", prop.ForAll(
		func(tc roundTripCase) bool {
			p, err := Parse(tc.expr)
			if err != nil {
				return false
			}
			doc := p.Set(nil, tc.value)
			read, ok := p.Lookup(doc)
			if !ok {
				return false
			}
			doc = p.Set(doc, read)
			got, ok := p.Lookup(doc)
			return ok && got == read
		},
		genRoundTripCase(),
	))

	properties.TestingRun(t)
}
