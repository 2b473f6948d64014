package socketio

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type symmetryCase struct {
	name    string
	payload any
}

func genSymmetryCase() gopter.Gen {
	return gopter.CombineGens(
		gen.RegexMatch(`[a-z][a-z0-9_-]{0,12}`),
		gen.AlphaString(),
		gen.Float64Range(-1e9, 1e9),
		gen.Bool(),
		gen.SliceOfN(3, gen.AlphaString()),
		gen.IntRange(0, 4),
	).Map(func(vals []any) symmetryCase {
		var payload any
		switch vals[5].(int) {
		case 0:
			payload = vals[1].(string)
		case 1:
			payload = vals[2].(float64)
		case 2:
			payload = vals[3].(bool)
		case 3:
			payload = map[string]any{"text": vals[1].(string)}
		default:
			ss := vals[4].([]string)
			out := make([]any, len(ss))
			for i, s := range ss {
				out[i] = s
			}
			payload = out
		}
		return symmetryCase{name: vals[0].(string), payload: payload}
	})
}

// TestEncodeDecodeSymmetryProperty verifies decode(encode(name, payload))
// yields the original event for JSON-serializable payloads.
func TestEncodeDecodeSymmetryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decode(encode(name, payload)) round-trips", prop.ForAll(
		func(tc symmetryCase) bool {
			frame, err := EncodeMessage(tc.name, tc.payload)
			if err != nil {
				return false
			}
			ev, err := DecodeMessage(frame)
			if err != nil {
				return false
			}
			return ev.Name == tc.name && reflect.DeepEqual(ev.Data, tc.payload)
		},
		genSymmetryCase(),
	))

	properties.TestingRun(t)
}
