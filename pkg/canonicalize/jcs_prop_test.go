package canonicalize

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// asInterfaceGen lifts a generator's result type to interface{} so that
// differently-typed generators can be combined under gen.OneGenOf and
// gen.MapOf. (Gen.Map cannot return interface{}: gopter mistakes such a
// mapper for one returning *gopter.GenResult and panics.)
func asInterfaceGen(g gopter.Gen) gopter.Gen {
	interfaceType := reflect.TypeOf((*interface{})(nil)).Elem()
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		result := g(genParams)
		value, ok := result.Retrieve()
		if !ok {
			return gopter.NewEmptyResult(interfaceType)
		}
		lifted := gopter.NewGenResult(value, gopter.NoShrinker)
		lifted.ResultType = interfaceType
		return lifted
	}
}

// Property: canonicalization is deterministic and hash-stable for arbitrary
// string-keyed objects.
func TestJCS_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	genObject := gen.MapOf(gen.AlphaString(), gen.OneGenOf(
		asInterfaceGen(gen.AlphaString()),
		asInterfaceGen(gen.Int64()),
		asInterfaceGen(gen.Bool()),
	))

	properties.Property("deterministic bytes", prop.ForAll(
		func(m map[string]interface{}) bool {
			b1, err1 := JCS(m)
			b2, err2 := JCS(m)
			if err1 != nil || err2 != nil {
				return false
			}
			return string(b1) == string(b2)
		},
		genObject,
	))

	properties.Property("stable hash", prop.ForAll(
		func(m map[string]interface{}) bool {
			h1, err1 := CanonicalHash(m)
			h2, err2 := CanonicalHash(m)
			return err1 == nil && err2 == nil && h1 == h2
		},
		genObject,
	))

	properties.TestingRun(t)
}
