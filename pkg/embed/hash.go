package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashDimension is the vector size of the hashing provider when none
// is configured.
const DefaultHashDimension = 256

// Hash is a deterministic, offline provider that maps lower-cased word
// tokens onto a fixed number of buckets (feature hashing) and L2-normalises
// the result. Texts sharing words land close under cosine distance. It needs
// no credentials and suits development and tests.
type Hash struct {
	dims int
}

// NewHash creates a hashing provider producing vectors of length dims.
func NewHash(dims int) *Hash {
	if dims <= 0 {
		dims = DefaultHashDimension
	}
	return &Hash{dims: dims}
}

func (h *Hash) Name() string     { return "hash" }
func (h *Hash) Configured() bool { return true }

func (h *Hash) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, h.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		f := fnv.New32a()
		f.Write([]byte(w))
		sum := f.Sum32()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[(sum>>1)%uint32(h.dims)] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Keep empty input embeddable; cosine against a zero vector is undefined.
		vec[0] = 1
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}
