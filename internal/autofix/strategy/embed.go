package strategy

import (
	"context"
	"errors"
	"math"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/philippgille/chromem-go"
)

// ErrEmptyText is returned when there is nothing to embed.
var ErrEmptyText = errors.New("no tokens to embed")

var embedTokenRegex = regexp.MustCompile(`⟨\d+⟩|[A-Za-z_][A-Za-z0-9_]*|[0-9]+|[^\sA-Za-z0-9_]`)

// NewHashingEmbedder returns an embedding function that needs no model: the
// unigrams and bigrams of the code tokens are feature-hashed into dims
// signed buckets and the vector is L2 normalized. Placeholders all map to the
// same token so renumbering does not move a vector.
func NewHashingEmbedder(dims int) chromem.EmbeddingFunc {
	if dims <= 0 {
		dims = 256
	}
	return func(ctx context.Context, text string) ([]float32, error) {
		toks := embedTokenRegex.FindAllString(text, -1)
		if len(toks) == 0 {
			return nil, ErrEmptyText
		}
		for i, t := range toks {
			if strings.HasPrefix(t, "⟨") {
				toks[i] = "⟨⟩"
			}
		}

		vec := make([]float32, dims)
		add := func(feature string, weight float32) {
			h := xxhash.Sum64String(feature)
			idx := h % uint64(dims)
			if h&(1<<63) != 0 {
				weight = -weight
			}
			vec[idx] += weight
		}
		for i, t := range toks {
			add("u:"+t, 1)
			if i > 0 {
				add("b:"+toks[i-1]+" "+t, 1)
			}
		}

		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm == 0 {
			return nil, ErrEmptyText
		}
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
		return vec, nil
	}
}
