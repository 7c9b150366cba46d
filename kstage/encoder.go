package kstage

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/birdayz/kflow/kdoc"
)

// Encoder embeds text with signed feature hashing. Vectors are L2
// normalised, so a dot product between them is the cosine similarity.
type Encoder struct {
	dims int
}

func newEncoder(p Params) (Stage, error) {
	dims, err := p.Int("dims", 64)
	if err != nil {
		return nil, err
	}
	if dims <= 0 {
		return nil, fmt.Errorf("dims must be positive, got %d", dims)
	}
	return &Encoder{dims: dims}, nil
}

func (e *Encoder) Process(_ context.Context, _ Call, docs []*kdoc.Document) ([]*kdoc.Document, error) {
	for _, d := range docs {
		if len(d.Chunks) == 0 {
			d.Embedding = e.Embed(d.Text)
			continue
		}
		for _, c := range d.Chunks {
			c.Embedding = e.Embed(c.Text)
		}
	}
	return docs, nil
}

// Embed returns the embedding of text.
func (e *Encoder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, tok := range tokens {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		sign := float32(1)
		if sum>>63 == 1 {
			sign = -1
		}
		vec[sum%uint64(e.dims)] += sign
	}
	normalize(vec)
	return vec
}

func normalize(v []float32) {
	var sq float64
	for _, f := range v {
		sq += float64(f) * float64(f)
	}
	if sq == 0 {
		return
	}
	n := float32(math.Sqrt(sq))
	for i := range v {
		v[i] /= n
	}
}

// cosine returns the cosine similarity of a and b, 0 if either is zero or
// their dimensions differ.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}
