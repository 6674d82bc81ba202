// Package activation implements the activation digest (C7): a top-K
// canonical fingerprint of a safety feature extractor's output vectors.
package activation

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/proofkeep/flightcore/pkg/canon"
)

// DefaultTopK is the default number of top-magnitude features kept in the
// digest (spec §4.7).
const DefaultTopK = 32

var ErrInvalidActivation = errors.New("activation: non-finite value")

// Vector is one layer/position's raw activation values.
type Vector struct {
	LayerID  string
	Position int
	Values   []float64
}

// FeatureVector is the unordered input to Digest: a set of activation
// vectors plus the extractor identity and the total scalar count across
// all vectors (which may exceed the sum of len(Values) if the caller
// pre-aggregates; featureCount is taken at face value and not recomputed).
type FeatureVector struct {
	ExtractorID  string
	FeatureCount int
	Vectors      []Vector
}

// Feature is one surviving top-K scalar in canonical order.
type Feature struct {
	Index    int     `json:"i"`
	LayerID  string  `json:"l"`
	Position int     `json:"p"`
	Value    float64 `json:"v"`
}

// Digest is the result of digesting a FeatureVector.
type Digest struct {
	Hash         string    `json:"hash"`
	Algorithm    string    `json:"algorithm"`
	TopK         int       `json:"topK"`
	FeatureCount int       `json:"featureCount"`
	Features     []Feature `json:"-"`
}

type flatScalar struct {
	layerID  string
	position int
	index    int
	value    float64
}

// Compute flattens fv's vectors to (layerId, position, index, value)
// tuples, rejects non-finite values, selects the topK by |value|
// descending, canonically sorts the survivors, and hashes the result
// (spec §4.7). topK <= 0 selects DefaultTopK.
func Compute(fv FeatureVector, topK int) (*Digest, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	var flat []flatScalar
	for _, v := range fv.Vectors {
		for i, val := range v.Values {
			if math.IsNaN(val) || math.IsInf(val, 0) {
				return nil, fmt.Errorf("%w: layer %s position %d index %d", ErrInvalidActivation, v.LayerID, v.Position, i)
			}
			flat = append(flat, flatScalar{layerID: v.LayerID, position: v.Position, index: i, value: val})
		}
	}

	if topK > len(flat) {
		topK = len(flat)
	}

	// Sort by |value| descending; ties are broken by the canonical
	// (layerId, position, index) order used below, so the selected set does
	// not depend on the order of fv.Vectors.
	sort.SliceStable(flat, func(i, j int) bool {
		ai, aj := math.Abs(flat[i].value), math.Abs(flat[j].value)
		if ai != aj {
			return ai > aj
		}
		if flat[i].layerID != flat[j].layerID {
			return flat[i].layerID < flat[j].layerID
		}
		if flat[i].position != flat[j].position {
			return flat[i].position < flat[j].position
		}
		return flat[i].index < flat[j].index
	})
	survivors := append([]flatScalar(nil), flat[:topK]...)

	sort.Slice(survivors, func(i, j int) bool {
		if survivors[i].layerID != survivors[j].layerID {
			return survivors[i].layerID < survivors[j].layerID
		}
		if survivors[i].position != survivors[j].position {
			return survivors[i].position < survivors[j].position
		}
		return survivors[i].index < survivors[j].index
	})

	features := make([]Feature, len(survivors))
	for i, s := range survivors {
		features[i] = Feature{Index: s.index, LayerID: s.layerID, Position: s.position, Value: s.value}
	}

	payload := map[string]interface{}{
		"extractorId":  fv.ExtractorID,
		"featureCount": fv.FeatureCount,
		"topK":         topK,
		"features":     features,
	}
	h, err := canon.HashCanonical(canon.DomainActivationDigest, payload)
	if err != nil {
		return nil, fmt.Errorf("activation: hash digest: %w", err)
	}

	return &Digest{
		Hash:         hexEnc32(h),
		Algorithm:    "sha256",
		TopK:         topK,
		FeatureCount: fv.FeatureCount,
		Features:     features,
	}, nil
}

func hexEnc32(h [32]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range h {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
