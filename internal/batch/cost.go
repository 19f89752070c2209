package batch

import (
	"fmt"

	"github.com/jo-hoe/pixelsmith/internal/common"
	"github.com/jo-hoe/pixelsmith/internal/jobs"
	"github.com/jo-hoe/pixelsmith/internal/tools"
)

// QualityEstimate is the cost band of all images requested at one quality tier.
type QualityEstimate struct {
	Images int     `json:"images"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Estimate is a pre-flight cost projection in USD. No provider call is made.
type Estimate struct {
	Images    int                        `json:"images"`
	Min       float64                    `json:"min"`
	Max       float64                    `json:"max"`
	Breakdown map[string]QualityEstimate `json:"breakdown"`
}

// EstimateCost prices the specs against the static per-quality tier table,
// multiplied by each spec's sample count. Unset quality is priced as "auto".
func EstimateCost(specs []jobs.Spec) (*Estimate, error) {
	if len(specs) < 1 || len(specs) > MaxSpecs {
		return nil, fmt.Errorf("%w: spec count must be 1..%d, got %d", jobs.ErrInvalidInput, MaxSpecs, len(specs))
	}

	est := &Estimate{Breakdown: make(map[string]QualityEstimate)}
	for _, spec := range specs {
		quality := spec.Request.Quality
		if quality == "" {
			quality = "auto"
		}
		count := spec.Request.SampleCount
		if count <= 0 {
			count = common.DefaultSampleCount
		}
		band := tools.CostRangeFor(quality)

		q := est.Breakdown[quality]
		q.Images += count
		q.Min += band.Min * float64(count)
		q.Max += band.Max * float64(count)
		est.Breakdown[quality] = q

		est.Images += count
		est.Min += band.Min * float64(count)
		est.Max += band.Max * float64(count)
	}
	return est, nil
}
