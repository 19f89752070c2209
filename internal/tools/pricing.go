package tools

// CostRange is the per-image USD cost band of one quality tier.
type CostRange struct {
	Min float64
	Max float64
}

// Static cost table per quality tier. Keeping the table here means both the
// operations (actual history cost) and the batch estimator price identically.
var qualityCosts = map[string]CostRange{
	"low":    {Min: 0.011, Max: 0.016},
	"medium": {Min: 0.042, Max: 0.063},
	"high":   {Min: 0.167, Max: 0.25},
}

// CostRangeFor returns the per-image cost band for a quality tier.
// "auto" spans medium..high since the provider picks within that band.
func CostRangeFor(quality string) CostRange {
	switch quality {
	case "auto", "":
		return CostRange{Min: qualityCosts["medium"].Min, Max: qualityCosts["high"].Max}
	default:
		if r, ok := qualityCosts[quality]; ok {
			return r
		}
		return CostRange{Min: qualityCosts["medium"].Min, Max: qualityCosts["high"].Max}
	}
}

// EstimatedImageCost is the midpoint of the tier band, used for the
// estimated_cost a history record carries.
func EstimatedImageCost(quality string) float64 {
	r := CostRangeFor(quality)
	return (r.Min + r.Max) / 2
}
