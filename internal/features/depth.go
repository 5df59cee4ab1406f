package features

// maxDepthRatio caps the ratio when nothing traded above the current price.
const maxDepthRatio = 10.0

// depthRatio estimates bid-side versus ask-side depth from where recent
// activity happened: weight at or below the latest price is support,
// weight above it is resistance. Samples weigh their volume, or one when
// the volume is unknown. Zero without support.
func depthRatio(samples []Sample) float64 {
	if len(samples) < 2 {
		return 0
	}
	last := samples[len(samples)-1].Price

	var below, above float64
	for _, s := range samples[:len(samples)-1] {
		w := s.Volume
		if w <= 0 {
			w = 1
		}
		if s.Price <= last {
			below += w
		} else {
			above += w
		}
	}

	switch {
	case below == 0:
		return 0
	case above == 0:
		return maxDepthRatio
	}
	if r := below / above; r < maxDepthRatio {
		return r
	}
	return maxDepthRatio
}
