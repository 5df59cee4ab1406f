package features

import "time"

// flow is the buy/sell split of recent activity.
type flow struct {
	buy    float64 // share of flow on upticks, [0, 1]
	sell   float64 // share of flow on downticks, [0, 1]
	volume float64 // SOL traded in the window
	known  bool    // some sample in the window carried volume
}

// flowPressure classifies each sample after since by the tick rule: a
// higher price than the previous sample is buying, a lower one selling,
// unchanged prices are excluded. Samples are weighted by volume, or count
// once when the volume is unknown.
func flowPressure(samples []Sample, since time.Time) flow {
	var f flow
	var buyVol, sellVol float64

	for i := 1; i < len(samples); i++ {
		s := samples[i]
		if s.At.Before(since) {
			continue
		}
		f.volume += s.Volume
		f.known = f.known || s.Volume > 0

		weight := s.Volume
		if weight <= 0 {
			weight = 1
		}
		switch d := s.Price - samples[i-1].Price; {
		case d > 0:
			buyVol += weight
		case d < 0:
			sellVol += weight
		}
	}

	if total := buyVol + sellVol; total > 0 {
		f.buy = buyVol / total
		f.sell = sellVol / total
	}
	return f
}
