package market

// Direction classifies a heatmap segment.
type Direction int

const (
	Down Direction = iota - 1
	Flat
	Up
)

// flatThresholdPct: segments moving less than this (in percent, either way)
// render as flat.
const flatThresholdPct = 0.5

// Segment is the percent change between two consecutive selected samples.
type Segment struct {
	FromIndex int
	ToIndex   int
	ChangePct float64
	Direction Direction
}

// Downsample selects at most segments+1 strictly increasing indices out of
// n samples, approximately evenly spaced and always including 0 and n-1.
// n <= 0 yields nil; a single sample yields [0].
func Downsample(n, segments int) []int {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []int{0}
	}
	if segments < 1 {
		segments = 1
	}
	if segments > n-1 {
		segments = n - 1
	}

	idx := make([]int, 0, segments+1)
	for i := 0; i <= segments; i++ {
		// Rounded even spacing over [0, n-1]. Strict monotonicity holds
		// because segments <= n-1.
		v := (i*(n-1) + segments/2) / segments
		idx = append(idx, v)
	}
	idx[0] = 0
	idx[len(idx)-1] = n - 1
	return idx
}

// Segments downsamples the series to at most target segments and classifies
// each one against the flat threshold. Fewer than two points yield nil.
func Segments(points []PricePoint, target int) []Segment {
	if len(points) < 2 {
		return nil
	}

	idx := Downsample(len(points), target)
	out := make([]Segment, 0, len(idx)-1)
	for i := 1; i < len(idx); i++ {
		from, to := idx[i-1], idx[i]
		prev := points[from].Value
		var change float64
		if prev != 0 {
			change = (points[to].Value - prev) / prev * 100
		}

		dir := Flat
		switch {
		case change > flatThresholdPct:
			dir = Up
		case change < -flatThresholdPct:
			dir = Down
		}
		out = append(out, Segment{FromIndex: from, ToIndex: to, ChangePct: change, Direction: dir})
	}
	return out
}
