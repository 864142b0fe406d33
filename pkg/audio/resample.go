package audio

// Resample converts mono samples between rates. Integer downsampling averages
// each window; other ratios use linear interpolation.
func Resample(samples []int16, from, to int) []int16 {
	if from <= 0 || to <= 0 || from == to || len(samples) == 0 {
		return samples
	}
	if from > to && from%to == 0 {
		factor := from / to
		out := make([]int16, len(samples)/factor)
		for i := range out {
			var sum int32
			for _, s := range samples[i*factor : (i+1)*factor] {
				sum += int32(s)
			}
			out[i] = int16(sum / int32(factor))
		}
		return out
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		out[i] = int16(float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac)
	}
	return out
}
