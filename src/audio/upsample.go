package audio

// Upsampler doubles the sample rate of a block of samples. Implementations
// must return exactly 2*len(in) samples.
type Upsampler func(in []int16) []int16

// UpsampleDuplicate emits every sample twice. It is the default: cheap,
// deterministic and good enough for an 8 kHz telephony source.
func UpsampleDuplicate(in []int16) []int16 {
	out := make([]int16, len(in)*2)
	for i, s := range in {
		out[2*i] = s
		out[2*i+1] = s
	}
	return out
}

// UpsampleLinear inserts the midpoint between neighbouring samples. The last
// sample is repeated since there is no successor to interpolate towards.
func UpsampleLinear(in []int16) []int16 {
	out := make([]int16, len(in)*2)
	for i, s := range in {
		out[2*i] = s
		if i+1 < len(in) {
			out[2*i+1] = int16((int32(s) + int32(in[i+1])) / 2)
		} else {
			out[2*i+1] = s
		}
	}
	return out
}

// UpsamplerByName maps a config value to an Upsampler.
func UpsamplerByName(name string) (Upsampler, bool) {
	switch name {
	case "", "duplicate":
		return UpsampleDuplicate, true
	case "linear":
		return UpsampleLinear, true
	}
	return nil, false
}
