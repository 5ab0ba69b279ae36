package audio

func sample(pcm []byte, i int) int32 {
	return int32(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
}

func putSample(out []byte, i int, v int32) {
	v = max(-32768, min(32767, v))
	out[i*2] = byte(v)
	out[i*2+1] = byte(v >> 8)
}

// ToMono averages all channels of interleaved 16-bit PCM into one.
// Trailing bytes that do not form a whole frame are dropped.
func ToMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (2 * channels)
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += sample(pcm, i*channels+ch)
		}
		putSample(out, i, sum/int32(channels))
	}
	return out
}

// Resample converts 16-bit mono PCM from srcRate to dstRate by linear
// interpolation. The input is returned unchanged when the rates match or
// either is not positive.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	n := len(pcm) / 2
	m := int(int64(n) * int64(dstRate) / int64(srcRate))
	out := make([]byte, m*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range m {
		pos := float64(i) * ratio
		j := int(pos)
		frac := pos - float64(j)
		s0 := sample(pcm, j)
		s1 := s0
		if j+1 < n {
			s1 = sample(pcm, j+1)
		}
		putSample(out, i, int32(float64(s0)*(1-frac)+float64(s1)*frac))
	}
	return out
}

// Convert returns pcm in format to. Multi-channel input is downmixed to mono
// first; upmixing is not supported and keeps mono output.
func Convert(pcm []byte, from, to Format) []byte {
	if from == to {
		return pcm
	}
	out := ToMono(pcm, from.Channels)
	return Resample(out, from.SampleRate, to.SampleRate)
}
