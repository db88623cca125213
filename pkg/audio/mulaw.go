package audio

import "github.com/zaf/g711"

// MulawFrameBytes is the size of one 20 ms G.711 μ-law frame at 8 kHz.
const MulawFrameBytes = 160

// DecodeMulaw expands G.711 μ-law bytes into 16-bit PCM.
func DecodeMulaw(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}

// EncodeMulaw compresses 16-bit PCM into G.711 μ-law.
func EncodeMulaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// SplitFrames cuts b into consecutive frames of size n. The final frame may be
// shorter. The returned slices alias b.
func SplitFrames(b []byte, n int) [][]byte {
	if n <= 0 || len(b) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(b)+n-1)/n)
	for len(b) > n {
		out = append(out, b[:n])
		b = b[n:]
	}
	return append(out, b)
}
