package audio_test

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/callflow/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	stereo := samplesToBytes([]int16{100, 200, -100, -200, 32767, 32767})
	got := bytesToSamples(audio.StereoToMono(stereo))
	want := []int16{150, -150, 32767}
	if len(got) != len(want) {
		t.Fatalf("length: want %d, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: want %d, got %d", i, want[i], got[i])
		}
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		src, dst int
		in       int
		wantLen  int
	}{
		{name: "downsample 16k to 8k", src: 16000, dst: 8000, in: 320, wantLen: 160},
		{name: "downsample 24k to 8k", src: 24000, dst: 8000, in: 480, wantLen: 160},
		{name: "upsample 8k to 16k", src: 8000, dst: 16000, in: 160, wantLen: 320},
		{name: "same rate", src: 8000, dst: 8000, in: 160, wantLen: 160},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			in := samplesToBytes(make([]int16, tc.in))
			out := audio.ResampleMono16(in, tc.src, tc.dst)
			if got := len(out) / 2; got != tc.wantLen {
				t.Errorf("samples: want %d, got %d", tc.wantLen, got)
			}
		})
	}
}

func TestResampleMono16_ConstantSignalPreserved(t *testing.T) {
	t.Parallel()
	in := samplesToBytes([]int16{500, 500, 500, 500, 500, 500})
	for i, s := range bytesToSamples(audio.ResampleMono16(in, 24000, 8000)) {
		if s != 500 {
			t.Errorf("sample %d: want 500, got %d", i, s)
		}
	}
}

func TestConverter_StereoTo8kMono(t *testing.T) {
	t.Parallel()
	c := audio.Converter{Target: audio.Telephony}
	// 4 stereo frames at 16 kHz → 2 mono samples at 8 kHz.
	in := samplesToBytes([]int16{10, 30, 10, 30, 10, 30, 10, 30})
	out := bytesToSamples(c.Convert(in, audio.Format{SampleRate: 16000, Channels: 2}))
	if len(out) != 2 {
		t.Fatalf("samples: want 2, got %d", len(out))
	}
	for i, s := range out {
		if s != 20 {
			t.Errorf("sample %d: want 20, got %d", i, s)
		}
	}
}

func TestConverter_PassThroughAndOddByte(t *testing.T) {
	t.Parallel()
	c := audio.Converter{Target: audio.Telephony}
	in := []byte{1, 2, 3, 4, 5}
	out := c.Convert(in, audio.Telephony)
	if !bytes.Equal(out, in[:4]) {
		t.Errorf("want %v, got %v", in[:4], out)
	}
}

func TestFormatDurationAndBytes(t *testing.T) {
	t.Parallel()
	f := audio.Telephony
	if got := f.Duration(make([]byte, 320)); got != 20*time.Millisecond {
		t.Errorf("Duration: want 20ms, got %v", got)
	}
	if got := f.Bytes(200 * time.Millisecond); got != 3200 {
		t.Errorf("Bytes: want 3200, got %d", got)
	}
	if got := (audio.Format{}).Duration(make([]byte, 320)); got != 0 {
		t.Errorf("Duration on zero format: want 0, got %v", got)
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil): want 0, got %f", got)
	}
	got := audio.RMS(samplesToBytes([]int16{1000, -1000, 1000, -1000}))
	if math.Abs(got-1000) > 0.001 {
		t.Errorf("RMS: want 1000, got %f", got)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{1, 2, 3, 4})
	wav := audio.EncodeWAV(pcm, audio.Telephony)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length: want %d, got %d", 44+len(pcm), len(wav))
	}
	got, f, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if f != audio.Telephony {
		t.Errorf("format: want %+v, got %+v", audio.Telephony, f)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("pcm: want %v, got %v", pcm, got)
	}
}

func TestDecodeWAV_Rejects(t *testing.T) {
	t.Parallel()
	if _, _, err := audio.DecodeWAV([]byte("not a wav file at all")); err != audio.ErrNotWAV {
		t.Errorf("want ErrNotWAV, got %v", err)
	}
}

func TestMulaw_SilenceAndRoundTrip(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{0, 1000, -1000, 8000})
	ulaw := audio.EncodeMulaw(pcm)
	if len(ulaw) != 4 {
		t.Fatalf("encoded length: want 4, got %d", len(ulaw))
	}
	back := bytesToSamples(audio.DecodeMulaw(ulaw))
	for i, want := range []int16{0, 1000, -1000, 8000} {
		diff := math.Abs(float64(back[i]) - float64(want))
		if diff > math.Max(8, math.Abs(float64(want))*0.05) {
			t.Errorf("sample %d: want ~%d, got %d", i, want, back[i])
		}
	}
}

func TestSplitFrames(t *testing.T) {
	t.Parallel()
	frames := audio.SplitFrames(make([]byte, 350), audio.MulawFrameBytes)
	if len(frames) != 3 {
		t.Fatalf("frames: want 3, got %d", len(frames))
	}
	if len(frames[2]) != 30 {
		t.Errorf("last frame: want 30 bytes, got %d", len(frames[2]))
	}
	if audio.SplitFrames(nil, 160) != nil {
		t.Error("SplitFrames(nil) should be nil")
	}
}
