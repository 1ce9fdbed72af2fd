package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/feldrow/engram/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()

	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_Clamping(t *testing.T) {
	t.Parallel()

	// Two max-positive samples should clamp to 32767 (not overflow).
	stereo := samplesToBytes([]int16{32767, 32767})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	if len(got) != 1 {
		t.Fatalf("length mismatch: got %d, want 1", len(got))
	}
	if got[0] != 32767 {
		t.Errorf("got %d, want 32767", got[0])
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 48000, 48000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	t.Parallel()

	// 48 kHz -> 16 kHz should produce one-third the samples.
	in := make([]int16, 960)
	for i := range in {
		in[i] = int16(i)
	}
	out := audio.ResampleMono16(samplesToBytes(in), 48000, 16000)
	got := bytesToSamples(out)
	if len(got) != 320 {
		t.Fatalf("sample count: got %d, want 320", len(got))
	}
	// Linear interpolation of a monotone ramp stays monotone.
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("output not monotone at sample %d: %d < %d", i, got[i], got[i-1])
		}
	}
}

func TestPCMToFloat32(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{0, 16384, -16384, 32767, -32768})
	got := audio.PCMToFloat32(pcm)
	want := []float32{0, 0.5, -0.5, 32767.0 / 32768.0, -1.0}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}
}

func TestPCMToFloat32Mono_Stereo(t *testing.T) {
	t.Parallel()

	// One stereo frame L=16384 R=0 averages to 0.25.
	pcm := samplesToBytes([]int16{16384, 0})
	got := audio.PCMToFloat32Mono(pcm, 2)
	if len(got) != 1 {
		t.Fatalf("length mismatch: got %d, want 1", len(got))
	}
	if math.Abs(float64(got[0]-0.25)) > 1e-6 {
		t.Errorf("got %f, want 0.25", got[0])
	}
}

func TestDrain(t *testing.T) {
	t.Parallel()

	ch := make(chan audio.Frame, 4)
	for range 4 {
		ch <- audio.Frame{}
	}
	close(ch)

	done := make(chan struct{})
	go func() {
		audio.Drain(ch)
		close(done)
	}()
	<-done
}
