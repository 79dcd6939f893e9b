// Package wav converts between WAV containers and mono PCM16 sample buffers.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	beepwav "github.com/faiface/beep/wav"
)

// ErrEmpty is returned when a container holds no samples.
var ErrEmpty = errors.New("wav: no audio samples")

// PCM is mono signed 16-bit audio.
type PCM struct {
	Samples    []int16
	SampleRate int
}

// Duration is the playback length of p.
func (p PCM) Duration() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(p.Samples)) * time.Second / time.Duration(p.SampleRate)
}

// Bytes returns the samples as little-endian PCM16.
func (p PCM) Bytes() []byte {
	out := make([]byte, 2*len(p.Samples))
	for i, s := range p.Samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// FromPCM16LE wraps raw little-endian mono PCM16. A trailing odd byte is dropped.
func FromPCM16LE(data []byte, sampleRate int) PCM {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return PCM{Samples: samples, SampleRate: sampleRate}
}

// Decode parses a WAV container of any channel count or bit depth and downmixes it to mono.
func Decode(data []byte) (PCM, error) {
	stream, format, err := beepwav.Decode(bytes.NewReader(data))
	if err != nil {
		return PCM{}, fmt.Errorf("wav: decode: %w", err)
	}
	defer stream.Close()

	out := PCM{SampleRate: int(format.SampleRate)}
	if n := stream.Len(); n > 0 {
		out.Samples = make([]int16, 0, n)
	}
	buf := make([][2]float64, 4096)
	for {
		n, ok := stream.Stream(buf)
		for _, frame := range buf[:n] {
			v := frame[0]
			if format.NumChannels > 1 {
				v = (frame[0] + frame[1]) / 2
			}
			out.Samples = append(out.Samples, toInt16(v))
		}
		if !ok {
			break
		}
	}
	if err := stream.Err(); err != nil {
		return PCM{}, fmt.Errorf("wav: read samples: %w", err)
	}
	if len(out.Samples) == 0 {
		return PCM{}, ErrEmpty
	}
	return out, nil
}

// Resample converts p to rate using linear interpolation.
func Resample(p PCM, rate int) PCM {
	if rate <= 0 || p.SampleRate <= 0 || rate == p.SampleRate || len(p.Samples) == 0 {
		return PCM{Samples: append([]int16(nil), p.Samples...), SampleRate: p.SampleRate}
	}
	n := int(int64(len(p.Samples)) * int64(rate) / int64(p.SampleRate))
	step := float64(p.SampleRate) / float64(rate)
	out := make([]int16, n)
	last := len(p.Samples) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		a := float64(p.Samples[min(idx, last)])
		b := float64(p.Samples[min(idx+1, last)])
		out[i] = int16(math.Round(a + (b-a)*frac))
	}
	return PCM{Samples: out, SampleRate: rate}
}

// Encode writes p as a canonical 44-byte-header PCM16 mono WAV file.
func Encode(p PCM) []byte {
	data := p.Bytes()
	var buf bytes.Buffer
	buf.Grow(44 + len(data))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	_ = binary.Write(&buf, binary.LittleEndian, uint32(p.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(p.SampleRate*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

func toInt16(v float64) int16 {
	v = math.Round(v * math.MaxInt16)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
