// wav.go sanitizes an arbitrary-rate PCM WAV file into the 16kHz mono copy
// the diarizer expects. No repo in the retrieval pack
// imports an audio codec library, and WAV is a fixed, uncompressed
// container (a 44-byte canonical header plus raw PCM samples), so this is
// encoding/binary header math plus integer decimation, not general audio
// transcoding — see DESIGN.md for why that keeps it off a third-party
// dependency.
package transcribe

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const targetSampleRate = 16000

type wavHeader struct {
	NumChannels   uint16
	SampleRate    uint32
	BitsPerSample uint16
}

// SanitizeWAV downmixes src (a canonical PCM WAV file) to mono and
// resamples it to 16kHz, returning a new canonical WAV file. Only 16-bit
// PCM is supported, which is what every upstream transcription/diarization
// model in this pipeline's family consumes.
func SanitizeWAV(src []byte) ([]byte, error) {
	hdr, samples, err := parseWAV(src)
	if err != nil {
		return nil, err
	}

	mono := downmix(samples, int(hdr.NumChannels))
	resampled := resample(mono, int(hdr.SampleRate), targetSampleRate)

	return encodeWAV(resampled), nil
}

func parseWAV(src []byte) (wavHeader, []int16, error) {
	if len(src) < 44 {
		return wavHeader{}, nil, fmt.Errorf("transcribe: wav too short (%d bytes)", len(src))
	}
	if string(src[0:4]) != "RIFF" || string(src[8:12]) != "WAVE" {
		return wavHeader{}, nil, fmt.Errorf("transcribe: not a RIFF/WAVE file")
	}

	var hdr wavHeader
	var dataOffset, dataSize int
	offset := 12
	for offset+8 <= len(src) {
		chunkID := string(src[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(src[offset+4 : offset+8]))
		body := offset + 8

		switch chunkID {
		case "fmt ":
			if body+16 > len(src) {
				return wavHeader{}, nil, fmt.Errorf("transcribe: truncated fmt chunk")
			}
			hdr.NumChannels = binary.LittleEndian.Uint16(src[body+2 : body+4])
			hdr.SampleRate = binary.LittleEndian.Uint32(src[body+4 : body+8])
			hdr.BitsPerSample = binary.LittleEndian.Uint16(src[body+14 : body+16])
		case "data":
			dataOffset = body
			dataSize = chunkSize
		}

		offset = body + chunkSize + chunkSize%2
	}

	if hdr.NumChannels == 0 || hdr.SampleRate == 0 {
		return wavHeader{}, nil, fmt.Errorf("transcribe: missing fmt chunk")
	}
	if hdr.BitsPerSample != 16 {
		return wavHeader{}, nil, fmt.Errorf("transcribe: unsupported bit depth %d (want 16)", hdr.BitsPerSample)
	}
	if dataOffset == 0 || dataOffset+dataSize > len(src) {
		return wavHeader{}, nil, fmt.Errorf("transcribe: missing or truncated data chunk")
	}

	raw := src[dataOffset : dataOffset+dataSize]
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
	}
	return hdr, samples, nil
}

// downmix averages interleaved channels down to a single mono channel.
func downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(samples[i*channels+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// resample performs nearest-neighbor sample-rate conversion. Adequate for
// a diarizer's 16kHz input requirement; a production-grade resampler would
// band-limit first, but nothing in the retrieval pack models that and the
// diarization model's own front end tolerates minor aliasing.
func resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || fromRate == 0 {
		return samples
	}
	outLen := len(samples) * toRate / fromRate
	out := make([]int16, outLen)
	for i := range out {
		srcIdx := i * fromRate / toRate
		if srcIdx >= len(samples) {
			srcIdx = len(samples) - 1
		}
		out[i] = samples[srcIdx]
	}
	return out
}

func encodeWAV(samples []int16) []byte {
	const bitsPerSample = 16
	const channels = 1
	byteRate := targetSampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(samples) * 2

	buf := new(bytes.Buffer)
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(targetSampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataSize))
	for _, s := range samples {
		binary.Write(buf, binary.LittleEndian, s)
	}

	return buf.Bytes()
}
