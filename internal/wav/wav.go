// Package wav decodes, encodes, and assembles PCM16 WAV audio.
//
// Narration clips move through the service as decoded Clip values so they can
// be concatenated and loudness-matched before export. Only uncompressed
// 16-bit little-endian PCM is supported; anything else is rejected at decode
// time rather than transcoded.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Static errors for audio decoding and assembly.
var (
	// ErrEmptyAudio indicates an empty input buffer or clip.
	ErrEmptyAudio = errors.New("audio data is empty")
	// ErrNotWAV indicates the buffer does not start with a RIFF/WAVE header.
	ErrNotWAV = errors.New("not a RIFF/WAVE container")
	// ErrMalformedChunk indicates a chunk that runs past the buffer.
	ErrMalformedChunk = errors.New("chunk exceeds buffer length")
	// ErrMissingFormatChunk indicates a container without a fmt chunk.
	ErrMissingFormatChunk = errors.New("fmt chunk not found")
	// ErrMissingDataChunk indicates a container without a data chunk.
	ErrMissingDataChunk = errors.New("data chunk not found")
	// ErrUnsupportedFormat indicates audio that is not 16-bit PCM.
	ErrUnsupportedFormat = errors.New("unsupported sample format")
	// ErrFormatMismatch indicates clips whose formats cannot be joined.
	ErrFormatMismatch = errors.New("clip formats do not match")
)

// WAV container constants.
const (
	riffHeaderSize = 12
	chunkHeaderLen = 8
	fmtChunkSize   = 16
	headerOverhead = 36

	audioFormatPCM = 1
	bitsPerSample  = 16
	bytesPerSample = 2

	pcmMax = 32767
	pcmMin = -32768

	// normalizeEpsilonDB is the gain below which normalization is skipped,
	// keeping already-normalized clips byte-identical.
	normalizeEpsilonDB = 0.05
)

// Format describes the sample layout of a clip.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// String renders the format for logs and error messages.
func (f Format) String() string {
	return fmt.Sprintf("%d Hz, %d ch, %d-bit", f.SampleRate, f.Channels, f.BitsPerSample)
}

// Clip is a decoded audio segment: raw PCM frames plus their format.
// Clips are treated as immutable; operations that change samples return a
// new Clip with copied data.
type Clip struct {
	Format Format
	Data   []byte
}

// LooksLikeWAV reports whether header starts a RIFF/WAVE container. It needs
// at least the first 12 bytes of the file.
func LooksLikeWAV(header []byte) bool {
	return len(header) >= riffHeaderSize &&
		bytes.HasPrefix(header, []byte("RIFF")) &&
		bytes.Equal(header[8:riffHeaderSize], []byte("WAVE"))
}

// HeaderLen is the number of bytes LooksLikeWAV needs to inspect.
const HeaderLen = riffHeaderSize

// Decode parses a WAV buffer into a Clip. The chunk walk tolerates extra
// subchunks and odd-size padding; the audio itself must be 16-bit PCM in one
// or two channels.
func Decode(wavBytes []byte) (Clip, error) {
	if len(wavBytes) == 0 {
		return Clip{}, ErrEmptyAudio
	}

	if !LooksLikeWAV(wavBytes) {
		return Clip{}, ErrNotWAV
	}

	format, data, err := walkChunks(wavBytes)
	if err != nil {
		return Clip{}, err
	}

	err = validateFormat(format, data)
	if err != nil {
		return Clip{}, err
	}

	// Copy so the clip does not alias the caller's buffer.
	owned := make([]byte, len(data))
	copy(owned, data)

	return Clip{Format: format, Data: owned}, nil
}

// walkChunks scans the RIFF subchunks for fmt and data.
func walkChunks(wavBytes []byte) (Format, []byte, error) {
	var (
		format    Format
		data      []byte
		haveFmt   bool
		haveData  bool
		cursorPos = riffHeaderSize
	)

	for cursorPos+chunkHeaderLen <= len(wavBytes) {
		chunkID := string(wavBytes[cursorPos : cursorPos+4])
		chunkSize := int(binary.LittleEndian.Uint32(wavBytes[cursorPos+4 : cursorPos+chunkHeaderLen]))
		body := cursorPos + chunkHeaderLen
		next := body + chunkSize

		if next > len(wavBytes) {
			return Format{}, nil, fmt.Errorf("chunk %q at offset %d: %w", chunkID, cursorPos, ErrMalformedChunk)
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < fmtChunkSize {
				return Format{}, nil, fmt.Errorf("fmt chunk of %d bytes: %w", chunkSize, ErrUnsupportedFormat)
			}

			audioFormat := binary.LittleEndian.Uint16(wavBytes[body : body+2])
			if audioFormat != audioFormatPCM {
				return Format{}, nil, fmt.Errorf("audio format %d: %w", audioFormat, ErrUnsupportedFormat)
			}

			format = Format{
				Channels:      int(binary.LittleEndian.Uint16(wavBytes[body+2 : body+4])),
				SampleRate:    int(binary.LittleEndian.Uint32(wavBytes[body+4 : body+8])),
				BitsPerSample: int(binary.LittleEndian.Uint16(wavBytes[body+14 : body+16])),
			}
			haveFmt = true
		case "data":
			data = wavBytes[body:next]
			haveData = true
		}

		// Chunks are padded to an even boundary.
		if chunkSize%2 != 0 {
			next++
		}

		cursorPos = next
	}

	if !haveFmt {
		return Format{}, nil, ErrMissingFormatChunk
	}

	if !haveData {
		return Format{}, nil, ErrMissingDataChunk
	}

	return format, data, nil
}

// validateFormat rejects sample layouts the pipeline cannot carry.
func validateFormat(format Format, data []byte) error {
	if format.BitsPerSample != bitsPerSample {
		return fmt.Errorf("%d bits per sample: %w", format.BitsPerSample, ErrUnsupportedFormat)
	}

	if format.Channels < 1 || format.Channels > 2 {
		return fmt.Errorf("%d channels: %w", format.Channels, ErrUnsupportedFormat)
	}

	if format.SampleRate <= 0 {
		return fmt.Errorf("sample rate %d: %w", format.SampleRate, ErrUnsupportedFormat)
	}

	if len(data) == 0 {
		return ErrEmptyAudio
	}

	if len(data)%(bytesPerSample*format.Channels) != 0 {
		return fmt.Errorf("data length %d does not match channel count: %w", len(data), ErrUnsupportedFormat)
	}

	return nil
}

// Encode wraps a clip into a canonical 44-byte-header WAV buffer.
func Encode(clip Clip) []byte {
	blockAlign := clip.Format.Channels * bitsPerSample / 8
	byteRate := clip.Format.SampleRate * blockAlign
	dataSize := len(clip.Data)

	buf := bytes.NewBuffer(make([]byte, 0, riffHeaderSize+headerOverhead+dataSize))

	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(headerOverhead+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(fmtChunkSize))
	_ = binary.Write(buf, binary.LittleEndian, uint16(audioFormatPCM))
	_ = binary.Write(buf, binary.LittleEndian, uint16(clip.Format.Channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(clip.Format.SampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(clip.Data)

	return buf.Bytes()
}

// Concat joins clips into one contiguous clip in argument order. Every clip
// must share the same format; the pipeline never resamples.
func Concat(clips ...Clip) (Clip, error) {
	if len(clips) == 0 {
		return Clip{}, ErrEmptyAudio
	}

	format := clips[0].Format
	total := 0

	for i, clip := range clips {
		if clip.Format != format {
			return Clip{}, fmt.Errorf(
				"clip %d is %s, expected %s: %w",
				i, clip.Format, format, ErrFormatMismatch,
			)
		}

		total += len(clip.Data)
	}

	joined := make([]byte, 0, total)
	for _, clip := range clips {
		joined = append(joined, clip.Data...)
	}

	return Clip{Format: format, Data: joined}, nil
}

// Duration reports the playback length of the clip.
func (c Clip) Duration() time.Duration {
	blockAlign := bytesPerSample * c.Format.Channels
	if blockAlign == 0 || c.Format.SampleRate == 0 {
		return 0
	}

	frames := len(c.Data) / blockAlign
	seconds := float64(frames) / float64(c.Format.SampleRate)

	return time.Duration(seconds * float64(time.Second))
}

// LoudnessDBFS measures the clip's RMS level relative to full scale.
// A silent clip measures negative infinity.
func (c Clip) LoudnessDBFS() float64 {
	sampleCount := len(c.Data) / bytesPerSample
	if sampleCount == 0 {
		return math.Inf(-1)
	}

	var sumSquares float64

	for i := 0; i+1 < len(c.Data); i += bytesPerSample {
		sample := float64(int16(binary.LittleEndian.Uint16(c.Data[i : i+2])))
		sumSquares += sample * sample
	}

	rms := math.Sqrt(sumSquares / float64(sampleCount))
	if rms == 0 {
		return math.Inf(-1)
	}

	return 20 * math.Log10(rms/float64(-pcmMin))
}

// NormalizeTo returns a copy of the clip gain-adjusted so its RMS loudness
// sits at targetDBFS. Silence and clips already within normalizeEpsilonDB of
// the target pass through unchanged, sample for sample.
func (c Clip) NormalizeTo(targetDBFS float64) Clip {
	current := c.LoudnessDBFS()
	if math.IsInf(current, -1) {
		return c
	}

	deltaDB := targetDBFS - current
	if math.Abs(deltaDB) < normalizeEpsilonDB {
		return c
	}

	gain := math.Pow(10, deltaDB/20)
	adjusted := make([]byte, len(c.Data))

	for i := 0; i+1 < len(c.Data); i += bytesPerSample {
		sample := float64(int16(binary.LittleEndian.Uint16(c.Data[i : i+2])))
		scaled := math.Round(sample * gain)

		if scaled > pcmMax {
			scaled = pcmMax
		} else if scaled < pcmMin {
			scaled = pcmMin
		}

		binary.LittleEndian.PutUint16(adjusted[i:i+2], uint16(int16(scaled)))
	}

	return Clip{Format: c.Format, Data: adjusted}
}
