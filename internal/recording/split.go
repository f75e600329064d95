package recording

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"callreel/internal/storage"
)

var (
	// ErrSourceUnavailable marks download failures: the media may simply
	// not be ready yet, so the caller may retry.
	ErrSourceUnavailable = errors.New("recording: source unavailable")

	// ErrDecodeFailed marks malformed media; retrying cannot help.
	ErrDecodeFailed = errors.New("recording: decode failed")
)

// maxRecordingBytes bounds the download; a one-hour dual-channel 8 kHz
// PCM16 recording is well under this.
const maxRecordingBytes = 256 << 20

// Splitter downloads a dual-channel call recording and publishes one mono
// WAV per speaker.
type Splitter struct {
	HTTP  *http.Client
	Store storage.Uploader
}

// Tracks holds the published per-speaker audio.
type Tracks struct {
	CallerURL string
	AgentURL  string
	Duration  time.Duration
}

// Split fetches the recording at url and uploads caller/agent mono tracks
// keyed under callID.
func (s *Splitter) Split(ctx context.Context, callID, url string) (Tracks, error) {
	raw, err := s.download(ctx, url)
	if err != nil {
		return Tracks{}, err
	}

	w, err := parseWAV(raw)
	if err != nil {
		return Tracks{}, err
	}
	if w.channels != 2 {
		return Tracks{}, fmt.Errorf("%w: %d channels, want dual-channel", ErrDecodeFailed, w.channels)
	}

	caller, agent := deinterleave(w.data)

	callerURL, err := s.Store.Upload(ctx, callID+"/caller.wav", "audio/wav", encodeMonoWAV(caller, w.sampleRate))
	if err != nil {
		return Tracks{}, fmt.Errorf("recording: upload caller track: %w", err)
	}
	agentURL, err := s.Store.Upload(ctx, callID+"/agent.wav", "audio/wav", encodeMonoWAV(agent, w.sampleRate))
	if err != nil {
		return Tracks{}, fmt.Errorf("recording: upload agent track: %w", err)
	}
	frames := len(w.data) / 4
	duration := time.Duration(frames) * time.Second / time.Duration(w.sampleRate)
	return Tracks{CallerURL: callerURL, AgentURL: agentURL, Duration: duration}, nil
}

func (s *Splitter) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrSourceUnavailable, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordingBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return raw, nil
}

type wavFile struct {
	channels   int
	sampleRate int
	data       []byte // interleaved PCM16LE
}

// parseWAV reads a RIFF/WAVE container holding 16-bit PCM. Chunks other
// than fmt and data are skipped.
func parseWAV(raw []byte) (wavFile, error) {
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return wavFile{}, fmt.Errorf("%w: not a RIFF/WAVE container", ErrDecodeFailed)
	}

	var w wavFile
	var haveFmt, haveData bool

	off := 12
	for off+8 <= len(raw) {
		id := string(raw[off : off+4])
		size := int(binary.LittleEndian.Uint32(raw[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(raw) {
			return wavFile{}, fmt.Errorf("%w: chunk %q overruns file", ErrDecodeFailed, id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return wavFile{}, fmt.Errorf("%w: short fmt chunk", ErrDecodeFailed)
			}
			format := binary.LittleEndian.Uint16(raw[body : body+2])
			if format != 1 { // PCM
				return wavFile{}, fmt.Errorf("%w: format tag %d, want PCM", ErrDecodeFailed, format)
			}
			w.channels = int(binary.LittleEndian.Uint16(raw[body+2 : body+4]))
			w.sampleRate = int(binary.LittleEndian.Uint32(raw[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(raw[body+14 : body+16])
			if bits != 16 {
				return wavFile{}, fmt.Errorf("%w: %d-bit samples, want 16", ErrDecodeFailed, bits)
			}
			haveFmt = true
		case "data":
			w.data = raw[body : body+size]
			haveData = true
		}

		// Chunks are word-aligned.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if !haveFmt || !haveData {
		return wavFile{}, fmt.Errorf("%w: missing fmt or data chunk", ErrDecodeFailed)
	}
	if w.channels < 1 || w.sampleRate <= 0 {
		return wavFile{}, fmt.Errorf("%w: fmt chunk out of range", ErrDecodeFailed)
	}
	return w, nil
}

// deinterleave splits stereo PCM16 into left (caller) and right (agent)
// channels. A trailing odd byte is dropped.
func deinterleave(data []byte) (left, right []byte) {
	frames := len(data) / 4
	left = make([]byte, 0, frames*2)
	right = make([]byte, 0, frames*2)
	for i := 0; i < frames; i++ {
		off := i * 4
		left = append(left, data[off], data[off+1])
		right = append(right, data[off+2], data[off+3])
	}
	return left, right
}

// encodeMonoWAV wraps PCM16LE samples in a minimal RIFF/WAVE container.
func encodeMonoWAV(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	byteRate := sampleRate * 2

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(2))  // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16)) // bits per sample

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// EncodeMonoWAV exposes the container writer for collaborators that publish
// PCM they produced themselves (the live-audio path).
func EncodeMonoWAV(pcm []byte, sampleRate int) []byte {
	return encodeMonoWAV(pcm, sampleRate)
}
