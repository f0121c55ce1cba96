// Package audio holds the per-call rolling PCM buffer and recording lookup.
package audio

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/cx-engine/internal/codec"
)

var (
	ErrEmptyChunk    = errors.New("empty audio chunk")
	ErrChunkTooLarge = errors.New("audio chunk exceeds max size")
)

// Store keeps a bounded rolling window of PCM audio per call. The in-memory
// buffer is authoritative; when a base directory is configured, chunk payloads
// and state.json are mirrored to disk so a restarted process can resume.
type Store struct {
	baseDir       string
	windowSeconds int
	maxChunkBytes int
	log           zerolog.Logger

	mu      sync.Mutex
	buffers map[string]*buffer
}

type chunkMeta struct {
	ID         string `json:"id"`
	File       string `json:"file"`
	Samples    int    `json:"samples"`
	Bytes      int    `json:"bytes"`
	OccurredAt string `json:"occurred_at"`
}

type buffer struct {
	CallID        string      `json:"call_id"`
	WindowSeconds int         `json:"window_seconds"`
	SampleRate    int         `json:"sample_rate"`
	Channels      int         `json:"channels"`
	SampleWidth   int         `json:"sample_width"`
	Chunks        []chunkMeta `json:"chunks"`
	TotalSamples  int         `json:"total_samples"`
	NextSeq       int         `json:"next_seq"`
	UpdatedAt     string      `json:"updated_at"`
	LastChunkID   string      `json:"last_chunk_id"`

	pcm map[string][]byte `json:"-"`
}

// Snapshot summarizes a call's rolling buffer. Zeroed fields with
// Available=false mean no buffer exists for the call.
type Snapshot struct {
	CallID          string  `json:"call_id"`
	Available       bool    `json:"available"`
	DurationSeconds float64 `json:"duration_seconds"`
	SampleRate      int     `json:"sample_rate"`
	Channels        int     `json:"channels"`
	SampleWidth     int     `json:"sample_width"`
	ChunkCount      int     `json:"chunk_count"`
	UpdatedAt       string  `json:"updated_at"`
	LastChunkID     string  `json:"last_chunk_id"`
	WindowSeconds   int     `json:"window_seconds"`
}

type StoreOptions struct {
	BaseDir       string // empty disables the disk mirror
	WindowSeconds int
	MaxChunkBytes int
	Log           zerolog.Logger
}

func NewStore(opts StoreOptions) *Store {
	windowSeconds := opts.WindowSeconds
	if windowSeconds < 30 {
		windowSeconds = 30
	}
	maxChunkBytes := opts.MaxChunkBytes
	if maxChunkBytes < 8192 {
		maxChunkBytes = 8192
	}
	if opts.BaseDir != "" {
		if err := os.MkdirAll(opts.BaseDir, 0o755); err != nil {
			opts.Log.Warn().Err(err).Str("dir", opts.BaseDir).Msg("audio mirror dir unavailable, running memory-only")
			opts.BaseDir = ""
		}
	}
	return &Store{
		baseDir:       opts.BaseDir,
		windowSeconds: windowSeconds,
		maxChunkBytes: maxChunkBytes,
		log:           opts.Log,
		buffers:       make(map[string]*buffer),
	}
}

// Append adds a PCM chunk to the call's rolling buffer, allocating a chunk id
// of the form <unix_ms>_<seq> when none is supplied. A sample rate, channel,
// or sample width change closes the existing buffer and starts fresh.
func (s *Store) Append(callID string, pcm []byte, sampleRate, channels, sampleWidth int, chunkID string, occurredAt time.Time) (Snapshot, error) {
	if len(pcm) == 0 {
		return Snapshot{}, ErrEmptyChunk
	}
	if len(pcm) > s.maxChunkBytes {
		return Snapshot{}, ErrChunkTooLarge
	}
	if sampleRate <= 0 {
		return Snapshot{}, errors.New("invalid sample_rate")
	}
	if channels <= 0 {
		return Snapshot{}, errors.New("invalid channels")
	}
	if sampleWidth <= 0 {
		return Snapshot{}, errors.New("invalid sample_width")
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	safeID := SafeCallID(callID)

	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.loadLocked(safeID, callID)
	if buf.formatChanged(sampleRate, channels, sampleWidth) {
		s.resetLocked(safeID)
		buf = newBuffer(callID, s.windowSeconds, sampleRate, channels, sampleWidth)
		s.buffers[safeID] = buf
	}
	buf.SampleRate = sampleRate
	buf.Channels = channels
	buf.SampleWidth = sampleWidth

	seq := buf.NextSeq
	if chunkID == "" {
		chunkID = fmt.Sprintf("%d_%d", occurredAt.UnixMilli(), seq)
	}
	fileName := fmt.Sprintf("%09d_%s.pcm", seq, chunkID)

	bytesPerSample := channels * sampleWidth
	sampleCount := len(pcm) / bytesPerSample
	if sampleCount < 1 {
		sampleCount = 1
	}

	buf.pcm[fileName] = append([]byte(nil), pcm...)
	buf.Chunks = append(buf.Chunks, chunkMeta{
		ID:         chunkID,
		File:       fileName,
		Samples:    sampleCount,
		Bytes:      len(pcm),
		OccurredAt: occurredAt.UTC().Format(time.RFC3339Nano),
	})
	buf.TotalSamples += sampleCount
	buf.NextSeq = seq + 1
	buf.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	buf.LastChunkID = chunkID

	if s.baseDir != "" {
		s.writeChunkFile(safeID, fileName, pcm)
	}

	// FIFO eviction: drop the oldest chunk while the remainder still covers
	// the window, so the buffer never shrinks below windowSeconds of audio.
	maxSamples := s.windowSeconds * sampleRate
	for len(buf.Chunks) > 1 && buf.TotalSamples-buf.Chunks[0].Samples >= maxSamples {
		dropped := buf.Chunks[0]
		buf.Chunks = buf.Chunks[1:]
		buf.TotalSamples -= dropped.Samples
		delete(buf.pcm, dropped.File)
		if s.baseDir != "" {
			s.removeChunkFile(safeID, dropped.File)
		}
	}
	if buf.TotalSamples < 0 {
		buf.TotalSamples = 0
	}

	if s.baseDir != "" {
		s.writeStateFile(safeID, buf)
	}

	return buf.snapshot(), nil
}

// Snapshot reports buffer metadata for a call.
func (s *Store) Snapshot(callID string) Snapshot {
	safeID := SafeCallID(callID)

	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[safeID]
	if !ok {
		buf = s.recoverLocked(safeID, callID)
	}
	if buf == nil {
		return Snapshot{CallID: callID, WindowSeconds: s.windowSeconds}
	}
	return buf.snapshot()
}

// RenderWAV materializes the rolling buffer as a RIFF/WAVE stream, trimmed to
// the trailing maxSeconds when positive. Returns false when no audio exists.
func (s *Store) RenderWAV(callID string, maxSeconds int) ([]byte, bool) {
	safeID := SafeCallID(callID)

	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[safeID]
	if !ok {
		buf = s.recoverLocked(safeID, callID)
	}
	if buf == nil || len(buf.Chunks) == 0 {
		return nil, false
	}

	var pcm []byte
	for _, chunk := range buf.Chunks {
		payload, ok := buf.pcm[chunk.File]
		if !ok && s.baseDir != "" {
			data, err := os.ReadFile(filepath.Join(s.baseDir, safeID, chunk.File))
			if err != nil {
				continue
			}
			payload = data
		}
		pcm = append(pcm, payload...)
	}
	if len(pcm) == 0 {
		return nil, false
	}

	if maxSeconds > 0 {
		maxBytes := buf.SampleRate * buf.Channels * buf.SampleWidth * maxSeconds
		if maxBytes > 0 && len(pcm) > maxBytes {
			pcm = pcm[len(pcm)-maxBytes:]
		}
	}

	return codec.RenderWAV(pcm, buf.SampleRate, buf.Channels), true
}

// WindowSeconds returns the configured rolling window size.
func (s *Store) WindowSeconds() int { return s.windowSeconds }

func (s *Store) loadLocked(safeID, callID string) *buffer {
	if buf, ok := s.buffers[safeID]; ok {
		return buf
	}
	if buf := s.recoverLocked(safeID, callID); buf != nil {
		return buf
	}
	buf := newBuffer(callID, s.windowSeconds, 0, 0, 0)
	s.buffers[safeID] = buf
	return buf
}

// recoverLocked reloads mirrored state from a previous process, if any.
func (s *Store) recoverLocked(safeID, callID string) *buffer {
	if s.baseDir == "" {
		return nil
	}
	statePath := filepath.Join(s.baseDir, safeID, "state.json")
	data, err := os.ReadFile(statePath)
	if err != nil {
		return nil
	}
	buf := &buffer{}
	if err := json.Unmarshal(data, buf); err != nil {
		s.log.Debug().Err(err).Str("path", statePath).Msg("discarding unreadable audio state")
		return nil
	}
	if buf.SampleRate <= 0 || buf.Channels <= 0 || buf.SampleWidth <= 0 {
		return nil
	}
	buf.CallID = callID
	if buf.WindowSeconds == 0 {
		buf.WindowSeconds = s.windowSeconds
	}
	if buf.NextSeq < 1 {
		buf.NextSeq = 1
	}
	buf.pcm = make(map[string][]byte, len(buf.Chunks))
	for _, chunk := range buf.Chunks {
		payload, err := os.ReadFile(filepath.Join(s.baseDir, safeID, chunk.File))
		if err != nil {
			continue
		}
		buf.pcm[chunk.File] = payload
	}
	s.buffers[safeID] = buf
	return buf
}

func (s *Store) resetLocked(safeID string) {
	delete(s.buffers, safeID)
	if s.baseDir == "" {
		return
	}
	callDir := filepath.Join(s.baseDir, safeID)
	matches, _ := filepath.Glob(filepath.Join(callDir, "*.pcm"))
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			s.log.Debug().Err(err).Str("path", path).Msg("audio chunk cleanup failed")
		}
	}
	os.Remove(filepath.Join(callDir, "state.json"))
}

func (s *Store) writeChunkFile(safeID, fileName string, pcm []byte) {
	dir := filepath.Join(s.baseDir, safeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Debug().Err(err).Str("dir", dir).Msg("audio chunk mirror failed")
		return
	}
	if err := os.WriteFile(filepath.Join(dir, fileName), pcm, 0o644); err != nil {
		s.log.Debug().Err(err).Str("file", fileName).Msg("audio chunk mirror failed")
	}
}

func (s *Store) removeChunkFile(safeID, fileName string) {
	path := filepath.Join(s.baseDir, safeID, fileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Debug().Err(err).Str("path", path).Msg("audio chunk cleanup failed")
	}
}

// writeStateFile mirrors chunk metadata atomically: temp file + rename.
func (s *Store) writeStateFile(safeID string, buf *buffer) {
	dir := filepath.Join(s.baseDir, safeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	data, err := json.Marshal(buf)
	if err != nil {
		return
	}
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, "state.json")); err != nil {
		os.Remove(tmpPath)
	}
}

func newBuffer(callID string, windowSeconds, sampleRate, channels, sampleWidth int) *buffer {
	return &buffer{
		CallID:        callID,
		WindowSeconds: windowSeconds,
		SampleRate:    sampleRate,
		Channels:      channels,
		SampleWidth:   sampleWidth,
		NextSeq:       1,
		UpdatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		pcm:           make(map[string][]byte),
	}
}

func (b *buffer) formatChanged(sampleRate, channels, sampleWidth int) bool {
	if len(b.Chunks) == 0 {
		return false
	}
	return b.SampleRate != sampleRate || b.Channels != channels || b.SampleWidth != sampleWidth
}

func (b *buffer) snapshot() Snapshot {
	duration := 0.0
	if b.SampleRate > 0 {
		duration = float64(b.TotalSamples) / float64(b.SampleRate)
	}
	return Snapshot{
		CallID:          b.CallID,
		Available:       len(b.Chunks) > 0,
		DurationSeconds: duration,
		SampleRate:      b.SampleRate,
		Channels:        b.Channels,
		SampleWidth:     b.SampleWidth,
		ChunkCount:      len(b.Chunks),
		UpdatedAt:       b.UpdatedAt,
		LastChunkID:     b.LastChunkID,
		WindowSeconds:   b.WindowSeconds,
	}
}

var unsafeCallIDChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SafeCallID maps an arbitrary call id to a filesystem-safe directory name.
func SafeCallID(callID string) string {
	cleaned := unsafeCallIDChars.ReplaceAllString(callID, "_")
	cleaned = regexp.MustCompile(`^[._]+|[._]+$`).ReplaceAllString(cleaned, "")
	if len(cleaned) > 96 {
		cleaned = cleaned[:96]
	}
	if cleaned == "" {
		return "call"
	}
	return cleaned
}
