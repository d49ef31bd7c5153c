// Package playlist keeps the rolling list of published fragments for a stream,
// renders it as an HLS playlist or DASH MPD, and reads a published playlist back
// after a restart.
package playlist

import (
	"bufio"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/jmylchreest/shipper/internal/models"
	"github.com/jmylchreest/shipper/internal/storage"
)

// Entry is one fragment in the playlist.
type Entry struct {
	SequenceIndex   int64   `json:"sequence_index"`
	DurationSeconds float64 `json:"duration_seconds"`
	Filename        string  `json:"filename"`
}

// Config describes the stream a playlist belongs to.
type Config struct {
	StreamKey    string
	Kbps         int
	ChunkSeconds int64
	SampleRate   int
	Channels     int
	// IncludeInitMap adds an EXT-X-MAP line pointing at the init segment.
	IncludeInitMap bool
}

// Manager holds a gap-free run of entries ordered by sequence index.
type Manager struct {
	cfg Config

	mu      sync.RWMutex
	entries []Entry
}

// NewManager creates an empty playlist.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// Config returns the playlist's stream description.
func (m *Manager) Config() Config {
	return m.cfg
}

// PutNext appends e if the playlist is empty or e directly follows the last entry.
// Anything else is rejected so the playlist never has a hole.
func (m *Manager) PutNext(e Entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.entries); n > 0 && e.SequenceIndex != m.entries[n-1].SequenceIndex+1 {
		return false
	}
	m.entries = append(m.entries, e)
	return true
}

// CollectGarbageBefore drops entries with a sequence index below threshold.
func (m *Manager) CollectGarbageBefore(threshold int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := 0
	for i < len(m.entries) && m.entries[i].SequenceIndex < threshold {
		i++
	}
	if i > 0 {
		m.entries = append([]Entry(nil), m.entries[i:]...)
	}
	return i
}

// Entries returns a copy of the retained entries, oldest first.
func (m *Manager) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Entry(nil), m.entries...)
}

// Len returns the number of retained entries.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Max returns the highest sequence index, or false when empty.
func (m *Manager) Max() (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return 0, false
	}
	return m.entries[len(m.entries)-1].SequenceIndex, true
}

// Min returns the lowest retained sequence index, or false when empty.
func (m *Manager) Min() (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return 0, false
	}
	return m.entries[0].SequenceIndex, true
}

// Reset drops every entry.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.entries = nil
	m.mu.Unlock()
}

// floorMicros truncates seconds to six decimals.
func floorMicros(seconds float64) float64 {
	return math.Floor(seconds*1e6) / 1e6
}

func (m *Manager) targetDuration(entries []Entry) int {
	maxDur := 0.0
	for _, e := range entries {
		maxDur = max(maxDur, e.DurationSeconds)
	}
	if maxDur <= 0 {
		return int(max(m.cfg.ChunkSeconds, 1))
	}
	return int(math.Ceil(maxDur))
}

// RenderHLS renders the playlist. The header set and order are fixed; players and
// ParseAndLoadItems both rely on it.
func (m *Manager) RenderHLS() string {
	entries := m.Entries()

	var mediaSeq int64
	if len(entries) > 0 {
		mediaSeq = entries[0].SequenceIndex
	}
	version := 3
	if m.cfg.IncludeInitMap {
		// EXT-X-MAP for fMP4 media requires protocol version 7.
		version = 7
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", version)
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", m.targetDuration(entries))
	b.WriteString("#EXT-X-DISCONTINUITY\n")
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSeq)
	b.WriteString("#EXT-X-PLAYLIST-TYPE:EVENT\n")
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")
	if m.cfg.IncludeInitMap {
		fmt.Fprintf(&b, "#EXT-X-MAP:URI=%q\n", storage.InitKey(m.cfg.StreamKey, m.cfg.Kbps))
	}
	for _, e := range entries {
		fmt.Fprintf(&b, "#EXTINF:%.6f,\n", floorMicros(e.DurationSeconds))
		b.WriteString(e.Filename)
		b.WriteByte('\n')
	}
	return b.String()
}

// ParseAndLoadItems reads a playlist produced by RenderHLS and feeds its entries
// through PutNext. It returns only the entries that were accepted.
// The sequence index comes from the fragment name when it follows the media key
// pattern, otherwise from the media sequence plus the entry's position.
func (m *Manager) ParseAndLoadItems(text string) ([]Entry, error) {
	parsed, err := parseHLS(text)
	if err != nil {
		return nil, err
	}
	var accepted []Entry
	for _, e := range parsed {
		if m.PutNext(e) {
			accepted = append(accepted, e)
		}
	}
	return accepted, nil
}

func parseHLS(text string) ([]Entry, error) {
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		entries    []Entry
		mediaSeq   int64
		sawHeader  bool
		pending    bool
		pendingDur float64
		position   int64
	)
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !sawHeader {
			if line != "#EXTM3U" {
				return nil, fmt.Errorf("%w: line %d: missing #EXTM3U", models.ErrManifestParse, lineNo)
			}
			sawHeader = true
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			v, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: media sequence: %v", models.ErrManifestParse, lineNo, err)
			}
			mediaSeq = v
		case strings.HasPrefix(line, "#EXTINF:"):
			if pending {
				return nil, fmt.Errorf("%w: line %d: EXTINF without a uri", models.ErrManifestParse, lineNo)
			}
			durText, _, _ := strings.Cut(strings.TrimPrefix(line, "#EXTINF:"), ",")
			d, err := strconv.ParseFloat(strings.TrimSpace(durText), 64)
			if err != nil || d < 0 {
				return nil, fmt.Errorf("%w: line %d: duration %q", models.ErrManifestParse, lineNo, durText)
			}
			pending, pendingDur = true, d
		case strings.HasPrefix(line, "#"):
			// other tags carry nothing we restore
		default:
			if !pending {
				return nil, fmt.Errorf("%w: line %d: uri without EXTINF", models.ErrManifestParse, lineNo)
			}
			seq, ok := storage.ParseMediaKey(line)
			if !ok {
				seq = mediaSeq + position
			}
			entries = append(entries, Entry{SequenceIndex: seq, DurationSeconds: pendingDur, Filename: line})
			pending = false
			position++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrManifestParse, err)
	}
	if !sawHeader {
		return nil, fmt.Errorf("%w: empty manifest", models.ErrManifestParse)
	}
	if pending {
		return nil, fmt.Errorf("%w: trailing EXTINF without a uri", models.ErrManifestParse)
	}
	return entries, nil
}
