package playlist

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jmylchreest/shipper/internal/storage"
)

// mpdEpoch anchors the timeline so that $Number$ equals the chunk sequence index.
var mpdEpoch = time.Unix(0, 0).UTC()

// RenderDASH renders a dynamic MPD for the retained entries. bandwidth is in bits per second.
func (m *Manager) RenderDASH(now time.Time, bandwidth int) string {
	entries := m.Entries()
	timescale := int64(m.cfg.SampleRate)
	if timescale <= 0 {
		timescale = 48000
	}
	channels := max(m.cfg.Channels, 1)
	chunk := max(m.cfg.ChunkSeconds, 1)
	target := m.targetDuration(entries)
	depth := max(len(entries)*target, 3*target)

	var startNumber int64
	if len(entries) > 0 {
		startNumber = entries[0].SequenceIndex
	}

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	fmt.Fprintf(&b, `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="dynamic" `+
		`profiles="urn:mpeg:dash:profile:isoff-live:2011" `+
		`availabilityStartTime="%s" publishTime="%s" `+
		`minimumUpdatePeriod="PT%dS" minBufferTime="PT%dS" `+
		`suggestedPresentationDelay="PT%dS" timeShiftBufferDepth="PT%dS">`+"\n",
		mpdEpoch.Format(time.RFC3339),
		now.UTC().Format(time.RFC3339),
		chunk, 2*chunk, 3*chunk, depth,
	)
	b.WriteString(`  <Period id="0" start="PT0S">` + "\n")
	fmt.Fprintf(&b, `    <AdaptationSet id="0" contentType="audio" mimeType="audio/mp4" codecs="mp4a.40.2" `+
		`lang="und" segmentAlignment="true" startWithSAP="1">`+"\n")
	fmt.Fprintf(&b, `      <AudioChannelConfiguration schemeIdUri="urn:mpeg:dash:23003:3:audio_channel_configuration:2011" value="%d"/>`+"\n", channels)
	fmt.Fprintf(&b, `      <SegmentTemplate timescale="%d" startNumber="%d" initialization="%s" media="%s">`+"\n",
		timescale, startNumber,
		storage.InitKey(m.cfg.StreamKey, m.cfg.Kbps),
		storage.MediaTemplate(m.cfg.StreamKey, m.cfg.Kbps),
	)
	writeTimeline(&b, entries, timescale, chunk)
	b.WriteString(`      </SegmentTemplate>` + "\n")
	fmt.Fprintf(&b, `      <Representation id="audio" bandwidth="%d" audioSamplingRate="%d"/>`+"\n", bandwidth, timescale)
	b.WriteString(`    </AdaptationSet>` + "\n")
	b.WriteString(`  </Period>` + "\n")
	fmt.Fprintf(&b, `  <UTCTiming schemeIdUri="urn:mpeg:dash:utc:direct:2014" value="%s"/>`+"\n",
		now.UTC().Format("2006-01-02T15:04:05.000Z"))
	b.WriteString(`</MPD>` + "\n")
	return b.String()
}

// writeTimeline emits one S element per run of equal durations.
func writeTimeline(b *strings.Builder, entries []Entry, timescale, chunkSeconds int64) {
	b.WriteString(`        <SegmentTimeline>` + "\n")
	for i := 0; i < len(entries); {
		d := int64(math.Round(entries[i].DurationSeconds * float64(timescale)))
		j := i + 1
		for j < len(entries) && int64(math.Round(entries[j].DurationSeconds*float64(timescale))) == d {
			j++
		}
		switch {
		case i == 0 && j-i > 1:
			fmt.Fprintf(b, `          <S t="%d" d="%d" r="%d"/>`+"\n", entries[0].SequenceIndex*chunkSeconds*timescale, d, j-i-1)
		case i == 0:
			fmt.Fprintf(b, `          <S t="%d" d="%d"/>`+"\n", entries[0].SequenceIndex*chunkSeconds*timescale, d)
		case j-i > 1:
			fmt.Fprintf(b, `          <S d="%d" r="%d"/>`+"\n", d, j-i-1)
		default:
			fmt.Fprintf(b, `          <S d="%d"/>`+"\n", d)
		}
		i = j
	}
	b.WriteString(`        </SegmentTimeline>` + "\n")
}
