package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// Object naming for a stream published at one bitrate.
//
//	{streamKey}-{kbps}-{seq}.m4s   media fragment
//	{streamKey}-{kbps}-IS.mp4      init segment
//	{streamKey}.m3u8               HLS playlist
//	{streamKey}.mpd                DASH manifest

// MediaKey returns the object key of the fragment for sequence index seq.
func MediaKey(streamKey string, kbps int, seq int64) string {
	return fmt.Sprintf("%s-%d-%d.m4s", streamKey, kbps, seq)
}

// InitKey returns the object key of the stream's init segment.
func InitKey(streamKey string, kbps int) string {
	return fmt.Sprintf("%s-%d-IS.mp4", streamKey, kbps)
}

// PlaylistKey returns the object key of the HLS playlist.
func PlaylistKey(streamKey string) string {
	return streamKey + ".m3u8"
}

// MPDKey returns the object key of the DASH manifest.
func MPDKey(streamKey string) string {
	return streamKey + ".mpd"
}

// MediaTemplate returns the DASH SegmentTemplate media pattern.
func MediaTemplate(streamKey string, kbps int) string {
	return fmt.Sprintf("%s-%d-$Number$.m4s", streamKey, kbps)
}

// ParseMediaKey extracts the sequence index from a fragment key. Stream keys may
// themselves contain dashes, so the sequence and bitrate are taken from the end.
func ParseMediaKey(key string) (seq int64, ok bool) {
	name, found := strings.CutSuffix(key, ".m4s")
	if !found {
		return 0, false
	}
	i := strings.LastIndexByte(name, '-')
	if i <= 0 {
		return 0, false
	}
	seq, err := strconv.ParseInt(name[i+1:], 10, 64)
	if err != nil || seq < 0 {
		return 0, false
	}
	j := strings.LastIndexByte(name[:i], '-')
	if j <= 0 {
		return 0, false
	}
	if _, err := strconv.Atoi(name[j+1 : i]); err != nil {
		return 0, false
	}
	return seq, true
}
