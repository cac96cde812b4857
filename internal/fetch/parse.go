package fetch

import (
	"bytes"
	"errors"
	"fmt"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/google/uuid"
)

// ErrNoTracks is returned for an initialization segment without track.
var ErrNoTracks = errors.New("fetch: init segment has no track")

// InitInfo is what the buffers need from an initialization segment.
type InitInfo struct {
	Timescale   uint32
	Codec       string
	Protections []Protection
}

// MediaInfo is what the buffers need from a media segment. Start and
// Duration are in seconds of media time.
type MediaInfo struct {
	Start       float64
	Duration    float64
	Protections []Protection
}

// ParseInit reads the first track of an fMP4 initialization segment. Codecs
// the fmp4 reader does not know (ec-3, encrypted sample entries, ...) are
// read from the raw box structure instead.
func ParseInit(data []byte) (InitInfo, error) {
	var info InitInfo
	var init fmp4.Init
	err := init.Unmarshal(bytes.NewReader(data))
	if err == nil && len(init.Tracks) > 0 {
		info.Timescale = init.Tracks[0].TimeScale
		info.Codec = codecName(init.Tracks[0].Codec)
	}
	if info.Codec == "" {
		timescale, entry, perr := readSampleEntry(data)
		switch {
		case perr == nil && timescale > 0:
			info.Timescale, info.Codec = timescale, entry
		case err != nil:
			return InitInfo{}, fmt.Errorf("parse init segment: %w", err)
		case info.Timescale == 0:
			return InitInfo{}, ErrNoTracks
		}
	}

	protections, err := extractProtections(data, gomp4.BoxTypeMoov())
	if err != nil {
		return InitInfo{}, err
	}
	info.Protections = protections
	return info, nil
}

var sampleEntryPath = gomp4.BoxPath{
	gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak(), gomp4.BoxTypeMdia(),
	gomp4.BoxTypeMinf(), gomp4.BoxTypeStbl(), gomp4.BoxTypeStsd(),
}

// readSampleEntry returns the media timescale and the sample entry type of
// the first track.
func readSampleEntry(data []byte) (timescale uint32, entry string, err error) {
	_, err = gomp4.ReadBoxStructure(bytes.NewReader(data), func(h *gomp4.ReadHandle) (interface{}, error) {
		depth := len(h.Path) - 1
		typ := h.BoxInfo.Type
		switch {
		case depth == 3 && typ == gomp4.BoxTypeMdhd() && timescale == 0:
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			if mdhd, ok := box.(*gomp4.Mdhd); ok {
				timescale = mdhd.Timescale
			}
			return nil, nil
		case depth < len(sampleEntryPath):
			if typ != sampleEntryPath[depth] || entry != "" {
				return nil, nil
			}
			return h.Expand()
		case depth == len(sampleEntryPath) && entry == "":
			entry = typ.String()
		}
		return nil, nil
	})
	if err != nil {
		return 0, "", fmt.Errorf("read sample entry: %w", err)
	}
	return timescale, entry, nil
}

// ParseMedia reads the timing of the first track of an fMP4 media segment.
// timescale comes from the initialization segment.
func ParseMedia(data []byte, timescale uint32) (MediaInfo, error) {
	if timescale == 0 {
		return MediaInfo{}, errors.New("parse media segment: unknown timescale")
	}
	var parts fmp4.Parts
	if err := parts.Unmarshal(data); err != nil {
		return MediaInfo{}, fmt.Errorf("parse media segment: %w", err)
	}

	var (
		found      bool
		base, last uint64
	)
	for _, part := range parts {
		if len(part.Tracks) == 0 {
			continue
		}
		track := part.Tracks[0]
		end := track.BaseTime
		for _, s := range track.Samples {
			end += uint64(s.Duration)
		}
		if !found || track.BaseTime < base {
			base = track.BaseTime
		}
		if end > last {
			last = end
		}
		found = true
	}
	if !found {
		return MediaInfo{}, errors.New("parse media segment: no track fragment")
	}

	protections, err := extractProtections(data, gomp4.BoxTypeMoof())
	if err != nil {
		return MediaInfo{}, err
	}
	ts := float64(timescale)
	return MediaInfo{
		Start:       float64(base) / ts,
		Duration:    float64(last-base) / ts,
		Protections: protections,
	}, nil
}

// extractProtections returns the pssh boxes found under parent.
func extractProtections(data []byte, parent gomp4.BoxType) ([]Protection, error) {
	boxes, err := gomp4.ExtractBoxWithPayload(bytes.NewReader(data), nil, gomp4.BoxPath{parent, gomp4.BoxTypePssh()})
	if err != nil {
		return nil, fmt.Errorf("extract pssh: %w", err)
	}
	var out []Protection
	for _, b := range boxes {
		pssh, ok := b.Payload.(*gomp4.Pssh)
		if !ok {
			continue
		}
		start, end := b.Info.Offset, b.Info.Offset+b.Info.Size
		if end > uint64(len(data)) {
			continue
		}
		out = append(out, Protection{
			SystemID: uuid.UUID(pssh.SystemID).String(),
			Data:     append([]byte(nil), data[start:end]...),
		})
	}
	return out, nil
}

func codecName(c mp4.Codec) string {
	switch c.(type) {
	case *mp4.CodecH264:
		return "avc1"
	case *mp4.CodecH265:
		return "hvc1"
	case *mp4.CodecAV1:
		return "av01"
	case *mp4.CodecVP9:
		return "vp09"
	case *mp4.CodecMPEG4Audio:
		return "mp4a"
	case *mp4.CodecOpus:
		return "opus"
	case *mp4.CodecAC3:
		return "ac-3"
	default:
		return ""
	}
}
