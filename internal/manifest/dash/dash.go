// Package dash converts a parsed DASH MPD into the manifest model. Only
// SegmentTemplate addressing ($Number$ and SegmentTimeline with $Time$ or
// $Number$) is supported.
package dash

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	m "github.com/Eyevinn/dash-mpd/mpd"

	"buffer-orchestrator/internal/manifest"
)

// ErrNoSegmentTemplate is returned for Representations without a SegmentTemplate.
var ErrNoSegmentTemplate = errors.New("dash: no SegmentTemplate")

// Parse reads an MPD document and converts it. baseURL resolves relative
// segment URLs and may be empty.
func Parse(doc, baseURL string) (*manifest.Manifest, error) {
	mpd, err := m.ReadFromString(doc)
	if err != nil {
		return nil, fmt.Errorf("dash: parse mpd: %w", err)
	}
	return FromMPD(mpd, baseURL)
}

// FromMPD converts an already parsed MPD.
func FromMPD(mpd *m.MPD, baseURL string) (*manifest.Manifest, error) {
	var base *url.URL
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("dash: base url: %w", err)
		}
		base = u
	}

	isDynamic := mpd.Type != nil && *mpd.Type == "dynamic"
	total := math.Inf(1)
	if mpd.MediaPresentationDuration != nil {
		total = seconds(*mpd.MediaPresentationDuration)
	}

	periods := make([]*manifest.Period, 0, len(mpd.Periods))
	for i, p := range mpd.Periods {
		start := 0.0
		if p.Start != nil {
			start = seconds(*p.Start)
		} else if i > 0 && len(periods) > 0 && !periods[i-1].IsOpenEnded() {
			start = periods[i-1].End
		}

		duration := math.Inf(1)
		switch {
		case p.Duration != nil:
			duration = seconds(*p.Duration)
		case i+1 < len(mpd.Periods) && mpd.Periods[i+1].Start != nil:
			duration = seconds(*mpd.Periods[i+1].Start) - start
		case !isDynamic && !math.IsInf(total, 1):
			duration = total - start
		}

		id := p.Id
		if id == "" {
			id = "period-" + strconv.Itoa(i)
		}
		period := manifest.NewPeriod(id, start, duration)
		for j, as := range p.AdaptationSets {
			adaptation, err := convertAdaptation(period, as, j, base)
			if err != nil {
				return nil, fmt.Errorf("dash: period %s: %w", id, err)
			}
			if adaptation == nil {
				continue
			}
			period.Adaptations[adaptation.Type] = append(period.Adaptations[adaptation.Type], adaptation)
		}
		periods = append(periods, period)
	}

	return manifest.New(mpd.Id, periods...), nil
}

func convertAdaptation(period *manifest.Period, as *m.AdaptationSetType, idx int, base *url.URL) (*manifest.Adaptation, error) {
	streamType, ok := streamTypeOf(string(as.ContentType), as.MimeType, firstRepresentationMime(as))
	if !ok {
		return nil, nil
	}
	id := strconv.Itoa(idx)
	if as.Id != nil {
		id = strconv.FormatUint(uint64(*as.Id), 10)
	}

	var protections []manifest.ContentProtection
	for _, cp := range as.ContentProtections {
		scheme := string(cp.SchemeIdUri)
		protections = append(protections, manifest.ContentProtection{SchemeIDURI: scheme, SystemID: systemID(scheme)})
	}

	a := &manifest.Adaptation{ID: id, Type: streamType, Language: as.Lang}
	for _, rep := range as.Representations {
		st := rep.SegmentTemplate
		if st == nil {
			st = as.SegmentTemplate
		}
		if st == nil {
			return nil, fmt.Errorf("representation %s: %w", rep.Id, ErrNoSegmentTemplate)
		}
		mimeType := rep.MimeType
		if mimeType == "" {
			mimeType = as.MimeType
		}
		codec := rep.Codecs
		if codec == "" {
			codec = as.Codecs
		}
		r := &manifest.Representation{
			ID:                 rep.Id,
			Bitrate:            int(rep.Bandwidth),
			MimeType:           mimeType,
			Codec:              codec,
			ContentProtections: protections,
		}
		r.Index = buildIndex(period, st, rep, base)
		a.Representations = append(a.Representations, r)
	}
	return a, nil
}

func buildIndex(period *manifest.Period, st *m.SegmentTemplateType, rep *m.RepresentationType, base *url.URL) manifest.SegmentIndex {
	timescale := uint32(1)
	if st.Timescale != nil && *st.Timescale > 0 {
		timescale = *st.Timescale
	}
	startNumber := uint64(1)
	if st.StartNumber != nil {
		startNumber = uint64(*st.StartNumber)
	}
	var pto uint64
	if st.PresentationTimeOffset != nil {
		pto = *st.PresentationTimeOffset
	}
	offset := period.Start - float64(pto)/float64(timescale)

	var init *manifest.Segment
	if st.Initialization != "" {
		init = &manifest.Segment{
			ID:        "init",
			IsInit:    true,
			Duration:  -1,
			Timescale: timescale,
			URL:       resolve(base, expand(st.Initialization, rep, 0, 0)),
		}
	}

	if st.SegmentTimeline != nil {
		var segs []manifest.Segment
		var t uint64
		number := startNumber
		add := func(t, d uint64) {
			start := float64(t)/float64(timescale) + offset
			end := float64(t+d)/float64(timescale) + offset
			if end <= period.Start || start >= period.End {
				number++
				return
			}
			segs = append(segs, manifest.Segment{
				ID:              strconv.FormatUint(t, 10),
				Time:            start,
				End:             end,
				Duration:        end - start,
				Timescale:       timescale,
				Number:          number,
				URL:             resolve(base, expand(st.Media, rep, number, t)),
				TimestampOffset: offset,
			})
			number++
		}
		for _, s := range st.SegmentTimeline.S {
			if s.T != nil {
				t = *s.T
			}
			add(t, s.D)
			t += s.D
			for i := 0; i < s.R; i++ {
				add(t, s.D)
				t += s.D
			}
		}
		return manifest.NewListIndex(init, segs, !period.IsOpenEnded())
	}

	duration := 0.0
	if st.Duration != nil {
		duration = float64(*st.Duration) / float64(timescale)
	}
	media := st.Media
	return &manifest.TemplateIndex{
		Init:            init,
		StartNumber:     startNumber,
		SegmentDuration: duration,
		Timescale:       timescale,
		PeriodStart:     period.Start,
		PeriodEnd:       period.End,
		URL: func(number uint64, rel float64) string {
			return resolve(base, expand(media, rep, number, pto+uint64(math.Round(rel*float64(timescale)))))
		},
	}
}

var identifierRe = regexp.MustCompile(`\$(RepresentationID|Bandwidth|Number|Time)(%0(\d+)d)?\$`)

// expand substitutes the DASH template identifiers of tmpl.
func expand(tmpl string, rep *m.RepresentationType, number, t uint64) string {
	return identifierRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		parts := identifierRe.FindStringSubmatch(match)
		var value string
		switch parts[1] {
		case "RepresentationID":
			return rep.Id
		case "Bandwidth":
			value = strconv.FormatUint(uint64(rep.Bandwidth), 10)
		case "Number":
			value = strconv.FormatUint(number, 10)
		case "Time":
			value = strconv.FormatUint(t, 10)
		}
		if parts[3] != "" {
			width, _ := strconv.Atoi(parts[3])
			if pad := width - len(value); pad > 0 {
				value = strings.Repeat("0", pad) + value
			}
		}
		return value
	})
}

func resolve(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func seconds(d m.Duration) float64 {
	return time.Duration(d).Seconds()
}

func firstRepresentationMime(as *m.AdaptationSetType) string {
	if len(as.Representations) == 0 {
		return ""
	}
	return as.Representations[0].MimeType
}

func streamTypeOf(contentType string, mimeTypes ...string) (manifest.StreamType, bool) {
	switch contentType {
	case "audio":
		return manifest.Audio, true
	case "video":
		return manifest.Video, true
	case "text":
		return manifest.Text, true
	case "image":
		return manifest.Image, true
	}
	for _, mt := range mimeTypes {
		switch {
		case strings.HasPrefix(mt, "audio/"):
			return manifest.Audio, true
		case strings.HasPrefix(mt, "video/"):
			return manifest.Video, true
		case strings.HasPrefix(mt, "text/"), mt == "application/ttml+xml", strings.HasPrefix(mt, "application/mp4"):
			return manifest.Text, true
		case strings.HasPrefix(mt, "image/"):
			return manifest.Image, true
		}
	}
	return "", false
}

// systemID extracts the DRM system id from a "urn:uuid:<id>" scheme.
func systemID(scheme string) string {
	const prefix = "urn:uuid:"
	if len(scheme) > len(prefix) && strings.EqualFold(scheme[:len(prefix)], prefix) {
		return strings.ToLower(scheme[len(prefix):])
	}
	return ""
}
