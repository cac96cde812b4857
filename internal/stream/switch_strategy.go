package stream

import (
	"math"
	"strings"

	"buffer-orchestrator/internal/inventory"
	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/ranges"
	"buffer-orchestrator/internal/sink"
)

type switchKind int

const (
	switchContinue switchKind = iota
	switchCleanBuffer
	switchNeedsReload
)

func (k switchKind) String() string {
	switch k {
	case switchCleanBuffer:
		return "clean-buffer"
	case switchNeedsReload:
		return "needs-reload"
	default:
		return "continue"
	}
}

// switchStrategy tells how to deal with the data a previous Adaptation of
// the same Period left in the sink.
type switchStrategy struct {
	kind   switchKind
	ranges ranges.Ranges
}

func adaptationSwitchStrategy(buf *sink.Buffer, period *manifest.Period, adaptation *manifest.Adaptation, position float64, opts *Options) switchStrategy {
	buffered := buf.BufferedRanges()
	if len(buffered) == 0 {
		return switchStrategy{kind: switchContinue}
	}
	periodRange := ranges.Ranges{{Start: period.Start, End: period.End}}
	inPeriod := buffered.Intersect(periodRange)
	if len(inPeriod) == 0 {
		return switchStrategy{kind: switchContinue}
	}

	buf.SynchronizeInventory()
	others := false
	for _, c := range buf.Inventory() {
		if c.Period != nil && c.Period.ID == period.ID && c.Adaptation != nil && c.Adaptation.ID != adaptation.ID {
			others = true
			break
		}
	}
	if !others {
		return switchStrategy{kind: switchContinue}
	}

	own := buf.InventoryRanges(func(c inventory.Chunk) bool {
		return c.Period != nil && c.Period.ID == period.ID && c.Adaptation != nil && c.Adaptation.ID == adaptation.ID
	})
	fromOthers := inPeriod.Exclude(own)
	if len(fromOthers) == 0 {
		return switchStrategy{kind: switchContinue}
	}

	playing := period.Contains(position)
	reloadMode := adaptation.Type == manifest.Video ||
		(adaptation.Type == manifest.Audio && opts.AudioTrackSwitchingMode == SwitchDirect)
	if reloadMode && playing &&
		(buffered.Contains(position) || !hasCompatibleCodec(adaptation, buf.Codec())) &&
		!own.Contains(position) {
		return switchStrategy{kind: switchNeedsReload}
	}
	if buf.Native() && playing && protectionChanges(buf, period, adaptation, position) {
		return switchStrategy{kind: switchNeedsReload}
	}

	var exclude ranges.Ranges
	if p, ok := opts.AdaptationSwitchPaddings[adaptation.Type]; ok && playing && (p.Before > 0 || p.After > 0) {
		exclude = ranges.Ranges{{Start: math.Max(position-p.Before, period.Start), End: math.Min(position+p.After, period.End)}}
	}
	toClean := fromOthers.Exclude(exclude)
	if len(toClean) == 0 {
		return switchStrategy{kind: switchContinue}
	}
	return switchStrategy{kind: switchCleanBuffer, ranges: toClean}
}

// protectionChanges reports whether the chunk played at position and the new
// Adaptation disagree on being encrypted.
func protectionChanges(buf *sink.Buffer, period *manifest.Period, adaptation *manifest.Adaptation, position float64) bool {
	for _, c := range buf.Inventory() {
		if c.Period == nil || c.Period.ID != period.ID || c.Adaptation == nil || c.Adaptation.ID == adaptation.ID {
			continue
		}
		if position >= c.Start && position < c.End {
			return c.Adaptation.IsEncrypted() != adaptation.IsEncrypted()
		}
	}
	return false
}

func hasCompatibleCodec(adaptation *manifest.Adaptation, sinkCodec string) bool {
	for _, rep := range adaptation.PlayableRepresentations() {
		if codecsCompatible(rep.MimeTypeString(), sinkCodec) {
			return true
		}
	}
	return false
}

// codecsCompatible compares two mime types with their codec family, so
// "avc1.64001f" and "avc1.4d401e" are compatible while "avc1" and "hvc1"
// are not.
func codecsCompatible(a, b string) bool {
	mimeA, codecA := splitMimeType(a)
	mimeB, codecB := splitMimeType(b)
	if mimeA != mimeB {
		return false
	}
	return codecFamily(codecA) == codecFamily(codecB)
}

func splitMimeType(s string) (mime, codec string) {
	mime, params, _ := strings.Cut(s, ";")
	for _, param := range strings.Split(params, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && strings.EqualFold(key, "codecs") {
			codec = strings.Trim(value, `"'`)
		}
	}
	return strings.ToLower(strings.TrimSpace(mime)), codec
}

func codecFamily(codec string) string {
	family, _, _ := strings.Cut(codec, ".")
	return strings.ToLower(family)
}
