package session

import "buffer-orchestrator/internal/manifest"

// PreferLanguage chooses the first Adaptation in lang, falling back to the
// first Adaptation of the Period. An empty lang always takes the first one.
func PreferLanguage(lang string) func(*manifest.Period, manifest.StreamType) *manifest.Adaptation {
	return func(p *manifest.Period, typ manifest.StreamType) *manifest.Adaptation {
		candidates := p.Adaptations[typ]
		if len(candidates) == 0 {
			return nil
		}
		if lang != "" {
			for _, a := range candidates {
				if a.Language == lang {
					return a
				}
			}
		}
		return candidates[0]
	}
}
