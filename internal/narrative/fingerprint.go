package narrative

import "strings"

// RepetitionSimilarityThreshold is the single named constant spec.md §3
// requires: two fingerprints sharing NarrativeFunction are a repetition
// if their NewInformation overlaps at or above this normalized token
// Jaccard score. Overridable via REPETITION_SIMILARITY_THRESHOLD.
var RepetitionSimilarityThreshold = 0.7

// SceneFingerprint is a compact descriptor of an accepted scene used for
// repetition detection against the registry's window.
type SceneFingerprint struct {
	SceneID             string `json:"scene_id"`
	NarrativeFunction   string `json:"narrative_function"`
	NewInformation       string `json:"new_information"`
	POV                  string `json:"pov"`
	LocationTag          string `json:"location_tag"`
	BeatShapeSignature   string `json:"beat_shape_signature"`
}

// tokenSet lowercases and splits on whitespace/punctuation into a set of
// distinct tokens, for a cheap, dependency-free similarity metric.
func tokenSet(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f != "" {
			set[f] = struct{}{}
		}
	}
	return set
}

// jaccard computes the normalized token Jaccard similarity of a and b.
func jaccard(a, b string) float64 {
	setA, setB := tokenSet(a), tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// IsRepetitionOf reports whether fp is a repetition of candidate per
// spec.md §3: same narrative function AND new-information overlap at or
// above RepetitionSimilarityThreshold.
func (fp SceneFingerprint) IsRepetitionOf(candidate SceneFingerprint) bool {
	if fp.NarrativeFunction == "" || fp.NarrativeFunction != candidate.NarrativeFunction {
		return false
	}
	return jaccard(fp.NewInformation, candidate.NewInformation) >= RepetitionSimilarityThreshold
}

// FindRepetition scans the registry's window for the first fingerprint
// that fp repeats, skipping any repeated element that is a permitted
// recurring motif (named in motifs).
func FindRepetition(fp SceneFingerprint, window []SceneFingerprint, motifs []string) (SceneFingerprint, bool) {
	if isMotif(fp.NarrativeFunction, motifs) {
		return SceneFingerprint{}, false
	}
	for _, existing := range window {
		if fp.IsRepetitionOf(existing) {
			return existing, true
		}
	}
	return SceneFingerprint{}, false
}

func isMotif(function string, motifs []string) bool {
	for _, m := range motifs {
		if m == function {
			return true
		}
	}
	return false
}
