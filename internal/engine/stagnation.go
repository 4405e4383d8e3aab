package engine

import (
	"strings"
	"unicode"

	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/session"
)

// Similarity metric: Jaccard over the token sets of the normalized code
// fingerprints. Fingerprints are split on any non-alphanumeric rune and
// the resulting token sets compared as |intersection| / |union|, so the
// score is bounded to [0,1]. Two empty fingerprints count as identical
// (1.0); one empty against one non-empty counts as disjoint (0.0).

// Recommendation catalogue, keyed by the observed pattern.
const (
	recIdentical = "The recent submissions are byte-for-byte identical after normalization. Stop iterating; either accept the current state or take a fundamentally different approach."

	recNearIdentical = "The recent submissions differ only cosmetically. Further loops are unlikely to help; address the reviewer's remaining findings directly or stop."

	recOscillating = "The code barely changes while scores oscillate. The loop is cycling between variants; pick the strongest iteration and stop."

	recDeclining = "The code barely changes while scores decline. Revert to the best-scoring iteration instead of continuing."

	recPlateau = "The code and scores have both plateaued. The loop has converged; accept the result or restate the task."
)

// StagnationAnalysis is the detector's verdict for one call.
type StagnationAnalysis struct {
	// Analyzed is false when the loop is too young or the window has
	// fewer than two iterations; the other fields are then meaningless.
	Analyzed bool
	// Stagnant reports whether the window crossed a similarity threshold.
	Stagnant bool
	// Similarity is the mean pairwise similarity over the window.
	Similarity float64
	// Recommendation tells the caller how to break out. Set only when
	// Stagnant.
	Recommendation string
}

// Detector flags sessions whose recent submissions have stopped changing.
type Detector struct {
	startLoop          int
	window             int
	threshold          float64
	identicalThreshold float64
}

// NewDetector builds a Detector. startLoop is the first loop at which
// analysis runs (default 10), threshold the mean-similarity trigger
// (default 0.95). The window is 3 iterations and the identical-pair
// trigger 0.99.
func NewDetector(startLoop int, threshold float64) *Detector {
	if startLoop <= 0 {
		startLoop = 10
	}
	if threshold <= 0 || threshold > 1 {
		threshold = 0.95
	}
	return &Detector{
		startLoop:          startLoop,
		window:             3,
		threshold:          threshold,
		identicalThreshold: 0.99,
	}
}

// Analyze inspects the last window iterations. Stagnation is declared
// when the mean pairwise similarity reaches the threshold or any single
// pair reaches the identical threshold.
func (d *Detector) Analyze(iterations []session.Iteration, currentLoop int) StagnationAnalysis {
	if currentLoop < d.startLoop {
		return StagnationAnalysis{}
	}
	start := len(iterations) - d.window
	if start < 0 {
		start = 0
	}
	window := iterations[start:]
	if len(window) < 2 {
		return StagnationAnalysis{}
	}

	sets := make([]map[string]bool, len(window))
	for i, it := range window {
		sets[i] = tokenSet(it.CodeFingerprint)
	}

	var sum, maxPair float64
	pairs := 0
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			s := jaccard(sets[i], sets[j])
			sum += s
			if s > maxPair {
				maxPair = s
			}
			pairs++
		}
	}
	mean := sum / float64(pairs)

	a := StagnationAnalysis{Analyzed: true, Similarity: mean}
	if mean >= d.threshold || maxPair >= d.identicalThreshold {
		a.Stagnant = true
		a.Recommendation = recommend(window, mean, maxPair, d.identicalThreshold)
	}
	return a
}

// recommend picks the catalogue entry matching the observed pattern. The
// code is known to be (near-)static here; the score trajectory decides
// which advice applies.
func recommend(window []session.Iteration, mean, maxPair, identicalThreshold float64) string {
	scores := make([]int, len(window))
	for i, it := range window {
		scores[i] = it.Review.Overall
	}

	flat := true
	declining := true
	direction := 0
	oscillating := false
	for i := 1; i < len(scores); i++ {
		delta := scores[i] - scores[i-1]
		if delta != 0 {
			flat = false
		}
		if delta >= 0 {
			declining = false
		}
		if delta != 0 {
			d := 1
			if delta < 0 {
				d = -1
			}
			if direction != 0 && d != direction {
				oscillating = true
			}
			direction = d
		}
	}

	switch {
	case oscillating:
		return recOscillating
	case declining:
		return recDeclining
	case flat && mean >= identicalThreshold:
		return recIdentical
	case flat:
		return recPlateau
	default:
		return recNearIdentical
	}
}

// tokenSet splits a normalized fingerprint into its token set.
func tokenSet(fingerprint string) map[string]bool {
	tokens := strings.FieldsFunc(fingerprint, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

// jaccard is |intersection| / |union|, with two empty sets counted as
// identical.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for t := range a {
		if b[t] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
