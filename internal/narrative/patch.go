package narrative

import "fmt"

// CharacterPatch proposes a mutation to a single character. Zero values
// mean "no change" for Transformation (apply takes the max, so 0 never
// regresses an existing value) and IrreversibleLoss (OR'd in, so false
// never clears a prior true).
type CharacterPatch struct {
	Name                string
	TransformationDelta float64
	IrreversibleLoss    bool
	CostIncurred        string
}

// Patch is the tagged-variant, invariant-preserving mutation the Editor
// proposes on ACCEPT. Applying a Patch is total: Apply never produces an
// invalid State, because every field follows one of the merge rules named
// in spec.md §4.4 (additive-merge lists, overwrite scalars, monotonic-max
// transformation, monotonic-OR irreversible_loss) rather than a free-form
// map mutation.
type Patch struct {
	WordsAdded            int
	NewUnresolvedQuestions []string
	ResolvedQuestions      []string
	NewMotifs              []string
	ClosedConditions       []string
	Characters             []CharacterPatch
	EscalationDelta        int // negative to consume budget
}

// Apply mutates s in place according to the merge rules and returns an
// error only if a resolved question or a closed condition names something
// not currently present — the one case Apply cannot make total on its own
// because it would otherwise silently invent state.
func (p Patch) Apply(s *State) error {
	s.Structure.WordsWritten += p.WordsAdded
	s.ActState.ActWordsWritten += p.WordsAdded

	s.UnresolvedQuestions = append(s.UnresolvedQuestions, p.NewUnresolvedQuestions...)
	for _, resolved := range p.ResolvedQuestions {
		idx := indexOf(s.UnresolvedQuestions, resolved)
		if idx < 0 {
			return fmt.Errorf("state patch: resolved question %q not present", resolved)
		}
		s.UnresolvedQuestions = append(s.UnresolvedQuestions[:idx], s.UnresolvedQuestions[idx+1:]...)
	}

	for _, motif := range p.NewMotifs {
		if !contains(s.RepetitionRegistry.Motifs, motif) {
			s.RepetitionRegistry.Motifs = append(s.RepetitionRegistry.Motifs, motif)
		}
	}

	for _, closed := range p.ClosedConditions {
		idx := indexOf(s.ActState.ActCloseConditions, closed)
		if idx < 0 {
			return fmt.Errorf("state patch: close condition %q not present", closed)
		}
		s.ActState.ActCloseConditions = append(s.ActState.ActCloseConditions[:idx], s.ActState.ActCloseConditions[idx+1:]...)
	}

	for _, cp := range p.Characters {
		ch := s.Characters[cp.Name]
		if newTransformation := ch.Transformation + cp.TransformationDelta; newTransformation > ch.Transformation {
			ch.Transformation = clamp01(newTransformation)
		}
		ch.IrreversibleLoss = ch.IrreversibleLoss || cp.IrreversibleLoss
		if cp.CostIncurred != "" {
			ch.CostsIncurred = append(ch.CostsIncurred, cp.CostIncurred)
		}
		s.Characters[cp.Name] = ch
	}

	s.EscalationBudget.Remaining += p.EscalationDelta
	if s.EscalationBudget.Remaining < 0 {
		s.EscalationBudget.Remaining = 0
	}

	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func indexOf(haystack []string, needle string) int {
	for i, v := range haystack {
		if v == needle {
			return i
		}
	}
	return -1
}

func contains(haystack []string, needle string) bool {
	return indexOf(haystack, needle) >= 0
}
