package narrative

import "fmt"

// InvariantViolationError reports which invariant broke and why. The
// Orchestrator runs CheckInvariants after applying each accepted or
// merged scene and fails the job with the wrapped error; the Editor
// checks character monotonicity on a clone before ACCEPT and answers a
// violation there with REGENERATE.
type InvariantViolationError struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant %s violated: %s", e.Invariant, e.Detail)
}

// CheckInvariants verifies every always-true property named in spec.md
// §3 against the current state. It is called by the Orchestrator after
// every applied patch, never by Patch.Apply itself, so a violation can be
// reported against the specific scene attempt that caused it.
func CheckInvariants(s *State) error {
	sum := s.ActState.ActWordsWritten
	for _, words := range s.ActWordsHistory {
		sum += words
	}
	if sum != s.Structure.WordsWritten {
		return &InvariantViolationError{"words_written_sum", fmt.Sprintf("structure.words_written=%d but act sum=%d", s.Structure.WordsWritten, sum)}
	}

	if len(s.RepetitionRegistry.RecentFingerprints) > WindowSize {
		return &InvariantViolationError{"fingerprint_window", fmt.Sprintf("window holds %d, limit %d", len(s.RepetitionRegistry.RecentFingerprints), WindowSize)}
	}

	if s.EscalationBudget.Remaining < 0 {
		return &InvariantViolationError{"escalation_budget", "remaining is negative"}
	}

	return nil
}

// CheckWordTolerance reports whether the act has overshot its target by
// more than tolerance (e.g. 0.15 for 15%).
func CheckWordTolerance(s *State, tolerance float64) error {
	limit := float64(s.ActState.ActWordsTarget) * (1 + tolerance)
	if float64(s.ActState.ActWordsWritten) > limit {
		return &InvariantViolationError{"act_words_tolerance", fmt.Sprintf("%d exceeds %.0f (target %d + %.0f%% tolerance)", s.ActState.ActWordsWritten, limit, s.ActState.ActWordsTarget, tolerance*100)}
	}
	return nil
}

// CheckCharacterMonotonicity compares before and after snapshots of a
// character and reports a violation if transformation decreased or
// irreversible_loss was cleared.
func CheckCharacterMonotonicity(name string, before, after Character) error {
	if after.Transformation < before.Transformation {
		return &InvariantViolationError{"transformation_monotonic", fmt.Sprintf("%s: %.3f -> %.3f", name, before.Transformation, after.Transformation)}
	}
	if before.IrreversibleLoss && !after.IrreversibleLoss {
		return &InvariantViolationError{"irreversible_loss_monotonic", fmt.Sprintf("%s: true -> false", name)}
	}
	return nil
}
