package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vampirenirmal/chronicle/internal/llmclient"
	"github.com/vampirenirmal/chronicle/internal/narrative"
)

// TransformationThreshold and UnresolvedQuestionCeiling are the
// book-close checks of spec.md §4.5: the protagonist must show visible
// change and the book must not end with too many dangling threads.
var (
	TransformationThreshold = 0.7
	UnresolvedQuestionCeiling = 2
)

// Validator runs structural completion checks at act and book close. It
// never mutates NarrativeState; it only reports issues for the
// Orchestrator to log or act on (spec.md §9's non-fatal validator
// loop-back decision).
type Validator struct {
	llm    llmclient.LLMClient
	logger *slog.Logger
}

func NewValidator(llm llmclient.LLMClient, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{llm: llm, logger: logger.With("component", "validator")}
}

// ValidateAct checks that the closing act satisfied its own close
// conditions, consulting the LLM since close-condition satisfaction is
// a semantic judgment over prose, not a field comparison.
func (v *Validator) ValidateAct(ctx context.Context, state *narrative.State, summary string, contextTag string) (ValidationResult, error) {
	system := "You are a structural editor. Judge whether an act's close conditions were satisfied by its events."
	user := fmt.Sprintf("Close conditions: %v\nAct summary: %s\n\nReturn JSON with \"valid\" (bool) and \"issues\" (array of strings, empty if valid).",
		state.ActState.ActCloseConditions, summary)

	var result ValidationResult
	if _, err := v.llm.GenerateJSON(ctx, system, user, &result, contextTag); err != nil {
		v.logger.Error("validate_act failed", "error", err)
		return ValidationResult{}, fmt.Errorf("validate act: %w", err)
	}
	if !result.Valid {
		v.logger.Warn("act validation found issues", "issues", result.Issues)
	}
	return result, nil
}

// ValidateBook runs the book-close checks that are derivable directly
// from NarrativeState, with no LLM call needed: protagonist
// transformation crossing TransformationThreshold, irreversible_loss
// having occurred, and unresolved_questions not exceeding
// UnresolvedQuestionCeiling.
func (v *Validator) ValidateBook(state *narrative.State) ValidationResult {
	var issues []string

	protagonist, ok := state.Characters[state.ProtagonistName]
	if !ok {
		issues = append(issues, fmt.Sprintf("protagonist %q has no character record", state.ProtagonistName))
	} else {
		if protagonist.Transformation < TransformationThreshold {
			issues = append(issues, fmt.Sprintf("protagonist transformation %.2f below threshold %.2f", protagonist.Transformation, TransformationThreshold))
		}
		if !protagonist.IrreversibleLoss {
			issues = append(issues, "protagonist never incurred an irreversible loss")
		}
	}

	if len(state.UnresolvedQuestions) > UnresolvedQuestionCeiling {
		issues = append(issues, fmt.Sprintf("%d unresolved questions remain, ceiling is %d", len(state.UnresolvedQuestions), UnresolvedQuestionCeiling))
	}

	result := ValidationResult{Valid: len(issues) == 0, Issues: issues}
	if !result.Valid {
		v.logger.Warn("book validation found issues", "issues", issues)
	}
	return result
}
