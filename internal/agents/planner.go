package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vampirenirmal/chronicle/internal/llmclient"
	"github.com/vampirenirmal/chronicle/internal/narrative"
)

// MinSceneWords and MaxSceneWords bound the Planner's scene brief target
// (spec.md §4.2): "capped at a max scene size (e.g. 1,200 words) and a
// min (e.g. 400 words)".
var (
	MinSceneWords = 400
	MaxSceneWords = 1200
)

// Planner derives the initial NarrativeState, act outlines, and
// per-scene briefs. It holds nothing but an LLM client — every call
// takes the state it needs and returns a value, never mutating a field
// on the Planner itself.
type Planner struct {
	llm    llmclient.LLMClient
	logger *slog.Logger
}

func NewPlanner(llm llmclient.LLMClient, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{llm: llm, logger: logger.With("component", "planner")}
}

type initialStateResponse struct {
	ThemeThesis     string `json:"theme_thesis"`
	ProtagonistName string `json:"protagonist_name"`
}

// DeriveInitialState asks the LLM to extract a theme thesis and
// protagonist name, then fills in the deterministic structural fields
// per spec.md §4.2.
func (p *Planner) DeriveInitialState(ctx context.Context, prompt, genre string, targetWords int) (*narrative.State, error) {
	state := narrative.New(prompt, genre, targetWords)

	system := "You are a novel planning assistant. Extract the central theme and protagonist from a story prompt."
	user := fmt.Sprintf("Prompt: %s\nGenre: %s\nTarget length: %d words\n\nReturn JSON with \"theme_thesis\" (one sentence) and \"protagonist_name\".", prompt, genre, targetWords)

	var resp initialStateResponse
	if _, err := p.llm.GenerateJSON(ctx, system, user, &resp, "derive_initial_state"); err != nil {
		p.logger.Error("derive_initial_state failed", "error", err)
		return nil, fmt.Errorf("derive initial state: %w", err)
	}

	state.ThemeThesis = resp.ThemeThesis
	state.ProtagonistName = resp.ProtagonistName
	state.Characters[resp.ProtagonistName] = narrative.Character{Transformation: 0, IrreversibleLoss: false}

	p.logger.Info("derived initial state", "acts_total", state.Structure.ActsTotal, "protagonist", state.ProtagonistName)
	return state, nil
}

// GenerateActOutlines produces one outline per act (spec.md §4.2). On
// LLM error the orchestrator aborts the job: no partial outline set is
// usable.
func (p *Planner) GenerateActOutlines(ctx context.Context, state *narrative.State) ([]ActOutline, error) {
	system := "You are a novel structure assistant. Produce act outlines with explicit goal, key beats, and close condition sections."
	user := fmt.Sprintf("Theme: %s\nGenre: %s\nActs: %d\nTarget length: %d words\n\nReturn a JSON array of %d objects, each with \"goal\", \"key_beats\" (array), \"close_conditions\" (array), and \"words_target\" (int, summing to roughly the target length).",
		state.ThemeThesis, state.Genre, state.Structure.ActsTotal, state.TargetLengthWords, state.Structure.ActsTotal)

	var outlines []ActOutline
	if _, err := p.llm.GenerateJSON(ctx, system, user, &outlines, "generate_act_outlines"); err != nil {
		p.logger.Error("generate_act_outlines failed", "error", err)
		return nil, fmt.Errorf("generate act outlines: %w", err)
	}
	if len(outlines) != state.Structure.ActsTotal {
		return nil, fmt.Errorf("generate act outlines: expected %d outlines, got %d", state.Structure.ActsTotal, len(outlines))
	}
	return outlines, nil
}

// GenerateSceneBrief consults the repetition registry to forbid repeated
// narrative functions/new-information, and derives a word-count target
// bounded by [MinSceneWords, MaxSceneWords] and by the act's remaining
// budget.
func (p *Planner) GenerateSceneBrief(ctx context.Context, state *narrative.State, outline ActOutline) (SceneBrief, error) {
	remaining := outline.WordsTarget - state.ActState.ActWordsWritten
	target := remaining
	if target > MaxSceneWords {
		target = MaxSceneWords
	}
	if target < MinSceneWords {
		target = MinSceneWords
	}

	forbidden := forbiddenRepetitions(state)

	system := "You are a scene planning assistant. Plan exactly one scene that advances the act's goal without repeating prior material."
	user := fmt.Sprintf("Act goal: %s\nUnresolved questions: %v\nForbidden repetitions: %v\nWord target: %d\n\nReturn JSON with \"goal\", \"pov\", \"setting\", \"obligatory_beats\" (array), and \"forbidden_repetitions\" (array, echo the ones given).",
		state.ActState.ActGoal, state.UnresolvedQuestions, forbidden, target)

	var brief SceneBrief
	if _, err := p.llm.GenerateJSON(ctx, system, user, &brief, "generate_scene_brief"); err != nil {
		p.logger.Error("generate_scene_brief failed", "error", err)
		return SceneBrief{}, fmt.Errorf("generate scene brief: %w", err)
	}
	brief.WordCountTarget = target
	return brief, nil
}

// DeriveTitleAndBlurb generates the closing title and jacket-copy
// blurb for the assembled manuscript (spec.md §4.6 Assemble phase).
// target must be a pointer to a struct with "title"/"blurb" JSON tags;
// the Orchestrator owns that shape since it is purely presentational.
func (p *Planner) DeriveTitleAndBlurb(ctx context.Context, state *narrative.State, target any) (llmclient.Usage, error) {
	system := "You are a jacket-copy writer. Produce a compelling title and a two-sentence blurb for a finished novel."
	user := fmt.Sprintf("Theme: %s\nProtagonist: %s\nGenre: %s\n\nReturn JSON with \"title\" and \"blurb\".", state.ThemeThesis, state.ProtagonistName, state.Genre)
	return p.llm.GenerateJSON(ctx, system, user, target, "derive_title_and_blurb")
}

func forbiddenRepetitions(state *narrative.State) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, fp := range state.RepetitionRegistry.RecentFingerprints {
		if fp.NarrativeFunction == "" {
			continue
		}
		if _, ok := seen[fp.NarrativeFunction]; ok {
			continue
		}
		seen[fp.NarrativeFunction] = struct{}{}
		out = append(out, fmt.Sprintf("%s: %s", fp.NarrativeFunction, fp.NewInformation))
	}
	return out
}
