package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vampirenirmal/chronicle/internal/llmclient"
	"github.com/vampirenirmal/chronicle/internal/narrative"
)

// SmallSceneWordCeiling distinguishes a "small" scene from a "large" one
// for the structural-fit MERGE/REGENERATE branch (spec.md §4.4 step 3):
// small scenes that advance nothing are merged into the prior one,
// large scenes that advance nothing are regenerated instead.
var SmallSceneWordCeiling = 500

// fingerprintResponse and structuralResponse are the two LLM calls the
// Editor makes per evaluation: one to derive a tentative fingerprint,
// one to judge structural fit and surface an edited (polished) text.
type fingerprintResponse struct {
	NarrativeFunction  string `json:"narrative_function"`
	NewInformation     string `json:"new_information"`
	LocationTag        string `json:"location_tag"`
	BeatShapeSignature string `json:"beat_shape_signature"`
}

type structuralResponse struct {
	AdvancesCloseCondition string   `json:"advances_close_condition"`
	IntroducesQuestion     string   `json:"introduces_question"`
	ResolvesQuestion       string   `json:"resolves_question"`
	ConsumesEscalation     bool     `json:"consumes_escalation"`
	EditedText             string   `json:"edited_text"`
	NewMotifs              []string `json:"new_motifs"`
}

// Editor evaluates a raw scene against the narrative state and produces
// a terminal decision, implementing the decision algorithm of spec.md
// §4.4 in order, with the documented tie-breaks: REGENERATE dominates
// REWRITE, DROP dominates MERGE, ACCEPT only if nothing else blocked.
type Editor struct {
	llm    llmclient.LLMClient
	logger *slog.Logger
}

func NewEditor(llm llmclient.LLMClient, logger *slog.Logger) *Editor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Editor{llm: llm, logger: logger.With("component", "editor")}
}

// EvaluateScene runs the full decision tree against one raw scene.
func (e *Editor) EvaluateScene(ctx context.Context, raw RawScene, sceneID string, state *narrative.State, contextTag string) (EditorEvaluation, error) {
	fp, err := e.deriveFingerprint(ctx, raw, sceneID, contextTag)
	if err != nil {
		return EditorEvaluation{}, fmt.Errorf("derive fingerprint: %w", err)
	}

	// Step 2: a scene the model couldn't assign any narrative function to
	// does nothing worth keeping, repeated or not.
	if fp.NarrativeFunction == "" {
		return NewTerminalEvaluation(Drop), nil
	}
	if repeated, isRepeat := narrative.FindRepetition(fp, state.RepetitionRegistry.RecentFingerprints, state.RepetitionRegistry.Motifs); isRepeat {
		e.logger.Info("repetition detected", "scene_id", sceneID, "repeats", repeated.SceneID)
		return NewInstructionEvaluation(Rewrite, fmt.Sprintf("this scene duplicates an earlier scene's %q function with overlapping information; introduce a genuinely new beat", fp.NarrativeFunction)), nil
	}

	structural, err := e.evaluateStructure(ctx, raw, state, contextTag)
	if err != nil {
		return EditorEvaluation{}, fmt.Errorf("evaluate structure: %w", err)
	}

	advancesSomething := structural.AdvancesCloseCondition != "" || structural.IntroducesQuestion != "" || structural.ResolvesQuestion != ""

	// Step 3: structural fit. REGENERATE dominates the small-scene MERGE
	// branch, so check the "large" case first.
	if !advancesSomething {
		if raw.WordCount > SmallSceneWordCeiling {
			return NewInstructionEvaluation(Regenerate, "scene advances no act close condition and introduces or resolves no open question; this is too substantial a scene to merge, rewrite it with real stakes"), nil
		}
		return NewTerminalEvaluation(Merge), nil
	}

	// Step 4: character invariants. A proposed patch that would violate
	// monotonicity forces REGENERATE even though the scene passed the
	// structural check — REGENERATE dominates REWRITE per the tie-break rule.
	patch := buildPatch(raw, structural)
	if violation := e.checkCharacterMonotonicity(state, patch); violation != "" {
		return NewInstructionEvaluation(Regenerate, violation), nil
	}

	// Step 5: escalation budget.
	if structural.ConsumesEscalation && state.EscalationBudget.Remaining == 0 {
		return NewInstructionEvaluation(Rewrite, "scene escalates stakes but the escalation budget is exhausted; de-escalate or substitute a different complication"), nil
	}
	if structural.ConsumesEscalation {
		patch.EscalationDelta = -1
	}

	// Step 6: ACCEPT.
	fp.SceneID = sceneID
	return NewAcceptEvaluation(structural.EditedText, fp, patch), nil
}

func (e *Editor) deriveFingerprint(ctx context.Context, raw RawScene, sceneID, contextTag string) (narrative.SceneFingerprint, error) {
	system := "You are a continuity editor. Produce a compact structural fingerprint of a scene's narrative function and new information."
	user := fmt.Sprintf("POV: %s\nScene text:\n%s\n\nReturn JSON with \"narrative_function\" (short label, e.g. \"reveal\", \"setup\", \"confrontation\"), \"new_information\" (one sentence describing what is newly true), \"location_tag\", and \"beat_shape_signature\".", raw.POV, raw.Content)

	var resp fingerprintResponse
	if _, err := e.llm.GenerateJSON(ctx, system, user, &resp, contextTag+"_fingerprint"); err != nil {
		return narrative.SceneFingerprint{}, err
	}

	return narrative.SceneFingerprint{
		SceneID:            sceneID,
		NarrativeFunction:  resp.NarrativeFunction,
		NewInformation:     resp.NewInformation,
		POV:                raw.POV,
		LocationTag:        resp.LocationTag,
		BeatShapeSignature: resp.BeatShapeSignature,
	}, nil
}

func (e *Editor) evaluateStructure(ctx context.Context, raw RawScene, state *narrative.State, contextTag string) (structuralResponse, error) {
	system := "You are a continuity editor. Judge whether a scene advances the act and polish its prose without altering plot events."
	user := fmt.Sprintf("Act close conditions: %v\nUnresolved questions: %v\nScene text:\n%s\n\nReturn JSON with \"advances_close_condition\" (name of the condition satisfied, or empty), \"introduces_question\" (new open question, or empty), \"resolves_question\" (an existing question resolved, or empty), \"consumes_escalation\" (bool), \"edited_text\" (polished version of the scene, same plot events), and \"new_motifs\" (array of recurring elements now established).",
		state.ActState.ActCloseConditions, state.UnresolvedQuestions, raw.Content)

	var resp structuralResponse
	if _, err := e.llm.GenerateJSON(ctx, system, user, &resp, contextTag+"_structure"); err != nil {
		return structuralResponse{}, err
	}
	if resp.EditedText == "" {
		resp.EditedText = raw.Content
	}
	return resp, nil
}

func buildPatch(raw RawScene, structural structuralResponse) narrative.Patch {
	patch := narrative.Patch{WordsAdded: countWords(structural.EditedText)}
	if structural.IntroducesQuestion != "" {
		patch.NewUnresolvedQuestions = append(patch.NewUnresolvedQuestions, structural.IntroducesQuestion)
	}
	if structural.ResolvesQuestion != "" {
		patch.ResolvedQuestions = append(patch.ResolvedQuestions, structural.ResolvesQuestion)
	}
	if structural.AdvancesCloseCondition != "" {
		patch.ClosedConditions = append(patch.ClosedConditions, structural.AdvancesCloseCondition)
	}
	patch.NewMotifs = structural.NewMotifs
	patch.Characters = []narrative.CharacterPatch{{Name: raw.POV, TransformationDelta: 0.02}}
	return patch
}

// checkCharacterMonotonicity returns a non-empty instruction string if
// applying patch to a clone of state would violate a character
// invariant; the Editor uses this to force REGENERATE before the
// Orchestrator ever sees the patch.
func (e *Editor) checkCharacterMonotonicity(state *narrative.State, patch narrative.Patch) string {
	clone := state.Clone()
	before := clone.Characters[patch.Characters[0].Name]
	if err := patch.Apply(clone); err != nil {
		return err.Error()
	}
	after := clone.Characters[patch.Characters[0].Name]
	if err := narrative.CheckCharacterMonotonicity(patch.Characters[0].Name, before, after); err != nil {
		return fmt.Sprintf("scene would violate character continuity: %v", err)
	}
	return ""
}
