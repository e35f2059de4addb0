// Package agents implements the four stateless roles of spec.md §4:
// Planner, Writer, Editor, Validator. Each is a struct holding only an
// llmclient.LLMClient (and, where needed, small tunables); NarrativeState
// is always passed in and a result/patch returned, never stored on the
// agent itself, so the same agent value can serve overlapping jobs.
package agents

import "github.com/vampirenirmal/chronicle/internal/narrative"

// SceneBrief is the Planner's ephemeral per-scene output (spec.md §3).
type SceneBrief struct {
	Goal                 string   `json:"goal"`
	POV                  string   `json:"pov"`
	Setting              string   `json:"setting"`
	ObligatoryBeats      []string `json:"obligatory_beats"`
	ForbiddenRepetitions []string `json:"forbidden_repetitions"`
	WordCountTarget      int      `json:"word_count_target"`
}

// RawScene is the Writer's output (spec.md §3).
type RawScene struct {
	SceneID    string `json:"scene_id"`
	SceneTitle string `json:"scene_title"`
	POV        string `json:"pov"`
	Content    string `json:"content"`
	WordCount  int    `json:"word_count"`
}

// Decision is the Editor's closed sum of five terminal outcomes
// (spec.md §4.4, §9 — modeled as a closed type, not an open string).
type Decision int

const (
	Accept Decision = iota
	Regenerate
	Rewrite
	Drop
	Merge
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "ACCEPT"
	case Regenerate:
		return "REGENERATE"
	case Rewrite:
		return "REWRITE"
	case Drop:
		return "DROP"
	case Merge:
		return "MERGE"
	default:
		return "UNKNOWN"
	}
}

// EditorEvaluation is the Editor's result (spec.md §3). EditedText and
// Fingerprint are only meaningful when Decision == Accept; Instructions
// is only meaningful when Decision is Regenerate or Rewrite. The type
// cannot enforce this at compile time without a sum-type encoding Go
// lacks, but NewAcceptEvaluation/NewInstructionEvaluation/
// NewTerminalEvaluation below are the only constructors, so every call
// site goes through one that sets
// exactly the fields its decision allows.
type EditorEvaluation struct {
	Decision     Decision
	EditedText   string
	Fingerprint  narrative.SceneFingerprint
	StatePatch   narrative.Patch
	Instructions string
}

// NewAcceptEvaluation builds the ACCEPT variant: edited text, fingerprint,
// and state patch are required; there are no instructions.
func NewAcceptEvaluation(editedText string, fp narrative.SceneFingerprint, patch narrative.Patch) EditorEvaluation {
	return EditorEvaluation{Decision: Accept, EditedText: editedText, Fingerprint: fp, StatePatch: patch}
}

// NewInstructionEvaluation builds the REGENERATE or REWRITE variant:
// instructions are required, naming what the next attempt must fix.
func NewInstructionEvaluation(decision Decision, instructions string) EditorEvaluation {
	return EditorEvaluation{Decision: decision, Instructions: instructions}
}

// NewTerminalEvaluation builds the DROP or MERGE variant: no edited
// text, no instructions, no patch — the Orchestrator decides what to do
// with the raw scene.
func NewTerminalEvaluation(decision Decision) EditorEvaluation {
	return EditorEvaluation{Decision: decision}
}

// ActOutline is one act's "goal / key beats / close condition" plan
// (spec.md §4.2). Tagged for both the LLM's JSON response and, via
// LoadActOutlineFixture, a human-edited YAML override of the same
// shape.
type ActOutline struct {
	Goal            string   `json:"goal" yaml:"goal"`
	KeyBeats        []string `json:"key_beats" yaml:"key_beats"`
	CloseConditions []string `json:"close_conditions" yaml:"close_conditions"`
	WordsTarget     int      `json:"words_target" yaml:"words_target"`
}

// ValidationResult is the Validator's output (spec.md §4.5).
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues"`
}
