// Package narrative holds the NarrativeState state machine: the mutable
// record threaded through every agent call during a job, its monotonicity
// invariants, and the patch type the Editor uses to propose mutations.
package narrative

import "time"

// Structure tracks the book's current position.
type Structure struct {
	ActsTotal    int `json:"acts_total"`
	ActIndex     int `json:"act_index"`
	ChapterIndex int `json:"chapter_index"`
	SceneIndex   int `json:"scene_index"`
	WordsWritten int `json:"words_written"`
}

// ActState tracks the goals and progress of the act currently being written.
type ActState struct {
	ActGoal           string   `json:"act_goal"`
	ActOpenQuestions  []string `json:"act_open_questions"`
	ActCloseConditions []string `json:"act_close_conditions"`
	ActWordsTarget    int      `json:"act_words_target"`
	ActWordsWritten   int      `json:"act_words_written"`
}

// Character is a named actor's accumulated change across the book.
// Transformation and IrreversibleLoss are monotonic: Transformation never
// decreases, and once IrreversibleLoss is true it is never unset.
type Character struct {
	Transformation   float64  `json:"transformation"`
	IrreversibleLoss bool     `json:"irreversible_loss"`
	CostsIncurred    []string `json:"costs_incurred"`
}

// RepetitionRegistry bounds the window of recent scene fingerprints
// compared against for repetition detection, plus motifs that are
// permitted to recur intentionally.
type RepetitionRegistry struct {
	RecentFingerprints []SceneFingerprint `json:"recent_fingerprints"`
	Motifs             []string           `json:"motifs"`
}

// EscalationBudget is the discrete token pool limiting how often stakes
// may legitimately rise within the book.
type EscalationBudget struct {
	Remaining int `json:"remaining"`
}

// Summaries holds compressed recaps used to keep prompts bounded in size.
type Summaries struct {
	CurrentAct string   `json:"current_act"`
	PriorActs  []string `json:"prior_acts"`
}

// State is the single source of truth mutated across the pipeline. It is
// created once per job by the Planner, mutated only by applying an
// Editor-proposed Patch, and discarded once the manuscript is persisted.
// A State is never shared between concurrent jobs.
type State struct {
	Prompt             string               `json:"prompt"`
	Genre              string               `json:"genre"`
	TargetLengthWords  int                  `json:"target_length_words"`
	ThemeThesis        string               `json:"theme_thesis"`
	ProtagonistName    string               `json:"protagonist_name"`
	Structure          Structure            `json:"structure"`
	ActState           ActState             `json:"act_state"`
	Characters         map[string]Character `json:"characters"`
	RepetitionRegistry RepetitionRegistry   `json:"repetition_registry"`
	EscalationBudget   EscalationBudget     `json:"escalation_budget"`
	UnresolvedQuestions []string            `json:"unresolved_questions"`
	Summaries          Summaries            `json:"summaries"`

	// ActWordsHistory holds the final ActWordsWritten of every act
	// already closed, so the words_written_sum invariant can be checked
	// without re-deriving history from checkpoints. Supplements the
	// spec.md §3 data model; it is a derived bookkeeping field, not a
	// new semantic concept.
	ActWordsHistory []int `json:"act_words_history"`
}

// Clone returns a deep copy so callers (the Orchestrator, checkpoint
// replay) can mutate the result without aliasing the original's slices
// and maps.
func (s *State) Clone() *State {
	out := *s
	out.ActState.ActOpenQuestions = append([]string(nil), s.ActState.ActOpenQuestions...)
	out.ActState.ActCloseConditions = append([]string(nil), s.ActState.ActCloseConditions...)
	out.Characters = make(map[string]Character, len(s.Characters))
	for name, c := range s.Characters {
		c.CostsIncurred = append([]string(nil), c.CostsIncurred...)
		out.Characters[name] = c
	}
	out.RepetitionRegistry.RecentFingerprints = append([]SceneFingerprint(nil), s.RepetitionRegistry.RecentFingerprints...)
	out.RepetitionRegistry.Motifs = append([]string(nil), s.RepetitionRegistry.Motifs...)
	out.UnresolvedQuestions = append([]string(nil), s.UnresolvedQuestions...)
	out.Summaries.PriorActs = append([]string(nil), s.Summaries.PriorActs...)
	out.ActWordsHistory = append([]int(nil), s.ActWordsHistory...)
	return &out
}

// ActsTotalForLength implements the Planner's deterministic act count
// function: 3 acts at or below 60k words, 4 at or below 120k, 5 otherwise.
func ActsTotalForLength(targetWords int) int {
	switch {
	case targetWords <= 60000:
		return 3
	case targetWords <= 120000:
		return 4
	default:
		return 5
	}
}

// New creates the initial state for a job. ThemeThesis and ProtagonistName
// are filled in by the Planner after this call; everything else starts at
// its zero value per the book's target length.
func New(prompt, genre string, targetWords int) *State {
	return &State{
		Prompt:            prompt,
		Genre:             genre,
		TargetLengthWords: targetWords,
		Structure: Structure{
			ActsTotal: ActsTotalForLength(targetWords),
		},
		Characters:         make(map[string]Character),
		UnresolvedQuestions: []string{},
		RepetitionRegistry: RepetitionRegistry{
			RecentFingerprints: []SceneFingerprint{},
			Motifs:             []string{},
		},
	}
}

// WindowSize bounds |repetition_registry.recent_fingerprints|. It is a
// var, not a const, so the worker can set it from FINGERPRINT_WINDOW_SIZE
// at startup; every invariant check and append+trim reads this value.
var WindowSize = 20

// AppendFingerprint appends fp to the registry and trims the oldest
// entries until the window invariant holds.
func (s *State) AppendFingerprint(fp SceneFingerprint) {
	s.RepetitionRegistry.RecentFingerprints = append(s.RepetitionRegistry.RecentFingerprints, fp)
	if over := len(s.RepetitionRegistry.RecentFingerprints) - WindowSize; over > 0 {
		s.RepetitionRegistry.RecentFingerprints = s.RepetitionRegistry.RecentFingerprints[over:]
	}
}

// StartAct closes out the current act (folding its word count into
// ActWordsHistory) and resets ActState for the next one, advancing
// Structure.ActIndex. Carried-forward open questions (those not resolved
// by the prior act) are preserved by the caller before calling this —
// StartAct itself only seeds the new act's own fields.
func (s *State) StartAct(index int, goal string, closeConditions []string, wordsTarget int) {
	if s.Structure.ActIndex > 0 || s.ActState.ActWordsWritten > 0 {
		s.ActWordsHistory = append(s.ActWordsHistory, s.ActState.ActWordsWritten)
	}
	s.Structure.ActIndex = index
	s.ActState = ActState{
		ActGoal:            goal,
		ActOpenQuestions:   []string{},
		ActCloseConditions: append([]string(nil), closeConditions...),
		ActWordsTarget:     wordsTarget,
	}
}

// Now exists so tests can freeze a deterministic clock. State itself
// never reads it, and checkpoints and job records take their timestamps
// from orchestrator.Now instead.
var Now = time.Now
