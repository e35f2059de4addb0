// Package orchestrator drives the scene/act state machine of spec.md
// §4.6: Init, the per-act scene loop with the Writer/Editor retry
// cycle, book-level validation, and manuscript assembly. It owns no
// concurrency beyond the job it is running — one job is strictly
// sequential (spec.md §5) — and it never talks to the queue layer
// directly, only through a progress callback.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vampirenirmal/chronicle/internal/agents"
	"github.com/vampirenirmal/chronicle/internal/narrative"
)

// Defaults mirror spec.md §6.6 and §9's observed defaults.
var (
	DefaultMaxSceneRegenerations = 3
	DefaultChapterRollThreshold  = 3500
	DefaultMaxConsecutiveDrops   = 5
	DefaultActWordTolerance      = 0.15
)

type Orchestrator struct {
	planner     *agents.Planner
	writer      *agents.Writer
	editor      *agents.Editor
	validator   *agents.Validator
	checkpoints *CheckpointStore
	manuscripts *ManuscriptSink
	logger      *slog.Logger

	maxSceneRegenerations int
	chapterRollThreshold  int
	maxConsecutiveDrops   int
	actWordTolerance      float64
	// actOutlineFixture, when set, replaces the Planner's
	// GenerateActOutlines call for every fresh job — a hand-written
	// plan loaded via agents.LoadActOutlineFixture (PLAN_FIXTURE_PATH).
	actOutlineFixture []agents.ActOutline
}

type Option func(*Orchestrator)

func WithMaxSceneRegenerations(n int) Option {
	return func(o *Orchestrator) { o.maxSceneRegenerations = n }
}

func WithChapterRollThreshold(n int) Option {
	return func(o *Orchestrator) { o.chapterRollThreshold = n }
}

func WithMaxConsecutiveDrops(n int) Option {
	return func(o *Orchestrator) { o.maxConsecutiveDrops = n }
}

func WithActWordTolerance(t float64) Option {
	return func(o *Orchestrator) { o.actWordTolerance = t }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithActOutlineFixture pins every fresh job's act plan to outlines
// rather than asking the Planner to generate one, trading the
// DeriveInitialState-derived structure's fit for a reproducible,
// hand-authored one.
func WithActOutlineFixture(outlines []agents.ActOutline) Option {
	return func(o *Orchestrator) { o.actOutlineFixture = outlines }
}

func New(planner *agents.Planner, writer *agents.Writer, editor *agents.Editor, validator *agents.Validator, checkpoints *CheckpointStore, manuscripts *ManuscriptSink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		planner:               planner,
		writer:                writer,
		editor:                editor,
		validator:             validator,
		checkpoints:           checkpoints,
		manuscripts:           manuscripts,
		logger:                slog.Default(),
		maxSceneRegenerations: DefaultMaxSceneRegenerations,
		chapterRollThreshold:  DefaultChapterRollThreshold,
		maxConsecutiveDrops:   DefaultMaxConsecutiveDrops,
		actWordTolerance:      DefaultActWordTolerance,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// runState is the mutable working set for one RunJob call — the parts
// of a job that are not NarrativeState itself but are still needed
// across the act loop (chapter buffer, accepted-scene log, outlines).
type runState struct {
	jobID           string
	input           JobInput
	state           *narrative.State
	outlines        []agents.ActOutline
	chapter         *ChapterBuffer
	chapters        []*ChapterBuffer
	acceptedSummary []string
	// actStarted is false only in the window between Structure.ActIndex
	// advancing to a new act and StartAct being called for it. A resumed
	// run starts true only when its checkpoint captured a mid-act
	// ActState (StartAct already called for the current ActIndex); an
	// "init" or "act-N-complete" checkpoint resumes with it false.
	actStarted bool
}

// snapshotChapters flattens the completed chapters plus the in-progress
// one (if it holds any scenes) into the form Checkpoint persists.
func (rs *runState) snapshotChapters() []ChapterBuffer {
	out := make([]ChapterBuffer, 0, len(rs.chapters)+1)
	for _, c := range rs.chapters {
		out = append(out, *c)
	}
	if rs.chapter != nil && len(rs.chapter.Scenes) > 0 {
		out = append(out, *rs.chapter)
	}
	return out
}

// RunJob executes the full state machine for one job and returns the
// assembled manuscript on success. ctx is checked before each act and
// each scene, and again whenever a scene's LLM call fails; a cancelled
// context then produces a CancelledError (or context.DeadlineExceeded
// when ctx's deadline passed) with a "cancelled" checkpoint already
// durable.
func (o *Orchestrator) RunJob(ctx context.Context, jobID string, input JobInput, progress ProgressFunc) (*Manuscript, error) {
	if progress == nil {
		progress = func(int, string) {}
	}

	rs, err := o.resumeOrInit(ctx, jobID, input, progress)
	if err != nil {
		return nil, err
	}

	for rs.state.Structure.ActIndex < rs.state.Structure.ActsTotal {
		if err := ctx.Err(); err != nil {
			return nil, o.cancelled(ctx, rs)
		}
		if err := o.runAct(ctx, rs, progress); err != nil {
			return nil, err
		}
	}

	progress(80, "validating book")
	doneMessage := "succeeded"
	if result := o.validator.ValidateBook(rs.state); !result.Valid {
		// Non-fatal per spec: logged into the job's message, not a
		// failure. Loop-back to regenerate the tail stays structurally
		// possible (RunJob could re-enter runAct) but is not exercised.
		o.logger.Warn("book validation failed", "issues", result.Issues)
		doneMessage = "succeeded; book validation issues: " + strings.Join(result.Issues, "; ")
	}

	if rs.chapter != nil && len(rs.chapter.Scenes) > 0 {
		rs.chapters = append(rs.chapters, rs.chapter)
	}

	manuscript, err := o.assemble(ctx, rs)
	if err != nil {
		return nil, fmt.Errorf("assemble manuscript: %w", err)
	}
	if err := o.manuscripts.Write(ctx, manuscript); err != nil {
		return nil, fmt.Errorf("write manuscript: %w", err)
	}

	progress(100, doneMessage)
	return manuscript, nil
}

// restoreChapters splits a checkpoint's flat chapter snapshot back into
// completed chapters plus the one still being filled, matched by the
// title newChapterBuffer would assign the current chapter index.
func restoreChapters(rs *runState, snapshot []ChapterBuffer, currentIndex int) {
	currentTitle := newChapterBuffer(currentIndex).Title
	for i := range snapshot {
		ch := snapshot[i]
		if ch.Title == currentTitle {
			rs.chapter = &ch
			continue
		}
		rs.chapters = append(rs.chapters, &ch)
	}
	if rs.chapter == nil {
		rs.chapter = newChapterBuffer(currentIndex)
	}
}

func (o *Orchestrator) resumeOrInit(ctx context.Context, jobID string, input JobInput, progress ProgressFunc) (*runState, error) {
	checkpoint, err := o.checkpoints.ReadLatest(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	if checkpoint != nil {
		o.logger.Info("resuming job from checkpoint", "job_id", jobID, "phase_tag", checkpoint.PhaseTag)
		progress(10, "resumed from checkpoint")
		rs := &runState{
			jobID:           jobID,
			input:           input,
			state:           checkpoint.NarrativeState,
			outlines:        checkpoint.ActOutlines,
			acceptedSummary: checkpoint.AcceptedScenesSummary,
			actStarted: len(checkpoint.NarrativeState.ActWordsHistory) == checkpoint.NarrativeState.Structure.ActIndex &&
				checkpoint.NarrativeState.ActState.ActWordsTarget > 0,
		}
		restoreChapters(rs, checkpoint.Chapters, checkpoint.NarrativeState.Structure.ChapterIndex)
		return rs, nil
	}

	progress(0, "deriving initial state")
	state, err := o.planner.DeriveInitialState(ctx, input.Prompt, input.Genre, input.TargetLengthWords)
	if err != nil {
		return nil, fmt.Errorf("derive initial state: %w", err)
	}

	var outlines []agents.ActOutline
	if o.actOutlineFixture != nil {
		outlines = o.actOutlineFixture
		state.Structure.ActsTotal = len(outlines)
	} else {
		outlines, err = o.planner.GenerateActOutlines(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("generate act outlines: %w", err)
		}
	}

	rs := &runState{
		jobID:    jobID,
		input:    input,
		state:    state,
		outlines: outlines,
		chapter:  newChapterBuffer(0),
	}
	if err := o.checkpoints.Write(ctx, jobID, "init", state, rs.acceptedSummary, outlines, rs.snapshotChapters()); err != nil {
		return nil, fmt.Errorf("write init checkpoint: %w", err)
	}
	progress(10, "initial plan ready")
	return rs, nil
}

// runAct drives the inner scene loop for the current act until its
// word budget is met, then advances to the next act.
func (o *Orchestrator) runAct(ctx context.Context, rs *runState, progress ProgressFunc) error {
	actIndex := rs.state.Structure.ActIndex
	outline := rs.outlines[actIndex]

	if !rs.actStarted {
		rs.state.StartAct(actIndex, outline.Goal, outline.CloseConditions, outline.WordsTarget)
		rs.actStarted = true
	}

	consecutiveDrops := 0

	for rs.state.ActState.ActWordsWritten < rs.state.ActState.ActWordsTarget {
		if err := ctx.Err(); err != nil {
			return o.cancelled(ctx, rs)
		}

		accepted, err := o.runScene(ctx, rs)
		if err != nil {
			if ctx.Err() != nil {
				return o.cancelled(ctx, rs)
			}
			return err
		}
		if !accepted {
			consecutiveDrops++
			if consecutiveDrops >= o.maxConsecutiveDrops {
				return NoForwardProgressError{ConsecutiveDrops: consecutiveDrops}
			}
			continue
		}
		consecutiveDrops = 0

		if rs.chapter.ReadyToRoll(o.chapterRollThreshold) {
			rs.chapters = append(rs.chapters, rs.chapter)
			rs.state.Structure.ChapterIndex++
			rs.chapter = newChapterBuffer(rs.state.Structure.ChapterIndex)
		}

		if err := o.checkpoints.Write(ctx, rs.jobID, fmt.Sprintf("act-%d-scene-%d", actIndex, rs.state.Structure.SceneIndex), rs.state, rs.acceptedSummary, rs.outlines, rs.snapshotChapters()); err != nil {
			return fmt.Errorf("write scene checkpoint: %w", err)
		}

		percent := 10 + int(70*float64(actIndex+1)/float64(rs.state.Structure.ActsTotal))
		if percent > 80 {
			percent = 80
		}
		progress(percent, fmt.Sprintf("act %d: %d/%d words", actIndex+1, rs.state.ActState.ActWordsWritten, rs.state.ActState.ActWordsTarget))
	}

	rs.state.Structure.ActIndex++
	rs.actStarted = false
	if err := o.checkpoints.Write(ctx, rs.jobID, fmt.Sprintf("act-%d-complete", actIndex), rs.state, rs.acceptedSummary, rs.outlines, rs.snapshotChapters()); err != nil {
		return fmt.Errorf("write act checkpoint: %w", err)
	}
	return nil
}

// runScene runs one full Planner/Writer/Editor cycle and returns
// whether a scene (new or merged) advanced the manuscript. A false
// return with a nil error means the scene was dropped.
func (o *Orchestrator) runScene(ctx context.Context, rs *runState) (bool, error) {
	outline := rs.outlines[rs.state.Structure.ActIndex]
	sceneID := fmt.Sprintf("act%d-ch%d-sc%d", rs.state.Structure.ActIndex, rs.state.Structure.ChapterIndex, rs.state.Structure.SceneIndex)

	brief, err := o.planner.GenerateSceneBrief(ctx, rs.state, outline)
	if err != nil {
		return false, fmt.Errorf("generate scene brief: %w", err)
	}

	raw, err := o.writer.GenerateScene(ctx, rs.state, sceneID, brief, sceneID)
	if err != nil {
		return false, fmt.Errorf("generate scene: %w", err)
	}

	var eval agents.EditorEvaluation
	if rs.input.Mode == ModeDraft {
		eval = draftEvaluation(raw)
	} else {
		eval, raw, err = o.runEditorLoop(ctx, rs.state, sceneID, brief, raw, sceneID)
		if err != nil {
			return false, err
		}
	}

	switch eval.Decision {
	case agents.Drop:
		o.logger.Info("scene dropped", "scene_id", sceneID)
		return false, nil

	case agents.Merge:
		o.logger.Info("scene merged into previous", "scene_id", sceneID)
		if !rs.chapter.AppendToLast(raw.Content, raw.WordCount) {
			// Nothing to merge into yet — this is the first scene of a
			// new chapter, so there is no previous scene to absorb it.
			rs.chapter.Append(SceneEntry{Title: raw.SceneTitle, Content: raw.Content, WordCount: raw.WordCount})
		}
		patch := narrative.Patch{WordsAdded: raw.WordCount}
		if err := patch.Apply(rs.state); err != nil {
			return false, fmt.Errorf("apply merge patch: %w", err)
		}
		if err := narrative.CheckInvariants(rs.state); err != nil {
			return false, fmt.Errorf("invariant check after merge: %w", err)
		}
		return true, nil

	default:
		// ACCEPT, or the lossy-accept fallback that presents itself as
		// an ACCEPT evaluation once the retry budget is exhausted.
		rs.chapter.Append(SceneEntry{Title: raw.SceneTitle, Content: eval.EditedText, WordCount: eval.StatePatch.WordsAdded})
		rs.state.Structure.SceneIndex++
		rs.acceptedSummary = append(rs.acceptedSummary, fmt.Sprintf("%s: %s", sceneID, raw.SceneTitle))

		if err := eval.StatePatch.Apply(rs.state); err != nil {
			return false, fmt.Errorf("apply state patch: %w", err)
		}
		rs.state.AppendFingerprint(eval.Fingerprint)
		if err := narrative.CheckInvariants(rs.state); err != nil {
			return false, fmt.Errorf("invariant check after accept: %w", err)
		}
		if err := narrative.CheckWordTolerance(rs.state, o.actWordTolerance); err != nil {
			o.logger.Warn("act overshot its word tolerance", "scene_id", sceneID, "error", err)
		}
		return true, nil
	}
}

// runEditorLoop runs the Writer↔Editor retry cycle for polished mode,
// accumulating instructions across REGENERATE/REWRITE attempts and
// falling back to a lossy-accept of the last raw scene if the retry
// budget is exhausted without ACCEPT (spec.md §4.6, §7).
func (o *Orchestrator) runEditorLoop(ctx context.Context, state *narrative.State, sceneID string, brief agents.SceneBrief, raw agents.RawScene, contextTag string) (agents.EditorEvaluation, agents.RawScene, error) {
	var instructions []string

	for attempt := 0; attempt < o.maxSceneRegenerations; attempt++ {
		eval, err := o.editor.EvaluateScene(ctx, raw, sceneID, state, contextTag)
		if err != nil {
			return agents.EditorEvaluation{}, raw, fmt.Errorf("evaluate scene: %w", err)
		}

		switch eval.Decision {
		case agents.Accept, agents.Drop, agents.Merge:
			return eval, raw, nil
		case agents.Regenerate, agents.Rewrite:
			instructions = append(instructions, eval.Instructions)
			o.logger.Info("scene rejected, regenerating", "scene_id", sceneID, "decision", eval.Decision.String(), "attempt", attempt+1)
			next, err := o.writer.RegenerateScene(ctx, state, sceneID, brief, instructions, raw, contextTag)
			if err != nil {
				return agents.EditorEvaluation{}, raw, fmt.Errorf("regenerate scene: %w", err)
			}
			raw = next
		}
	}

	o.logger.Warn("scene retry budget exhausted, lossy-accepting last attempt", "scene_id", sceneID, "instructions", strings.Join(instructions, "; "))
	return draftEvaluation(raw), raw, nil
}

// draftEvaluation synthesizes the minimal ACCEPT evaluation for draft
// mode and for the lossy-accept fallback: a fingerprint with no
// narrative function (so it can never be mistaken for a real
// repetition match) and a patch that only advances the word count.
func draftEvaluation(raw agents.RawScene) agents.EditorEvaluation {
	fp := narrative.SceneFingerprint{SceneID: raw.SceneID, POV: raw.POV}
	patch := narrative.Patch{WordsAdded: raw.WordCount}
	return agents.NewAcceptEvaluation(raw.Content, fp, patch)
}

// cancelled persists a final checkpoint and reports ctx's termination
// reason. A deadline exceeded (the wall-clock ceiling) is distinct from
// an external cancel signal, so the original ctx.Err() is preserved for
// the queue layer to classify rather than collapsing both into
// CancelledError.
func (o *Orchestrator) cancelled(ctx context.Context, rs *runState) error {
	reason := ctx.Err()
	o.logger.Warn("job aborted", "job_id", rs.jobID, "reason", reason)
	if err := o.checkpoints.Write(context.Background(), rs.jobID, "cancelled", rs.state, rs.acceptedSummary, rs.outlines, rs.snapshotChapters()); err != nil {
		o.logger.Error("failed to persist cancellation checkpoint", "job_id", rs.jobID, "error", err)
	}
	if errors.Is(reason, context.DeadlineExceeded) {
		return reason
	}
	return CancelledError{}
}

func (o *Orchestrator) assemble(ctx context.Context, rs *runState) (*Manuscript, error) {
	var b strings.Builder
	for _, chapter := range rs.chapters {
		b.WriteString(chapter.Title)
		b.WriteString("\n\n")
		for _, scene := range chapter.Scenes {
			b.WriteString(scene.Content)
			b.WriteString("\n\n")
		}
	}

	title, blurb, err := o.deriveTitleAndBlurb(ctx, rs.state)
	if err != nil {
		return nil, err
	}

	return &Manuscript{
		JobID:   rs.jobID,
		Title:   title,
		Blurb:   blurb,
		Content: b.String(),
		Stats: ManuscriptStats{
			WordCount:    rs.state.Structure.WordsWritten,
			ChapterCount: len(rs.chapters),
			ActCount:     rs.state.Structure.ActsTotal,
		},
	}, nil
}

func (o *Orchestrator) deriveTitleAndBlurb(ctx context.Context, state *narrative.State) (title, blurb string, err error) {
	type titleBlurb struct {
		Title string `json:"title"`
		Blurb string `json:"blurb"`
	}
	var resp titleBlurb
	if _, jsonErr := o.planner.DeriveTitleAndBlurb(ctx, state, &resp); jsonErr != nil {
		if errors.Is(jsonErr, context.Canceled) {
			return "", "", jsonErr
		}
		o.logger.Warn("title/blurb generation failed, falling back to theme thesis", "error", jsonErr)
		return state.ProtagonistName + "'s Story", state.ThemeThesis, nil
	}
	return resp.Title, resp.Blurb, nil
}
