package orchestrator_test

import (
	"context"
	"errors"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/vampirenirmal/chronicle/internal/agents"
	"github.com/vampirenirmal/chronicle/internal/llmclient"
	"github.com/vampirenirmal/chronicle/internal/narrative"
	"github.com/vampirenirmal/chronicle/internal/orchestrator"
)

type mockStorage struct {
	data map[string][]byte
}

func newMockStorage() *mockStorage {
	return &mockStorage{data: make(map[string][]byte)}
}

func (m *mockStorage) Save(ctx context.Context, path string, data []byte) error {
	m.data[path] = append([]byte(nil), data...)
	return nil
}

func (m *mockStorage) Load(ctx context.Context, path string) ([]byte, error) {
	data, ok := m.data[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (m *mockStorage) List(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	for path := range m.data {
		out = append(out, path)
	}
	return out, nil
}

// newDraftOrchestrator builds an Orchestrator over stub and fresh mock
// storage, with a chapter roll threshold no test reaches so every scene
// stays in chapter 0. It queues no responses itself.
func newDraftOrchestrator(t *testing.T, stub *llmclient.Stub) *orchestrator.Orchestrator {
	t.Helper()
	planner := agents.NewPlanner(stub, nil)
	writer := agents.NewWriter(stub, nil)
	editor := agents.NewEditor(stub, nil)
	validator := agents.NewValidator(stub, nil)
	storage := newMockStorage()
	checkpoints := orchestrator.NewCheckpointStore(storage)
	manuscripts := orchestrator.NewManuscriptSink(storage)
	return orchestrator.New(planner, writer, editor, validator, checkpoints, manuscripts,
		orchestrator.WithChapterRollThreshold(1000000), // never roll mid-test
	)
}

func queueInitialPlan(stub *llmclient.Stub, actsTotal, wordsPerAct int) {
	stub.QueueJSON("derive_initial_state", map[string]string{
		"theme_thesis":     "loss teaches courage",
		"protagonist_name": "Mira",
	})
	outlines := make([]map[string]any, actsTotal)
	for i := range outlines {
		outlines[i] = map[string]any{
			"goal":             "advance the plot",
			"key_beats":        []string{"beat"},
			"close_conditions": []string{"condition"},
			"words_target":     wordsPerAct,
		}
	}
	stub.QueueJSON("generate_act_outlines", outlines)
}

func queueOneDraftScene(stub *llmclient.Stub, words int) {
	queueDraftSceneForID(stub, "act0-ch0-sc0", words)
}

// queueDraftSceneForID queues a brief and one scene's worth of text
// under sceneID — the parameterized form queueOneDraftScene wraps, for
// tests that drive more than one scene and need each one's content
// filed under its own context tag.
func queueDraftSceneForID(stub *llmclient.Stub, sceneID string, words int) {
	stub.QueueJSON("generate_scene_brief", map[string]any{
		"goal":    "advance",
		"pov":     "Mira",
		"setting": "a ruined chapel",
	})
	content := "SCENE TITLE: The Descent\n"
	for i := 0; i < words; i++ {
		content += "word "
	}
	stub.QueueText(sceneID, llmclient.TextResult{Content: content})
}

// queueDropAttempt queues a brief, raw text, and a fingerprint with no
// narrative function — the Editor's step 2 instant-DROP branch, taken
// before any repetition or structural call.
func queueDropAttempt(stub *llmclient.Stub, sceneID string) {
	stub.QueueJSON("generate_scene_brief", map[string]any{"goal": "advance", "pov": "Mira", "setting": "a ruin"})
	stub.QueueText(sceneID, llmclient.TextResult{Content: "SCENE TITLE: X\nraw prose"})
	stub.QueueJSON(sceneID+"_fingerprint", map[string]string{"narrative_function": ""})
}

// queuePolishedAcceptAttempt queues a full brief/text/fingerprint/
// structural set that evaluates to ACCEPT: a non-empty, non-repeated
// fingerprint and a structural response that introduces a new open
// question (so advancesSomething is true without touching any act close
// condition, which can only be consumed once per act).
func queuePolishedAcceptAttempt(stub *llmclient.Stub, sceneID, narrativeFunction, newInformation, introducesQuestion string, editedWords int) {
	stub.QueueJSON("generate_scene_brief", map[string]any{"goal": "advance", "pov": "Mira", "setting": "a ruin"})
	stub.QueueText(sceneID, llmclient.TextResult{Content: "SCENE TITLE: X\nraw prose"})
	stub.QueueJSON(sceneID+"_fingerprint", map[string]string{
		"narrative_function":   narrativeFunction,
		"new_information":      newInformation,
		"location_tag":         "somewhere",
		"beat_shape_signature": "sig-" + narrativeFunction,
	})
	edited := ""
	for i := 0; i < editedWords; i++ {
		edited += "word "
	}
	stub.QueueJSON(sceneID+"_structure", map[string]any{
		"advances_close_condition": "",
		"introduces_question":      introducesQuestion,
		"resolves_question":        "",
		"consumes_escalation":      false,
		"edited_text":              edited,
		"new_motifs":               []string{},
	})
}

// queueRepeatAttempt queues a brief, raw text, and a fingerprint
// designed to match an already-accepted one exactly (same narrative
// function, identical new_information so the Jaccard overlap is 1.0),
// forcing the Editor's repetition check to return REWRITE before any
// structural call is made.
func queueRepeatAttempt(stub *llmclient.Stub, sceneID, narrativeFunction, newInformation string) {
	stub.QueueJSON("generate_scene_brief", map[string]any{"goal": "advance", "pov": "Mira", "setting": "a ruin"})
	stub.QueueText(sceneID, llmclient.TextResult{Content: "SCENE TITLE: X\nraw prose"})
	stub.QueueJSON(sceneID+"_fingerprint", map[string]string{
		"narrative_function":   narrativeFunction,
		"new_information":      newInformation,
		"location_tag":         "somewhere",
		"beat_shape_signature": "sig-repeat",
	})
}

// queueLossyAcceptScene queues a brief, one initial scene plus attempts
// rounds of an Editor REGENERATE verdict (non-empty narrative function so
// it isn't instantly dropped, nothing structural advanced, and a word
// count above agents.SmallSceneWordCeiling so REGENERATE wins over MERGE),
// exhausting runEditorLoop's retry budget so it falls back to a lossy
// accept of the last attempt.
func queueLossyAcceptScene(stub *llmclient.Stub, sceneID string, words, attempts int) {
	stub.QueueJSON("generate_scene_brief", map[string]any{"goal": "advance", "pov": "Mira", "setting": "a ruin"})
	content := "SCENE TITLE: The Standoff\n"
	for i := 0; i < words; i++ {
		content += "word "
	}
	stub.QueueText(sceneID, llmclient.TextResult{Content: content})
	for i := 0; i < attempts; i++ {
		stub.QueueJSON(sceneID+"_fingerprint", map[string]string{
			"narrative_function":   "confrontation",
			"new_information":      "nothing new yet",
			"location_tag":         "hall",
			"beat_shape_signature": "tense-standoff",
		})
		stub.QueueJSON(sceneID+"_structure", map[string]any{
			"advances_close_condition": "",
			"introduces_question":      "",
			"resolves_question":        "",
			"consumes_escalation":      false,
			"edited_text":              "",
			"new_motifs":               []string{},
		})
		stub.QueueText(sceneID, llmclient.TextResult{Content: content})
	}
}

func TestRunJobDraftModeHappyPath(t *testing.T) {
	stub := llmclient.NewStub()
	queueInitialPlan(stub, 3, 500)
	queueOneDraftScene(stub, 500)
	queueDraftSceneForID(stub, "act1-ch0-sc1", 500)
	queueDraftSceneForID(stub, "act2-ch0-sc2", 500)
	stub.QueueJSON("derive_title_and_blurb", map[string]string{
		"title": "The Last Chapel",
		"blurb": "A story of loss and courage.",
	})

	orch := newDraftOrchestrator(t, stub)
	input := orchestrator.JobInput{Prompt: "a hero enters a ruin", Genre: "fantasy", TargetLengthWords: 500, Mode: orchestrator.ModeDraft}

	var lastPercent int
	manuscript, err := orch.RunJob(context.Background(), "job-1", input, func(percent int, message string) {
		lastPercent = percent
	})
	if err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}
	if manuscript.Title != "The Last Chapel" {
		t.Errorf("Title = %q, want %q", manuscript.Title, "The Last Chapel")
	}
	if manuscript.Stats.WordCount == 0 {
		t.Error("expected a non-zero word count")
	}
	if lastPercent != 100 {
		t.Errorf("final progress = %d, want 100", lastPercent)
	}
}

// TestRunJobResumesFromCheckpoint confirms that re-running a jobID whose
// checkpoint already reflects a completed job is idempotent: resumeOrInit
// must recognize there's nothing left to do and reassemble instead of
// trying to derive a fresh plan (which would fail loudly against a stub
// with no more queued responses). TestRunJobCancellationPersistsCheckpointAndResumes
// covers the harder case of resuming a job interrupted mid-act.
func TestRunJobResumesFromCheckpoint(t *testing.T) {
	stub := llmclient.NewStub()
	queueInitialPlan(stub, 3, 500)
	queueOneDraftScene(stub, 500)
	queueDraftSceneForID(stub, "act1-ch0-sc1", 500)
	queueDraftSceneForID(stub, "act2-ch0-sc2", 500)
	stub.QueueJSON("derive_title_and_blurb", map[string]string{"title": "T", "blurb": "B"})

	planner := agents.NewPlanner(stub, nil)
	writer := agents.NewWriter(stub, nil)
	editor := agents.NewEditor(stub, nil)
	validator := agents.NewValidator(stub, nil)
	storage := newMockStorage()
	checkpoints := orchestrator.NewCheckpointStore(storage)
	manuscripts := orchestrator.NewManuscriptSink(storage)
	orch := orchestrator.New(planner, writer, editor, validator, checkpoints, manuscripts,
		orchestrator.WithChapterRollThreshold(1000000),
	)

	input := orchestrator.JobInput{Prompt: "a hero enters a ruin", Genre: "fantasy", TargetLengthWords: 500, Mode: orchestrator.ModeDraft}

	if _, err := orch.RunJob(context.Background(), "job-resume", input, nil); err != nil {
		t.Fatalf("first RunJob() error = %v", err)
	}

	// Re-running the same job ID must resume from the completed
	// checkpoint rather than re-deriving the initial state (the stub
	// has no more derive_initial_state responses queued, so a second
	// call would fail loudly).
	if _, err := orch.RunJob(context.Background(), "job-resume", input, nil); err != nil {
		t.Fatalf("resumed RunJob() error = %v", err)
	}
}

func TestRunJobFailsOnNoForwardProgress(t *testing.T) {
	stub := llmclient.NewStub()
	queueInitialPlan(stub, 3, 5000)

	// Scene index never advances on DROP, so every attempt reuses the
	// same scene ID and context tag; queue enough identical responses to
	// exhaust the drop ceiling.
	const maxDrops = 2
	for i := 0; i < maxDrops+1; i++ {
		stub.QueueJSON("generate_scene_brief", map[string]any{"goal": "advance", "pov": "Mira", "setting": "a ruin"})
		stub.QueueText("act0-ch0-sc0", llmclient.TextResult{Content: "SCENE TITLE: X\nprose"})
		stub.QueueJSON("act0-ch0-sc0_fingerprint", map[string]string{"narrative_function": ""})
	}

	orch := orchestrator.New(agents.NewPlanner(stub, nil), agents.NewWriter(stub, nil), agents.NewEditor(stub, nil), agents.NewValidator(stub, nil),
		orchestrator.NewCheckpointStore(newMockStorage()), orchestrator.NewManuscriptSink(newMockStorage()),
		orchestrator.WithMaxConsecutiveDrops(maxDrops),
	)

	input := orchestrator.JobInput{Prompt: "p", Genre: "fantasy", TargetLengthWords: 5000, Mode: orchestrator.ModePolished}
	_, err := orch.RunJob(context.Background(), "job-drops", input, nil)
	if err == nil {
		t.Fatal("expected RunJob to fail with no forward progress")
	}
	var noProgress orchestrator.NoForwardProgressError
	if !errors.As(err, &noProgress) {
		t.Fatalf("error = %v, want NoForwardProgressError", err)
	}
	if noProgress.ConsecutiveDrops != maxDrops {
		t.Errorf("ConsecutiveDrops = %d, want %d", noProgress.ConsecutiveDrops, maxDrops)
	}
}

// TestCheckpointRoundTrip exercises the real Write/ReadLatest path a
// crashed worker's resume depends on: everything Write persists —
// including the chapter prose Chapters carries, which lives nowhere
// else — must come back identical from ReadLatest.
func TestCheckpointRoundTrip(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	original := orchestrator.Now
	orchestrator.Now = func() time.Time { return fixed }
	defer func() { orchestrator.Now = original }()

	store := orchestrator.NewCheckpointStore(newMockStorage())

	state := narrative.New("a hero enters a ruin", "fantasy", 50000)
	state.ProtagonistName = "Mira"
	state.Characters["Mira"] = narrative.Character{Transformation: 0.3}
	// Every slice below is given at least one element: State.Clone()
	// collapses a non-nil-but-empty slice to nil (append(nil, src...)
	// with zero src elements yields nil), so an empty slice here would
	// make the post-Clone, post-JSON-round-trip value legitimately
	// differ in nilness from the pre-Clone original despite being the
	// same observable state.
	state.UnresolvedQuestions = []string{"who set the fire"}
	state.RepetitionRegistry.Motifs = []string{"lantern light"}
	state.StartAct(0, "open the ruin", []string{"reach the gate"}, 10000)
	state.ActState.ActOpenQuestions = []string{"why now"}
	state.AppendFingerprint(narrative.SceneFingerprint{SceneID: "act0-ch0-sc0", NarrativeFunction: "setup", POV: "Mira"})

	outlines := []agents.ActOutline{{Goal: "open the ruin", KeyBeats: []string{"enter"}, CloseConditions: []string{"reach the gate"}, WordsTarget: 10000}}
	summary := []string{"act0-ch0-sc0: The Descent"}
	chapters := []orchestrator.ChapterBuffer{{
		Title:      "Chapter 0",
		TotalWords: 500,
		Scenes:     []orchestrator.SceneEntry{{Title: "The Descent", Content: "prose goes here", WordCount: 500}},
	}}

	if err := store.Write(context.Background(), "job-roundtrip", "act-0-scene-0", state, summary, outlines, chapters); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := store.ReadLatest(context.Background(), "job-roundtrip")
	if err != nil {
		t.Fatalf("ReadLatest() error = %v", err)
	}
	if got == nil {
		t.Fatal("ReadLatest() = nil, want a checkpoint")
	}
	if got.JobID != "job-roundtrip" || got.PhaseTag != "act-0-scene-0" {
		t.Errorf("JobID/PhaseTag = %q/%q, want job-roundtrip/act-0-scene-0", got.JobID, got.PhaseTag)
	}
	if !got.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, fixed)
	}
	if !reflect.DeepEqual(*got.NarrativeState, *state) {
		t.Errorf("NarrativeState mismatch:\nwant %+v\ngot  %+v", *state, *got.NarrativeState)
	}
	if !reflect.DeepEqual(got.AcceptedScenesSummary, summary) {
		t.Errorf("AcceptedScenesSummary = %v, want %v", got.AcceptedScenesSummary, summary)
	}
	if got.AcceptedSceneCount != len(summary) {
		t.Errorf("AcceptedSceneCount = %d, want %d", got.AcceptedSceneCount, len(summary))
	}
	if !reflect.DeepEqual(got.ActOutlines, outlines) {
		t.Errorf("ActOutlines = %+v, want %+v", got.ActOutlines, outlines)
	}
	if !reflect.DeepEqual(got.Chapters, chapters) {
		t.Errorf("Chapters = %+v, want %+v", got.Chapters, chapters)
	}
}

// cancelingClient wraps an LLMClient and cancels ctx once after calls
// have hit a fixed count — standing in for an external shutdown signal
// arriving mid-job. The Stub never looks at ctx, so no LLM call fails on
// the cancel; the orchestrator sees it at the next ctx.Err() check at
// the top of runAct's scene loop, which reliably lands the cancellation
// between two known scenes instead of mid-call.
type cancelingClient struct {
	inner  llmclient.LLMClient
	cancel context.CancelFunc
	after  int
	calls  int
}

func (c *cancelingClient) GenerateText(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64, contextTag string) (llmclient.TextResult, error) {
	result, err := c.inner.GenerateText(ctx, systemPrompt, userPrompt, maxTokens, temperature, contextTag)
	c.calls++
	if c.calls >= c.after {
		c.cancel()
	}
	return result, err
}

func (c *cancelingClient) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string, target any, contextTag string) (llmclient.Usage, error) {
	usage, err := c.inner.GenerateJSON(ctx, systemPrompt, userPrompt, target, contextTag)
	c.calls++
	if c.calls >= c.after {
		c.cancel()
	}
	return usage, err
}

// TestRunJobCancellationPersistsCheckpointAndResumes forces a real
// context.Canceled right after act 0's first scene's last LLM call,
// confirms RunJob reports CancelledError (not DeadlineExceeded) and
// persists a "cancelled" checkpoint capturing exactly one accepted
// scene, then starts a second Orchestrator against the same storage and
// confirms it genuinely resumes — finishing all three acts' remaining
// scenes rather than short-circuiting on an already-complete job.
func TestRunJobCancellationPersistsCheckpointAndResumes(t *testing.T) {
	storage := newMockStorage()
	checkpoints := orchestrator.NewCheckpointStore(storage)
	manuscripts := orchestrator.NewManuscriptSink(storage)

	stub1 := llmclient.NewStub()
	queueInitialPlan(stub1, 3, 1000)
	queueDraftSceneForID(stub1, "act0-ch0-sc0", 500)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &cancelingClient{inner: stub1, cancel: cancel, after: 4}

	orch1 := orchestrator.New(agents.NewPlanner(client, nil), agents.NewWriter(client, nil), agents.NewEditor(client, nil), agents.NewValidator(client, nil),
		checkpoints, manuscripts, orchestrator.WithChapterRollThreshold(1000000))

	input := orchestrator.JobInput{Prompt: "a hero enters a ruin", Genre: "fantasy", TargetLengthWords: 3000, Mode: orchestrator.ModeDraft}
	_, err := orch1.RunJob(ctx, "job-cancel", input, nil)
	if err == nil {
		t.Fatal("expected RunJob to fail once the context was cancelled")
	}
	var cancelledErr orchestrator.CancelledError
	if !errors.As(err, &cancelledErr) {
		t.Fatalf("error = %v, want CancelledError", err)
	}

	checkpoint, err := checkpoints.ReadLatest(context.Background(), "job-cancel")
	if err != nil {
		t.Fatalf("ReadLatest() error = %v", err)
	}
	if checkpoint == nil {
		t.Fatal("expected a persisted checkpoint after cancellation")
	}
	if checkpoint.PhaseTag != "cancelled" {
		t.Errorf("PhaseTag = %q, want %q", checkpoint.PhaseTag, "cancelled")
	}
	if checkpoint.NarrativeState.Structure.SceneIndex != 1 {
		t.Errorf("SceneIndex = %d, want 1 (exactly one scene accepted before cancellation)", checkpoint.NarrativeState.Structure.SceneIndex)
	}
	if checkpoint.NarrativeState.Structure.ActIndex != 0 {
		t.Errorf("ActIndex = %d, want 0", checkpoint.NarrativeState.Structure.ActIndex)
	}
	if checkpoint.AcceptedSceneCount != 1 {
		t.Errorf("AcceptedSceneCount = %d, want 1", checkpoint.AcceptedSceneCount)
	}
	if len(checkpoint.Chapters) != 1 || len(checkpoint.Chapters[0].Scenes) != 1 {
		t.Fatalf("Chapters = %+v, want one chapter with one scene", checkpoint.Chapters)
	}

	// A fresh stub with no derive_initial_state/generate_act_outlines
	// responses queued: if the resumed run re-derived the plan instead
	// of reading it back from the checkpoint, the first such call would
	// fail loudly.
	stub2 := llmclient.NewStub()
	queueDraftSceneForID(stub2, "act0-ch0-sc1", 500)
	queueDraftSceneForID(stub2, "act1-ch0-sc2", 500)
	queueDraftSceneForID(stub2, "act1-ch0-sc3", 500)
	queueDraftSceneForID(stub2, "act2-ch0-sc4", 500)
	queueDraftSceneForID(stub2, "act2-ch0-sc5", 500)
	stub2.QueueJSON("derive_title_and_blurb", map[string]string{"title": "The Last Chapel", "blurb": "A story of loss and courage."})

	orch2 := orchestrator.New(agents.NewPlanner(stub2, nil), agents.NewWriter(stub2, nil), agents.NewEditor(stub2, nil), agents.NewValidator(stub2, nil),
		checkpoints, manuscripts, orchestrator.WithChapterRollThreshold(1000000))

	manuscript, err := orch2.RunJob(context.Background(), "job-cancel", input, nil)
	if err != nil {
		t.Fatalf("resumed RunJob() error = %v", err)
	}
	if manuscript.Title != "The Last Chapel" {
		t.Errorf("Title = %q, want %q", manuscript.Title, "The Last Chapel")
	}
	if manuscript.Stats.WordCount != 3000 {
		t.Errorf("WordCount = %d, want 3000 (6 scenes of 500 words each, including the one written before cancellation)", manuscript.Stats.WordCount)
	}
}

// sleepyClient wraps an LLMClient and sleeps after one specific context
// tag's call returns, long enough that ctx's deadline will have passed
// by the time the next loop iteration checks ctx.Err() — distinguishing
// a wall-clock timeout from an external cancel signal.
type sleepyClient struct {
	inner    llmclient.LLMClient
	sleepTag string
	sleepFor time.Duration
}

func (c *sleepyClient) GenerateText(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64, contextTag string) (llmclient.TextResult, error) {
	result, err := c.inner.GenerateText(ctx, systemPrompt, userPrompt, maxTokens, temperature, contextTag)
	if contextTag == c.sleepTag {
		time.Sleep(c.sleepFor)
	}
	return result, err
}

func (c *sleepyClient) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string, target any, contextTag string) (llmclient.Usage, error) {
	return c.inner.GenerateJSON(ctx, systemPrompt, userPrompt, target, contextTag)
}

// TestRunJobWallClockCeilingReturnsDeadlineExceeded confirms that when
// ctx's own deadline (not an external cancel) is what has expired,
// cancelled() passes context.DeadlineExceeded through unwrapped rather
// than reporting CancelledError — the distinction queue.classifyJobFailure
// depends on to tell "wall_clock_exceeded" apart from "cancelled".
func TestRunJobWallClockCeilingReturnsDeadlineExceeded(t *testing.T) {
	storage := newMockStorage()
	checkpoints := orchestrator.NewCheckpointStore(storage)
	manuscripts := orchestrator.NewManuscriptSink(storage)

	stub := llmclient.NewStub()
	queueInitialPlan(stub, 3, 1000)
	queueDraftSceneForID(stub, "act0-ch0-sc0", 500)

	client := &sleepyClient{inner: stub, sleepTag: "act0-ch0-sc0", sleepFor: 40 * time.Millisecond}
	orch := orchestrator.New(agents.NewPlanner(client, nil), agents.NewWriter(client, nil), agents.NewEditor(client, nil), agents.NewValidator(client, nil),
		checkpoints, manuscripts, orchestrator.WithChapterRollThreshold(1000000))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	input := orchestrator.JobInput{Prompt: "a hero enters a ruin", Genre: "fantasy", TargetLengthWords: 2000, Mode: orchestrator.ModeDraft}
	_, err := orch.RunJob(ctx, "job-deadline", input, nil)
	if err == nil {
		t.Fatal("expected RunJob to fail once the deadline passed")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context.DeadlineExceeded", err)
	}
	var cancelledErr orchestrator.CancelledError
	if errors.As(err, &cancelledErr) {
		t.Fatal("a deadline-exceeded failure must not also satisfy CancelledError")
	}
}

// TestRunJobLossyAcceptFallback exercises scenario 4: the Editor rejects
// every attempt within the regeneration budget, and runEditorLoop falls
// back to lossy-accepting the last attempt rather than failing the job.
func TestRunJobLossyAcceptFallback(t *testing.T) {
	stub := llmclient.NewStub()
	queueInitialPlan(stub, 3, 600)
	queueLossyAcceptScene(stub, "act0-ch0-sc0", 600, orchestrator.DefaultMaxSceneRegenerations)
	queueLossyAcceptScene(stub, "act1-ch0-sc1", 600, orchestrator.DefaultMaxSceneRegenerations)
	queueLossyAcceptScene(stub, "act2-ch0-sc2", 600, orchestrator.DefaultMaxSceneRegenerations)
	stub.QueueJSON("derive_title_and_blurb", map[string]string{"title": "The Standoff", "blurb": "Nobody blinks."})

	orch := newDraftOrchestrator(t, stub)
	input := orchestrator.JobInput{Prompt: "two rivals face off", Genre: "thriller", TargetLengthWords: 1800, Mode: orchestrator.ModePolished}

	manuscript, err := orch.RunJob(context.Background(), "job-lossy", input, nil)
	if err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}
	if manuscript.Stats.WordCount != 1800 {
		t.Errorf("WordCount = %d, want 1800", manuscript.Stats.WordCount)
	}
	if !strings.Contains(manuscript.Content, "word word word") {
		t.Error("expected the lossy-accepted scene's prose in the assembled manuscript")
	}
}

// TestRunJobPolishedModeForcedRewriteThenAccept exercises scenario 2: a
// scene's first attempt repeats an earlier accepted fingerprint closely
// enough to be forced into REWRITE, and a distinct second attempt is
// accepted — with the final accepted text differing from the rejected
// first attempt's fingerprinted content.
func TestRunJobPolishedModeForcedRewriteThenAccept(t *testing.T) {
	stub := llmclient.NewStub()
	queueInitialPlan(stub, 3, 400)

	queuePolishedAcceptAttempt(stub, "act0-ch0-sc0", "reveal", "the altar is cursed", "what cursed the altar", 400)

	// First attempt at scene 1 repeats scene 0's fingerprint exactly.
	queueRepeatAttempt(stub, "act1-ch0-sc1", "reveal", "the altar is cursed")
	// Second attempt clears the repetition check with a distinct
	// fingerprint and is accepted.
	queuePolishedAcceptAttempt(stub, "act1-ch0-sc1", "confrontation", "a rival appears", "who the rival is", 400)

	queuePolishedAcceptAttempt(stub, "act2-ch0-sc2", "resolution", "the rival yields", "what the rival wants", 400)

	stub.QueueJSON("derive_title_and_blurb", map[string]string{"title": "T", "blurb": "B"})

	orch := newDraftOrchestrator(t, stub)
	input := orchestrator.JobInput{Prompt: "p", Genre: "fantasy", TargetLengthWords: 1200, Mode: orchestrator.ModePolished}

	manuscript, err := orch.RunJob(context.Background(), "job-rewrite", input, nil)
	if err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}
	if manuscript.Stats.WordCount != 1200 {
		t.Errorf("WordCount = %d, want 1200 (all three scenes' edited text accepted)", manuscript.Stats.WordCount)
	}

	fingerprintCalls := 0
	for _, tag := range stub.Calls {
		if tag == "act1-ch0-sc1_fingerprint" {
			fingerprintCalls++
		}
	}
	if fingerprintCalls != 2 {
		t.Errorf("scene 1 was fingerprinted %d times, want 2 (one rejected repeat, one accepted retry)", fingerprintCalls)
	}
}

// TestRunJobDropConvergence exercises scenario 3: the Editor drops a
// scene's first attempt at each position, but the retried attempt at
// the same scene ID is accepted, so the job still succeeds with the
// word count landing on target even though some attempts were dropped.
func TestRunJobDropConvergence(t *testing.T) {
	stub := llmclient.NewStub()
	queueInitialPlan(stub, 3, 500)

	queueDropAttempt(stub, "act0-ch0-sc0")
	queuePolishedAcceptAttempt(stub, "act0-ch0-sc0", "setup", "the journey begins", "where the road leads", 500)

	queueDropAttempt(stub, "act1-ch0-sc1")
	queuePolishedAcceptAttempt(stub, "act1-ch0-sc1", "confrontation", "the road forks", "which fork to take", 500)

	queueDropAttempt(stub, "act2-ch0-sc2")
	queuePolishedAcceptAttempt(stub, "act2-ch0-sc2", "resolution", "the road ends", "who waits at the end", 500)

	stub.QueueJSON("derive_title_and_blurb", map[string]string{"title": "T", "blurb": "B"})

	orch := newDraftOrchestrator(t, stub)
	input := orchestrator.JobInput{Prompt: "p", Genre: "fantasy", TargetLengthWords: 1500, Mode: orchestrator.ModePolished}

	manuscript, err := orch.RunJob(context.Background(), "job-drop-convergence", input, nil)
	if err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}
	if manuscript.Stats.WordCount != 1500 {
		t.Errorf("WordCount = %d, want 1500", manuscript.Stats.WordCount)
	}
	lowerBound, upperBound := 1500*8/10, 1500*12/10
	if manuscript.Stats.WordCount < lowerBound || manuscript.Stats.WordCount > upperBound {
		t.Errorf("WordCount = %d, outside the ±20%% tolerance of target 1500", manuscript.Stats.WordCount)
	}
}
