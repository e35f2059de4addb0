package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vampirenirmal/chronicle/internal/llmclient"
	"github.com/vampirenirmal/chronicle/internal/narrative"
)

// WordCountTolerance is the fraction of the brief's target the Writer
// asks the model to stay within (spec.md §4.3). It is stated in the
// prompt only: the returned scene's word count is not checked against
// it, and an out-of-range scene is returned as is.
var WordCountTolerance = 0.30

// Writer turns a scene brief plus the current narrative state into raw
// prose. Like Planner, it is a thin stateless wrapper over the LLM
// client.
type Writer struct {
	llm    llmclient.LLMClient
	logger *slog.Logger
}

func NewWriter(llm llmclient.LLMClient, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{llm: llm, logger: logger.With("component", "writer")}
}

// GenerateScene writes a fresh scene from a brief.
func (w *Writer) GenerateScene(ctx context.Context, state *narrative.State, sceneID string, brief SceneBrief, contextTag string) (RawScene, error) {
	prompt := scenePrompt(state, brief, nil, RawScene{})
	return w.generate(ctx, sceneID, brief, prompt, contextTag)
}

// RegenerateScene writes a new attempt with appended negative
// constraints describing what the Editor rejected in the previous one
// (spec.md §4.3).
func (w *Writer) RegenerateScene(ctx context.Context, state *narrative.State, sceneID string, brief SceneBrief, extraConstraints []string, previous RawScene, contextTag string) (RawScene, error) {
	prompt := scenePrompt(state, brief, extraConstraints, previous)
	return w.generate(ctx, sceneID, brief, prompt, contextTag)
}

func (w *Writer) generate(ctx context.Context, sceneID string, brief SceneBrief, prompt, contextTag string) (RawScene, error) {
	system := "You are a novelist. Write prose only — no meta commentary. Begin your response with a line \"SCENE TITLE: <title>\" followed by the scene text."
	result, err := w.llm.GenerateText(ctx, system, prompt, 2048, 0.9, contextTag)
	if err != nil {
		w.logger.Error("writer generation failed", "scene_id", sceneID, "error", err)
		return RawScene{}, fmt.Errorf("generate scene %s: %w", sceneID, err)
	}

	title, content := extractTitle(result.Content)
	return RawScene{
		SceneID:    sceneID,
		SceneTitle: title,
		POV:        brief.POV,
		Content:    content,
		WordCount:  countWords(content),
	}, nil
}

// extractTitle pulls the "SCENE TITLE: ..." convention off the first
// line, mirroring the prompt contract asked of the model.
func extractTitle(raw string) (title, content string) {
	lines := strings.SplitN(strings.TrimSpace(raw), "\n", 2)
	if len(lines) > 0 && strings.HasPrefix(strings.ToUpper(lines[0]), "SCENE TITLE:") {
		title = strings.TrimSpace(lines[0][len("SCENE TITLE:"):])
		if len(lines) > 1 {
			content = strings.TrimSpace(lines[1])
		}
		return title, content
	}
	return "Untitled Scene", raw
}

func countWords(text string) int {
	return len(strings.Fields(text))
}

func scenePrompt(state *narrative.State, brief SceneBrief, extraConstraints []string, previous RawScene) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Act goal: %s\n", state.ActState.ActGoal)
	fmt.Fprintf(&b, "Scene goal: %s\n", brief.Goal)
	fmt.Fprintf(&b, "POV: %s\nSetting: %s\n", brief.POV, brief.Setting)
	fmt.Fprintf(&b, "Obligatory beats: %v\n", brief.ObligatoryBeats)
	fmt.Fprintf(&b, "Forbidden repetitions: %v\n", brief.ForbiddenRepetitions)
	fmt.Fprintf(&b, "Target word count: %d (stay within %.0f%% of this)\n", brief.WordCountTarget, WordCountTolerance*100)

	if len(extraConstraints) > 0 {
		b.WriteString("\nThe previous attempt was rejected. Fix the following:\n")
		for _, c := range extraConstraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		if previous.Content != "" {
			fmt.Fprintf(&b, "\nPrevious attempt:\n%s\n", previous.Content)
		}
	}

	return b.String()
}
