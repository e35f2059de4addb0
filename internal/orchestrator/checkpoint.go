package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/vampirenirmal/chronicle/internal/agents"
	"github.com/vampirenirmal/chronicle/internal/narrative"
)

// Storage is the key/blob sink the Orchestrator persists checkpoints
// and manuscripts through (Save replaces any blob already stored under
// the same path); internal/storage.FileSystem is
// the concrete implementation used by cmd/chronicle-worker.
type Storage interface {
	Save(ctx context.Context, path string, data []byte) error
	Load(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, pattern string) ([]string, error)
}

// Checkpoint is a durable snapshot of NarrativeState plus the accepted
// scene log, enabling resume (spec.md §3, §6.3).
type Checkpoint struct {
	JobID                 string           `json:"job_id"`
	PhaseTag              string           `json:"phase_tag"`
	NarrativeState        *narrative.State `json:"narrative_state"`
	AcceptedScenesSummary []string         `json:"accepted_scenes_summary"`
	// AcceptedSceneCount denormalizes len(AcceptedScenesSummary) for
	// readers of the stored checkpoint; resume itself positions from
	// NarrativeState.Structure, not from this count. Supplements
	// spec.md's Checkpoint definition.
	AcceptedSceneCount int `json:"accepted_scene_count"`
	// ActOutlines supplements spec.md's Checkpoint definition: resume
	// needs the act plan without re-asking the LLM, since act outlines
	// are not reconstructible from NarrativeState alone.
	ActOutlines []agents.ActOutline `json:"act_outlines"`
	// Chapters supplements spec.md's Checkpoint definition: the actual
	// scene prose lives only in the Orchestrator's in-memory chapter
	// buffers, not in NarrativeState (which tracks counts, not text), so
	// without persisting it here a resumed job would reassemble a
	// manuscript missing every scene written before the crash. The last
	// entry is the chapter still being filled, if any.
	Chapters  []ChapterBuffer `json:"chapters"`
	CreatedAt time.Time       `json:"created_at"`
}

// CheckpointStore persists and reads back checkpoints, one file per job
// keyed by job ID (checkpoints/{job_id}.json). Every Write, whatever its
// phase tag, overwrites that file, so only the latest checkpoint of a
// job is kept; earlier checkpoints are not retained.
type CheckpointStore struct {
	storage Storage
}

func NewCheckpointStore(storage Storage) *CheckpointStore {
	return &CheckpointStore{storage: storage}
}

func (c *CheckpointStore) path(jobID string) string {
	return fmt.Sprintf("checkpoints/%s.json", jobID)
}

func (c *CheckpointStore) Write(ctx context.Context, jobID, phaseTag string, state *narrative.State, acceptedSummary []string, outlines []agents.ActOutline, chapters []ChapterBuffer) error {
	checkpoint := &Checkpoint{
		JobID:                 jobID,
		PhaseTag:              phaseTag,
		NarrativeState:        state.Clone(),
		AcceptedScenesSummary: acceptedSummary,
		AcceptedSceneCount:    len(acceptedSummary),
		ActOutlines:           outlines,
		Chapters:              chapters,
		CreatedAt:             Now(),
	}
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	return c.storage.Save(ctx, c.path(jobID), data)
}

// ReadLatest returns nil, nil if no checkpoint exists yet for jobID —
// a fresh job, not an error. Any other Load failure (a genuine storage
// problem) is returned rather than silently treated as a fresh job.
func (c *CheckpointStore) ReadLatest(ctx context.Context, jobID string) (*Checkpoint, error) {
	data, err := c.storage.Load(ctx, c.path(jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("unmarshaling checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// Manuscript is the final persisted artifact (spec.md §3); written
// exactly once, on success.
type Manuscript struct {
	JobID   string         `json:"job_id"`
	Title   string         `json:"title"`
	Blurb   string         `json:"blurb"`
	Content string         `json:"content"`
	Stats   ManuscriptStats `json:"stats"`
}

type ManuscriptStats struct {
	WordCount    int `json:"word_count"`
	ChapterCount int `json:"chapter_count"`
	ActCount     int `json:"act_count"`
}

// ManuscriptSink writes the finished manuscript exactly once per job
// (spec.md §6.4).
type ManuscriptSink struct {
	storage Storage
}

func NewManuscriptSink(storage Storage) *ManuscriptSink {
	return &ManuscriptSink{storage: storage}
}

func (m *ManuscriptSink) Write(ctx context.Context, manuscript *Manuscript) error {
	data, err := json.MarshalIndent(manuscript, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manuscript: %w", err)
	}
	return m.storage.Save(ctx, fmt.Sprintf("manuscripts/%s.json", manuscript.JobID), data)
}

// Now is overridable in tests, mirroring narrative.Now — Date.now-style
// calls must stay mockable for deterministic checkpoint timestamps.
var Now = time.Now
