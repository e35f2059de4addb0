package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vampirenirmal/chronicle/internal/orchestrator"
)

// Storage is the minimal persistence surface the job store needs;
// internal/storage.FileSystem satisfies it, same as
// orchestrator.Storage.
type Storage interface {
	Save(ctx context.Context, path string, data []byte) error
	Load(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, pattern string) ([]string, error)
}

// JobStore owns JobRecord persistence and lifecycle transitions
// (spec.md §6.1, §6.2): the API layer creates a record as queued, the
// worker transitions it through running to a terminal state.
type JobStore struct {
	storage Storage
}

func NewJobStore(storage Storage) *JobStore {
	return &JobStore{storage: storage}
}

func (s *JobStore) path(id string) string {
	return fmt.Sprintf("jobs/%s.json", id)
}

func (s *JobStore) Create(ctx context.Context, id string, input orchestrator.JobInput) error {
	record := orchestrator.JobRecord{
		ID:        id,
		Input:     input,
		Status:    orchestrator.JobQueued,
		CreatedAt: orchestrator.Now(),
		UpdatedAt: orchestrator.Now(),
	}
	return s.save(ctx, record)
}

func (s *JobStore) save(ctx context.Context, record orchestrator.JobRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling job record: %w", err)
	}
	return s.storage.Save(ctx, s.path(record.ID), data)
}

func (s *JobStore) Load(ctx context.Context, id string) (orchestrator.JobRecord, error) {
	data, err := s.storage.Load(ctx, s.path(id))
	if err != nil {
		return orchestrator.JobRecord{}, fmt.Errorf("loading job record: %w", err)
	}
	var record orchestrator.JobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return orchestrator.JobRecord{}, fmt.Errorf("unmarshaling job record: %w", err)
	}
	return record, nil
}

// MarkRunning transitions a queued job to running; best-effort progress
// updates follow via Progress.
func (s *JobStore) MarkRunning(ctx context.Context, id string) error {
	record, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	record.Status = orchestrator.JobRunning
	record.UpdatedAt = orchestrator.Now()
	return s.save(ctx, record)
}

// Progress is best-effort: the caller may drop a write under load
// (spec.md §6.2), so it never surfaces load-shedding as an error —
// only a genuine storage failure is returned.
func (s *JobStore) Progress(ctx context.Context, id string, percent int, message string) error {
	record, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	record.Progress = percent
	record.Message = message
	record.UpdatedAt = orchestrator.Now()
	return s.save(ctx, record)
}

func (s *JobStore) Succeed(ctx context.Context, id string) error {
	record, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	record.Status = orchestrator.JobSucceeded
	record.Progress = 100
	record.UpdatedAt = orchestrator.Now()
	return s.save(ctx, record)
}

func (s *JobStore) Fail(ctx context.Context, id, classification, message string) error {
	record, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	record.Status = orchestrator.JobFailed
	record.Error = fmt.Sprintf("%s: %s", classification, message)
	record.UpdatedAt = orchestrator.Now()
	return s.save(ctx, record)
}
