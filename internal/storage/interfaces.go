package storage

import "context"

// Storage is the key/blob contract the orchestrator and queue packages
// persist checkpoints, manuscripts, and job records through, each under
// its own path prefix (checkpoints/, manuscripts/, jobs/). Save replaces
// whatever is already stored under the same path. orchestrator.Storage and queue.Storage both declare this
// same shape locally rather than importing it, so FileSystem satisfies
// them without either package depending on this one.
type Storage interface {
	Save(ctx context.Context, path string, data []byte) error
	Load(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, pattern string) ([]string, error)
}