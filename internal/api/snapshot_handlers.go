package api

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/listenupapp/fswatch/internal/catalog"
	"github.com/listenupapp/fswatch/internal/watcher"
)

func (s *Server) registerSnapshotRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "createSnapshot",
		Method:      http.MethodPost,
		Path:        "/api/v1/snapshots",
		Summary:     "Create snapshot",
		Description: "Records the current state of a directory so later changes can be queried",
		Tags:        []string{"Snapshots"},
		Middlewares: huma.Middlewares{s.rateLimited},
	}, s.handleCreateSnapshot)

	huma.Register(s.api, huma.Operation{
		OperationID: "listSnapshots",
		Method:      http.MethodGet,
		Path:        "/api/v1/snapshots",
		Summary:     "List snapshots",
		Description: "Returns every recorded snapshot, oldest first",
		Tags:        []string{"Snapshots"},
	}, s.handleListSnapshots)

	huma.Register(s.api, huma.Operation{
		OperationID: "getSnapshot",
		Method:      http.MethodGet,
		Path:        "/api/v1/snapshots/{id}",
		Summary:     "Get snapshot",
		Description: "Returns a snapshot by ID or name",
		Tags:        []string{"Snapshots"},
	}, s.handleGetSnapshot)

	huma.Register(s.api, huma.Operation{
		OperationID: "getSnapshotEvents",
		Method:      http.MethodGet,
		Path:        "/api/v1/snapshots/{id}/events",
		Summary:     "Get changes since snapshot",
		Description: "Returns the net changes under the snapshot's root since it was taken",
		Tags:        []string{"Snapshots"},
		Middlewares: huma.Middlewares{s.rateLimited},
	}, s.handleGetSnapshotEvents)

	huma.Register(s.api, huma.Operation{
		OperationID:   "deleteSnapshot",
		Method:        http.MethodDelete,
		Path:          "/api/v1/snapshots/{id}",
		Summary:       "Delete snapshot",
		Description:   "Deletes a snapshot record and its file",
		Tags:          []string{"Snapshots"},
		DefaultStatus: http.StatusNoContent,
	}, s.handleDeleteSnapshot)
}

// === DTOs ===

// CreateSnapshotRequest is the request body for creating a snapshot.
type CreateSnapshotRequest struct {
	Root        string   `json:"root" validate:"required,abspath" doc:"Absolute directory to snapshot"`
	Name        string   `json:"name,omitempty" validate:"max=128" doc:"Optional unique name"`
	Backend     string   `json:"backend,omitempty" validate:"omitempty,backend" doc:"Backend to use (default: best available)"`
	Ignore      []string `json:"ignore,omitempty" doc:"Directories to exclude"`
	IgnoreGlobs []string `json:"ignore_globs,omitempty" doc:"Glob patterns to exclude"`
}

// CreateSnapshotInput wraps the create request for Huma.
type CreateSnapshotInput struct {
	Body CreateSnapshotRequest
}

// SnapshotIDInput addresses a snapshot by ID or name.
type SnapshotIDInput struct {
	ID string `path:"id" doc:"Snapshot ID or name"`
}

// SnapshotResponse contains snapshot data in API responses.
type SnapshotResponse struct {
	ID          string    `json:"id" doc:"Snapshot ID"`
	Name        string    `json:"name,omitempty" doc:"Snapshot name"`
	Root        string    `json:"root" doc:"Snapshotted directory"`
	Backend     string    `json:"backend" doc:"Backend that wrote the snapshot"`
	Ignore      []string  `json:"ignore,omitempty" doc:"Excluded directories"`
	IgnoreGlobs []string  `json:"ignore_globs,omitempty" doc:"Excluded glob patterns"`
	CreatedAt   time.Time `json:"created_at" doc:"Creation time"`
}

// SnapshotOutput wraps a single snapshot for Huma.
type SnapshotOutput struct {
	Body SnapshotResponse
}

// ListSnapshotsOutput wraps the snapshot list for Huma.
type ListSnapshotsOutput struct {
	Body struct {
		Snapshots []SnapshotResponse `json:"snapshots" doc:"Snapshots, oldest first"`
	}
}

// SnapshotEventsOutput contains the changes since a snapshot.
type SnapshotEventsOutput struct {
	Body struct {
		Snapshot SnapshotResponse `json:"snapshot" doc:"The snapshot queried"`
		Events   []watcher.Event  `json:"events" doc:"Net changes, sorted by path"`
	}
}

func toSnapshotResponse(s *catalog.Snapshot) SnapshotResponse {
	return SnapshotResponse{
		ID:          s.ID,
		Name:        s.Name,
		Root:        s.Root,
		Backend:     s.Backend,
		Ignore:      s.Ignore,
		IgnoreGlobs: s.IgnoreGlobs,
		CreatedAt:   s.CreatedAt,
	}
}

// === Handlers ===

func (s *Server) handleCreateSnapshot(ctx context.Context, input *CreateSnapshotInput) (*SnapshotOutput, error) {
	if err := s.validator.Validate(input.Body); err != nil {
		return nil, apiError(err)
	}

	backend := input.Body.Backend
	if backend == "" {
		backend = string(s.defaults.Backend)
	}
	snap := &catalog.Snapshot{
		Name:        input.Body.Name,
		Root:        input.Body.Root,
		Backend:     string(watcher.ParseBackendType(backend)),
		Ignore:      slices.Concat(s.defaults.Ignore, input.Body.Ignore),
		IgnoreGlobs: slices.Concat(s.defaults.IgnoreGlobs, input.Body.IgnoreGlobs),
	}

	err := s.catalog.Create(ctx, snap, func(ctx context.Context, path string) error {
		return s.registry.WriteSnapshot(ctx, snap.Root, path, snap.Options())
	})
	if err != nil {
		return nil, apiError(err)
	}

	s.logger.Info("snapshot created", "id", snap.ID, "root", snap.Root, "backend", snap.Backend)
	return &SnapshotOutput{Body: toSnapshotResponse(snap)}, nil
}

func (s *Server) handleListSnapshots(ctx context.Context, _ *struct{}) (*ListSnapshotsOutput, error) {
	snaps, err := s.catalog.List(ctx)
	if err != nil {
		return nil, apiError(err)
	}

	out := &ListSnapshotsOutput{}
	out.Body.Snapshots = make([]SnapshotResponse, 0, len(snaps))
	for _, snap := range snaps {
		out.Body.Snapshots = append(out.Body.Snapshots, toSnapshotResponse(snap))
	}
	return out, nil
}

func (s *Server) handleGetSnapshot(ctx context.Context, input *SnapshotIDInput) (*SnapshotOutput, error) {
	snap, err := s.catalog.Lookup(ctx, input.ID)
	if err != nil {
		return nil, apiError(err)
	}
	return &SnapshotOutput{Body: toSnapshotResponse(snap)}, nil
}

func (s *Server) handleGetSnapshotEvents(ctx context.Context, input *SnapshotIDInput) (*SnapshotEventsOutput, error) {
	snap, err := s.catalog.Lookup(ctx, input.ID)
	if err != nil {
		return nil, apiError(err)
	}

	events, err := s.registry.GetEventsSince(ctx, snap.Root, snap.Path, snap.Options())
	if err != nil {
		return nil, apiError(err)
	}

	out := &SnapshotEventsOutput{}
	out.Body.Snapshot = toSnapshotResponse(snap)
	out.Body.Events = events
	if out.Body.Events == nil {
		out.Body.Events = []watcher.Event{}
	}
	return out, nil
}

func (s *Server) handleDeleteSnapshot(ctx context.Context, input *SnapshotIDInput) (*struct{}, error) {
	snap, err := s.catalog.Lookup(ctx, input.ID)
	if err != nil {
		return nil, apiError(err)
	}
	if err := s.catalog.Delete(ctx, snap.ID); err != nil {
		return nil, apiError(err)
	}
	return nil, nil
}
