package api

import (
	"context"
	"net/http"
	"slices"

	"github.com/danielgtaylor/huma/v2"

	"github.com/listenupapp/fswatch/internal/watcher"
)

func (s *Server) registerBackendRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "listBackends",
		Method:      http.MethodGet,
		Path:        "/api/v1/backends",
		Summary:     "List backends",
		Description: "Returns the backends that can be started on this host, in priority order",
		Tags:        []string{"Backends"},
	}, s.handleListBackends)
}

// BackendsResponse lists available backends.
type BackendsResponse struct {
	Available []string `json:"available" doc:"Backends that started successfully, best first"`
	Default   string   `json:"default,omitempty" doc:"Backend used when none is requested"`
	Known     []string `json:"known" doc:"Every backend this build knows"`
}

// BackendsOutput wraps the backends response for Huma.
type BackendsOutput struct {
	Body BackendsResponse
}

func (s *Server) handleListBackends(_ context.Context, _ *struct{}) (*BackendsOutput, error) {
	available := s.registry.Backends()

	resp := BackendsResponse{
		Available: make([]string, 0, len(available)),
		Known:     make([]string, 0, len(watcher.AllBackends)),
	}
	for _, b := range available {
		resp.Available = append(resp.Available, string(b))
	}
	for _, b := range watcher.AllBackends {
		resp.Known = append(resp.Known, string(b))
	}
	for _, b := range watcher.DefaultChain() {
		if slices.Contains(resp.Available, string(b)) {
			resp.Default = string(b)
			break
		}
	}

	return &BackendsOutput{Body: resp}, nil
}
