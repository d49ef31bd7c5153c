package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/shipper/internal/scheduler"
)

// TaskRunner is the scheduler view the housekeeping endpoints need.
type TaskRunner interface {
	Status() []scheduler.TaskStatus
	RunNow(ctx context.Context, name string) error
}

// HousekeepingHandler exposes the cron housekeeping tasks.
type HousekeepingHandler struct {
	tasks TaskRunner
}

// NewHousekeepingHandler creates a new housekeeping handler.
func NewHousekeepingHandler(tasks TaskRunner) *HousekeepingHandler {
	return &HousekeepingHandler{tasks: tasks}
}

// ListTasksInput is the input for listing tasks.
type ListTasksInput struct{}

// ListTasksOutput is the output for listing tasks.
type ListTasksOutput struct {
	Body TaskListResponse
}

// RunTaskInput names the task to run.
type RunTaskInput struct {
	Name string `path:"name" doc:"Task name" enum:"scratch_cleanup,segment_prune,stream_discovery"`
}

// RunTaskOutput is the task's status after the run.
type RunTaskOutput struct {
	Body scheduler.TaskStatus
}

// Register registers the housekeeping routes with the API.
func (h *HousekeepingHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listHousekeepingTasks",
		Method:      http.MethodGet,
		Path:        "/api/v1/housekeeping",
		Summary:     "List housekeeping tasks",
		Tags:        []string{"Housekeeping"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "runHousekeepingTask",
		Method:      http.MethodPost,
		Path:        "/api/v1/housekeeping/{name}/run",
		Summary:     "Run a housekeeping task now",
		Tags:        []string{"Housekeeping"},
	}, h.Run)
}

// List returns every task's status.
func (h *HousekeepingHandler) List(_ context.Context, _ *ListTasksInput) (*ListTasksOutput, error) {
	return &ListTasksOutput{Body: TaskListResponse{Tasks: h.tasks.Status()}}, nil
}

// Run runs a task synchronously.
func (h *HousekeepingHandler) Run(ctx context.Context, input *RunTaskInput) (*RunTaskOutput, error) {
	if !h.registered(input.Name) {
		return nil, huma.Error404NotFound("task not registered")
	}
	if err := h.tasks.RunNow(ctx, input.Name); err != nil {
		return nil, huma.Error500InternalServerError("task failed", err)
	}
	for _, st := range h.tasks.Status() {
		if st.Name == input.Name {
			return &RunTaskOutput{Body: st}, nil
		}
	}
	return nil, huma.Error404NotFound("task not registered")
}

func (h *HousekeepingHandler) registered(name string) bool {
	for _, st := range h.tasks.Status() {
		if st.Name == name {
			return true
		}
	}
	return false
}
