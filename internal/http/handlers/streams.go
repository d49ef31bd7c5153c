package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/shipper/internal/models"
	"github.com/jmylchreest/shipper/internal/shipper"
)

// StreamSupervisor is the view of the supervisor the stream endpoints need.
type StreamSupervisor interface {
	Statuses(now time.Time) []shipper.WorkerStatus
	Worker(streamKey string) (*shipper.Worker, bool)
	Refresh(ctx context.Context) error
}

// ChunkSnapshotter returns point-in-time copies of a stream's chunks.
type ChunkSnapshotter interface {
	Snapshot(streamKey string) []models.ChunkSnapshot
}

// StreamsHandler exposes supervised streams, their chunks and playlists.
type StreamsHandler struct {
	supervisor StreamSupervisor
	chunks     ChunkSnapshotter
	now        func() time.Time
}

// NewStreamsHandler creates a new streams handler.
func NewStreamsHandler(supervisor StreamSupervisor, chunks ChunkSnapshotter) *StreamsHandler {
	return &StreamsHandler{
		supervisor: supervisor,
		chunks:     chunks,
		now:        time.Now,
	}
}

// StreamKeyInput identifies a stream by path.
type StreamKeyInput struct {
	StreamKey string `path:"stream_key" doc:"Stream key" minLength:"1"`
}

// ListStreamsInput is the input for listing streams.
type ListStreamsInput struct{}

// ListStreamsOutput is the output for listing streams.
type ListStreamsOutput struct {
	Body StreamListResponse
}

// GetStreamOutput is the output for a single stream.
type GetStreamOutput struct {
	Body shipper.WorkerStatus
}

// ListChunksOutput is the output for listing a stream's chunks.
type ListChunksOutput struct {
	Body ChunkListResponse
}

// GetPlaylistOutput is the output for a stream's playlist window.
type GetPlaylistOutput struct {
	Body PlaylistResponse
}

// RefreshStreamsInput is the input for a discovery refresh.
type RefreshStreamsInput struct{}

// RefreshStreamsOutput is the output for a discovery refresh.
type RefreshStreamsOutput struct {
	Body StreamListResponse
}

// Register registers the stream routes with the API.
func (h *StreamsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listStreams",
		Method:      http.MethodGet,
		Path:        "/api/v1/streams",
		Summary:     "List streams",
		Description: "Returns the status of every supervised stream worker",
		Tags:        []string{"Streams"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getStream",
		Method:      http.MethodGet,
		Path:        "/api/v1/streams/{stream_key}",
		Summary:     "Get stream",
		Tags:        []string{"Streams"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "listStreamChunks",
		Method:      http.MethodGet,
		Path:        "/api/v1/streams/{stream_key}/chunks",
		Summary:     "List chunks",
		Description: "Returns the in-memory chunk window of a stream, ordered by sequence index",
		Tags:        []string{"Streams"},
	}, h.Chunks)

	huma.Register(api, huma.Operation{
		OperationID: "getStreamPlaylist",
		Method:      http.MethodGet,
		Path:        "/api/v1/streams/{stream_key}/playlist",
		Summary:     "Get playlist window",
		Tags:        []string{"Streams"},
	}, h.Playlist)

	huma.Register(api, huma.Operation{
		OperationID: "refreshStreams",
		Method:      http.MethodPost,
		Path:        "/api/v1/streams/refresh",
		Summary:     "Refresh streams",
		Description: "Reconciles stream workers with the chain registry immediately",
		Tags:        []string{"Streams"},
	}, h.Refresh)
}

// List returns every stream's status.
func (h *StreamsHandler) List(_ context.Context, _ *ListStreamsInput) (*ListStreamsOutput, error) {
	return &ListStreamsOutput{Body: StreamListResponse{Streams: h.statuses()}}, nil
}

// Get returns one stream's status.
func (h *StreamsHandler) Get(_ context.Context, input *StreamKeyInput) (*GetStreamOutput, error) {
	w, ok := h.supervisor.Worker(input.StreamKey)
	if !ok {
		return nil, huma.Error404NotFound("stream not found")
	}
	return &GetStreamOutput{Body: w.Status(h.now())}, nil
}

// Chunks returns a stream's chunk snapshots.
func (h *StreamsHandler) Chunks(_ context.Context, input *StreamKeyInput) (*ListChunksOutput, error) {
	if _, ok := h.supervisor.Worker(input.StreamKey); !ok {
		return nil, huma.Error404NotFound("stream not found")
	}
	chunks := h.chunks.Snapshot(input.StreamKey)
	if chunks == nil {
		chunks = []models.ChunkSnapshot{}
	}
	return &ListChunksOutput{Body: ChunkListResponse{StreamKey: input.StreamKey, Chunks: chunks}}, nil
}

// Playlist returns the entries currently in a stream's playlist window and,
// when any exist, the rendered HLS text.
func (h *StreamsHandler) Playlist(_ context.Context, input *StreamKeyInput) (*GetPlaylistOutput, error) {
	w, ok := h.supervisor.Worker(input.StreamKey)
	if !ok {
		return nil, huma.Error404NotFound("stream not found")
	}
	pl := w.Publisher().Playlist()
	resp := PlaylistResponse{StreamKey: input.StreamKey, Entries: pl.Entries()}
	if len(resp.Entries) > 0 {
		resp.HLS = pl.RenderHLS()
	}
	return &GetPlaylistOutput{Body: resp}, nil
}

// Refresh reconciles workers with the registry.
func (h *StreamsHandler) Refresh(ctx context.Context, _ *RefreshStreamsInput) (*RefreshStreamsOutput, error) {
	if err := h.supervisor.Refresh(ctx); err != nil {
		return nil, huma.Error502BadGateway("refreshing streams", err)
	}
	return &RefreshStreamsOutput{Body: StreamListResponse{Streams: h.statuses()}}, nil
}

func (h *StreamsHandler) statuses() []shipper.WorkerStatus {
	out := h.supervisor.Statuses(h.now())
	if out == nil {
		out = []shipper.WorkerStatus{}
	}
	return out
}
