package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alexjbarnes/room-sync/internal/slidingsync"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterTools adds the sync control tools to the given MCP server.
func RegisterTools(server *mcp.Server, ctrl Controller) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Show the sync session: watchdog state and timestamps, subscribed rooms with their profile and timeline limit, pending unfocus removals and list window bounds.",
	}, statusHandler(ctrl))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_focus_room",
		Description: "Subscribe a room with a deep timeline, as when the user opens it. Waits for the room to arrive when it is not known yet.",
	}, focusRoomHandler(ctrl))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_unfocus_room",
		Description: "Schedule removal of a room subscription after the grace window. Focusing the room again before then cancels the removal.",
	}, unfocusRoomHandler(ctrl))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_configure_list",
		Description: "Create or update a room list. Omitted fields keep their current value; a new list starts from the default template. Returns the effective definition.",
	}, configureListHandler(ctrl))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_resume",
		Description: "Nudge the sync connection as after returning to the foreground. Restarts it when no response arrives within the resume timeout.",
	}, resumeHandler(ctrl))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// FocusRoomInput holds parameters for sync_focus_room.
type FocusRoomInput struct {
	RoomID      string `json:"room_id" jsonschema:"required,Matrix room id, e.g. !abc:example.org"`
	WaitSeconds int    `json:"wait_seconds,omitempty" jsonschema:"how long to wait for an unknown room, defaults to 10"`
}

// UnfocusRoomInput holds parameters for sync_unfocus_room.
type UnfocusRoomInput struct {
	RoomID string `json:"room_id" jsonschema:"required,Matrix room id"`
}

// ConfigureListInput holds parameters for sync_configure_list.
type ConfigureListInput struct {
	ListID        string                   `json:"list_id" jsonschema:"required,list name"`
	Ranges        []slidingsync.Range      `json:"ranges,omitempty" jsonschema:"inclusive [start, end] index windows"`
	Sort          []string                 `json:"sort,omitempty" jsonschema:"sort order, e.g. by_recency"`
	Filters       *slidingsync.ListFilters `json:"filters,omitempty" jsonschema:"replaces the list filters as a whole"`
	TimelineLimit *int                     `json:"timeline_limit,omitempty" jsonschema:"timeline events per room"`
	RequiredState []slidingsync.StateKey   `json:"required_state,omitempty" jsonschema:"[event type, state key] pairs"`
}

// ResumeInput has no parameters.
type ResumeInput struct{}

// --- Output types ---

// RoomStatus describes one focused room.
type RoomStatus struct {
	RoomID        string `json:"room_id"`
	Profile       string `json:"profile"`
	TimelineLimit int    `json:"timeline_limit"`
}

// StatusResult is the output of sync_status.
type StatusResult struct {
	Supported      bool           `json:"supported"`
	Enabled        bool           `json:"enabled"`
	Visible        bool           `json:"visible"`
	Online         bool           `json:"online"`
	WatchdogState  string         `json:"watchdog_state,omitempty"`
	LastCompleteAt string         `json:"last_complete_at,omitempty"`
	Restarts       int            `json:"restarts"`
	Rooms          []RoomStatus   `json:"rooms"`
	PendingUnfocus int            `json:"pending_unfocus"`
	ListBounds     map[string]int `json:"list_bounds,omitempty"`
	ExpansionDone  bool           `json:"expansion_done"`
}

// FocusRoomResult is the output of sync_focus_room.
type FocusRoomResult struct {
	RoomID        string `json:"room_id"`
	Profile       string `json:"profile,omitempty"`
	TimelineLimit int    `json:"timeline_limit,omitempty"`
}

// UnfocusRoomResult is the output of sync_unfocus_room.
type UnfocusRoomResult struct {
	RoomID    string `json:"room_id"`
	Scheduled bool   `json:"scheduled"`
}

// ListResult is the output of sync_configure_list.
type ListResult struct {
	ListID     string                      `json:"list_id"`
	Definition slidingsync.ListDefinition `json:"definition"`
}

// ResumeResult is the output of sync_resume.
type ResumeResult struct {
	Restarted bool `json:"restarted"`
}

const defaultFocusWait = 10 * time.Second

var errEmptyID = errors.New("id must not be empty")

// --- Handlers ---

func statusHandler(ctrl Controller) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		result := newStatusResult(ctrl.Status())
		return textResult(result), result, nil
	}
}

func focusRoomHandler(ctrl Controller) mcp.ToolHandlerFor[FocusRoomInput, *FocusRoomResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input FocusRoomInput) (*mcp.CallToolResult, *FocusRoomResult, error) {
		if input.RoomID == "" {
			return nil, nil, fmt.Errorf("room_id: %w", errEmptyID)
		}

		wait := defaultFocusWait
		if input.WaitSeconds > 0 {
			wait = time.Duration(input.WaitSeconds) * time.Second
		}

		ctx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()

		if err := ctrl.FocusRoom(ctx, input.RoomID); err != nil {
			return nil, nil, fmt.Errorf("focusing %s: %w", input.RoomID, err)
		}

		result := &FocusRoomResult{RoomID: input.RoomID}
		if entry, ok := ctrl.Status().Rooms[input.RoomID]; ok {
			result.Profile = entry.Profile.String()
			result.TimelineLimit = entry.TimelineLimit
		}

		return textResult(result), result, nil
	}
}

func unfocusRoomHandler(ctrl Controller) mcp.ToolHandlerFor[UnfocusRoomInput, *UnfocusRoomResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input UnfocusRoomInput) (*mcp.CallToolResult, *UnfocusRoomResult, error) {
		if input.RoomID == "" {
			return nil, nil, fmt.Errorf("room_id: %w", errEmptyID)
		}

		ctrl.UnfocusRoom(input.RoomID)

		result := &UnfocusRoomResult{RoomID: input.RoomID, Scheduled: true}

		return textResult(result), result, nil
	}
}

func configureListHandler(ctrl Controller) mcp.ToolHandlerFor[ConfigureListInput, *ListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ConfigureListInput) (*mcp.CallToolResult, *ListResult, error) {
		if input.ListID == "" {
			return nil, nil, fmt.Errorf("list_id: %w", errEmptyID)
		}

		for i, r := range input.Ranges {
			if r[0] < 0 || r[1] < r[0] {
				return nil, nil, fmt.Errorf("range %d [%d, %d] is invalid", i, r[0], r[1])
			}
		}

		def, err := ctrl.ConfigureList(ctx, input.ListID, slidingsync.ListUpdate{
			Ranges:        input.Ranges,
			Sort:          input.Sort,
			Filters:       input.Filters,
			TimelineLimit: input.TimelineLimit,
			RequiredState: input.RequiredState,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("configuring list %s: %w", input.ListID, err)
		}

		result := &ListResult{ListID: input.ListID, Definition: def}

		return textResult(result), result, nil
	}
}

func resumeHandler(ctrl Controller) mcp.ToolHandlerFor[ResumeInput, *ResumeResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ResumeInput) (*mcp.CallToolResult, *ResumeResult, error) {
		restarted, err := ctrl.ResumeFromAppForeground(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("resuming: %w", err)
		}

		result := &ResumeResult{Restarted: restarted}

		return textResult(result), result, nil
	}
}

func newStatusResult(st slidingsync.Status) *StatusResult {
	result := &StatusResult{
		Supported:      st.Supported,
		Enabled:        st.Enabled,
		Visible:        st.Visible,
		Online:         st.Online,
		Rooms:          make([]RoomStatus, 0, len(st.Rooms)),
		PendingUnfocus: st.PendingUnfocus,
		ListBounds:     st.ListBounds,
		ExpansionDone:  st.ExpansionDone,
	}

	if st.Watchdog != nil {
		result.WatchdogState = st.Watchdog.State
		result.Restarts = st.Watchdog.Restarts

		if !st.Watchdog.LastCompleteAt.IsZero() {
			result.LastCompleteAt = st.Watchdog.LastCompleteAt.UTC().Format(time.RFC3339)
		}
	}

	for id, entry := range st.Rooms {
		result.Rooms = append(result.Rooms, RoomStatus{
			RoomID:        id,
			Profile:       entry.Profile.String(),
			TimelineLimit: entry.TimelineLimit,
		})
	}

	sort.Slice(result.Rooms, func(i, j int) bool { return result.Rooms[i].RoomID < result.Rooms[j].RoomID })

	return result
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
