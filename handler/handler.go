package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"zulip-draft-agent/internal/usecase"
)

// Commands accepted in the invocation payload. An empty command runs the
// draft pass, matching the scheduled-invocation default.
const (
	CommandDraftPass = "draft-pass"
	CommandSummary   = "summary"
	CommandListOpen  = "list-open"
	CommandRunAll    = "run-all"
)

// DraftRunner is the service surface the handler dispatches to.
type DraftRunner interface {
	RunDraftPass(ctx context.Context) (*usecase.PassReport, error)
	RunSummary(ctx context.Context) (string, error)
	ListOpenConversations(ctx context.Context) ([]usecase.OpenConversation, error)
}

// Request is the invocation payload, set on the EventBridge rule or passed
// on manual invocation.
type Request struct {
	Command string `json:"command"`
}

// Response reports what the invocation did. Fields are populated per
// command; run-all fills both the report and the summary.
type Response struct {
	Command       string                     `json:"command"`
	Report        *usecase.PassReport        `json:"report,omitempty"`
	Summary       string                     `json:"summary,omitempty"`
	Conversations []usecase.OpenConversation `json:"conversations,omitempty"`
}

type Handler struct {
	svc DraftRunner
}

func NewHandler(svc DraftRunner) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: draft runner must not be nil")
	}
	return &Handler{svc: svc}, nil
}

// Handle dispatches one invocation. Raw payloads that are not JSON objects
// (plain scheduled events) fall back to the default command.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) (Response, error) {
	var req Request
	if len(raw) > 0 {
		// Scheduled events without a command payload are tolerated.
		_ = json.Unmarshal(raw, &req)
	}

	command := strings.TrimSpace(req.Command)
	if command == "" {
		command = CommandDraftPass
	}

	switch command {
	case CommandDraftPass:
		report, err := h.svc.RunDraftPass(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{Command: command, Report: report}, nil

	case CommandSummary:
		summary, err := h.svc.RunSummary(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{Command: command, Summary: summary}, nil

	case CommandListOpen:
		convs, err := h.svc.ListOpenConversations(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{Command: command, Conversations: convs}, nil

	case CommandRunAll:
		report, err := h.svc.RunDraftPass(ctx)
		if err != nil {
			return Response{}, err
		}
		summary, err := h.svc.RunSummary(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{Command: command, Report: report, Summary: summary}, nil

	default:
		return Response{}, fmt.Errorf("handler: unknown command %q", command)
	}
}
