package usecase

import (
	"context"
	"errors"
	"net/http"

	"zulip-draft-agent/internal/domain"
)

// DraftWriter is the messaging-platform surface the executor needs.
type DraftWriter interface {
	CreateDraft(ctx context.Context, target domain.DraftTarget, content string) (int64, error)
	UpdateDraft(ctx context.Context, draftID int64, content string) error
}

// Generator produces text for a fully assembled prompt. Failures propagate;
// empty content is never substituted.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ExecutionResult reports what actually happened for one action. Outcome can
// differ from the action type when a stale draft reference was downgraded
// from update to create.
type ExecutionResult struct {
	Outcome        domain.ActionType
	DraftID        int64
	StaleRecovered bool
}

// Executor performs decided draft actions: one external call per action and
// one store write per action, the write only after the call succeeds. Retire
// is store-only.
type Executor struct {
	store  TrackingStore
	drafts DraftWriter
	gen    Generator
}

func NewExecutor(store TrackingStore, drafts DraftWriter, gen Generator) (*Executor, error) {
	if store == nil {
		return nil, errors.New("usecase: tracking store must not be nil")
	}
	if drafts == nil {
		return nil, errors.New("usecase: draft writer must not be nil")
	}
	if gen == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	return &Executor{store: store, drafts: drafts, gen: gen}, nil
}

func (x *Executor) Execute(ctx context.Context, action domain.DraftAction, currentUser domain.UserRef, style string) (ExecutionResult, error) {
	switch action.Type {
	case domain.ActionCreate:
		content, err := x.generateReply(ctx, action, currentUser, style)
		if err != nil {
			return ExecutionResult{}, err
		}
		return x.create(ctx, action, content, false)
	case domain.ActionUpdate:
		return x.update(ctx, action, currentUser, style)
	case domain.ActionRetire:
		return x.retire(ctx, action)
	default:
		return ExecutionResult{}, newError(ErrorInternal, "unknown_action_type", nil)
	}
}

func (x *Executor) generateReply(ctx context.Context, action domain.DraftAction, currentUser domain.UserRef, style string) (string, error) {
	prompt := buildReplyPrompt(formatConversationContext(action.Context), currentUser.FullName, action.Kind, style)
	content, err := x.gen.Generate(ctx, prompt)
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
			return "", newError(ErrorRateLimited, "generation_rate_limited", err)
		}
		return "", newError(ErrorUpstream, "generation_error", err)
	}
	return content, nil
}

func (x *Executor) create(ctx context.Context, action domain.DraftAction, content string, recovered bool) (ExecutionResult, error) {
	draftID, err := x.drafts.CreateDraft(ctx, action.Target, content)
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
			return ExecutionResult{}, newError(ErrorRateLimited, "draft_create_rate_limited", err)
		}
		return ExecutionResult{}, newError(ErrorUpstream, "draft_create_error", err)
	}
	link := domain.DraftLink{
		ConversationKey: action.ConversationKey,
		DraftID:         draftID,
		ContentHash:     action.ContentHash,
		AutoUpdate:      true,
	}
	if err := x.store.PutDraftLink(ctx, link); err != nil {
		return ExecutionResult{}, newError(ErrorInternal, "draft_link_write_error", err)
	}
	return ExecutionResult{Outcome: domain.ActionCreate, DraftID: draftID, StaleRecovered: recovered}, nil
}

// update regenerates content for a live draft. A not-found response means
// the draft was deleted out-of-band: the stale link is cleared and the
// action downgrades to create with the already generated content, so
// recovery costs one extra external call and never a duplicate draft.
func (x *Executor) update(ctx context.Context, action domain.DraftAction, currentUser domain.UserRef, style string) (ExecutionResult, error) {
	content, err := x.generateReply(ctx, action, currentUser, style)
	if err != nil {
		return ExecutionResult{}, err
	}

	if err := x.drafts.UpdateDraft(ctx, action.DraftID, content); err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == http.StatusNotFound {
			if clearErr := x.store.ClearDraftID(ctx, action.ConversationKey); clearErr != nil {
				return ExecutionResult{}, newError(ErrorInternal, "draft_link_clear_error", clearErr)
			}
			return x.create(ctx, action, content, true)
		}
		if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
			return ExecutionResult{}, newError(ErrorRateLimited, "draft_update_rate_limited", err)
		}
		return ExecutionResult{}, newError(ErrorUpstream, "draft_update_error", err)
	}

	link := domain.DraftLink{
		ConversationKey: action.ConversationKey,
		DraftID:         action.DraftID,
		ContentHash:     action.ContentHash,
		AutoUpdate:      true,
	}
	if err := x.store.PutDraftLink(ctx, link); err != nil {
		return ExecutionResult{}, newError(ErrorInternal, "draft_link_write_error", err)
	}
	return ExecutionResult{Outcome: domain.ActionUpdate, DraftID: action.DraftID}, nil
}

// retire stops automatic updates for a conversation's draft without deleting
// it; the draft stays available for user review.
func (x *Executor) retire(ctx context.Context, action domain.DraftAction) (ExecutionResult, error) {
	link, err := x.store.GetDraftLink(ctx, action.ConversationKey)
	if err != nil {
		return ExecutionResult{}, newError(ErrorInternal, "draft_link_read_error", err)
	}
	if link == nil || link.DraftID == 0 || !link.AutoUpdate {
		return ExecutionResult{Outcome: domain.ActionRetire}, nil
	}
	link.AutoUpdate = false
	if err := x.store.PutDraftLink(ctx, *link); err != nil {
		return ExecutionResult{}, newError(ErrorInternal, "draft_link_write_error", err)
	}
	return ExecutionResult{Outcome: domain.ActionRetire, DraftID: link.DraftID}, nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
