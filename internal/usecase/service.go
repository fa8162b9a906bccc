package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"zulip-draft-agent/internal/domain"
)

const summaryTopicLayout = "2006-01-02 15:04"

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// MessagingClient is the platform surface consumed by the service: unread
// fetch, identity, draft writes, and summary posting.
type MessagingClient interface {
	DraftWriter
	GetProfile(ctx context.Context) (domain.UserRef, error)
	FetchUnread(ctx context.Context) ([]domain.Message, error)
	SendMessage(ctx context.Context, stream, topic, content string) error
}

// PassError is one skip or failure surfaced in a pass report, with enough
// context to diagnose and retry.
type PassError struct {
	ConversationKey string    `json:"conversationKey,omitempty"`
	MessageID       int64     `json:"messageId,omitempty"`
	Code            ErrorCode `json:"code"`
	Detail          string    `json:"detail"`
}

// PassReport summarizes one reconciliation pass.
type PassReport struct {
	PassID  string      `json:"passId"`
	Created int         `json:"created"`
	Updated int         `json:"updated"`
	Retired int         `json:"retired"`
	Skipped int         `json:"skipped"`
	Errors  []PassError `json:"errors,omitempty"`
}

// OpenConversation is one conversation still awaiting the user's reply.
type OpenConversation struct {
	ConversationKey string                  `json:"conversationKey"`
	Kind            domain.ConversationKind `json:"kind"`
	Descriptor      string                  `json:"descriptor,omitempty"`
	LastActivity    time.Time               `json:"lastActivity"`
	ReplyNeeded     bool                    `json:"replyNeeded"`
}

// DraftService wires the engine and executor behind the operations exposed
// to the scheduler layer.
type DraftService struct {
	params      ParamGetter
	messaging   MessagingClient
	gen         Generator
	store       TrackingStore
	engine      *Engine
	executor    *Executor
	paramPrefix string

	cacheMu           sync.RWMutex
	cacheLoaded       bool
	summaryStream     string
	styleInstructions string
}

func NewDraftService(p ParamGetter, mc MessagingClient, gen Generator, store TrackingStore, paramPrefix string) (*DraftService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if mc == nil {
		return nil, errors.New("usecase: messaging client must not be nil")
	}
	if gen == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: tracking store must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}

	engine, err := NewEngine(store)
	if err != nil {
		return nil, err
	}
	executor, err := NewExecutor(store, mc, gen)
	if err != nil {
		return nil, err
	}
	return &DraftService{
		params:      p,
		messaging:   mc,
		gen:         gen,
		store:       store,
		engine:      engine,
		executor:    executor,
		paramPrefix: paramPrefix,
	}, nil
}

// RunDraftPass fetches the unread batch, reconciles it against the tracking
// store, and executes the decided draft actions. Per-action failures land in
// the report; store failures abort the pass.
func (s *DraftService) RunDraftPass(ctx context.Context) (*PassReport, error) {
	if err := s.ensureConfig(ctx); err != nil {
		return nil, newError(ErrorInternal, "ssm_load_error", err)
	}
	user, err := s.messaging.GetProfile(ctx)
	if err != nil {
		return nil, newError(ErrorUpstream, "profile_error", err)
	}
	batch, err := s.messaging.FetchUnread(ctx)
	if err != nil {
		return nil, newError(ErrorUpstream, "unread_fetch_error", err)
	}
	batch = s.excludeSummaryStream(batch)

	res, err := s.engine.Reconcile(ctx, batch, user)
	if err != nil {
		return nil, err
	}

	report := &PassReport{PassID: newPassID(), Skipped: res.Skipped}
	for _, inv := range res.Invalid {
		report.Skipped++
		report.Errors = append(report.Errors, PassError{
			MessageID: inv.MessageID,
			Code:      ErrorInvalidMessage,
			Detail:    inv.Reason,
		})
	}

	for _, action := range res.Actions {
		out, execErr := s.executor.Execute(ctx, action, user, s.styleInstructions)
		if execErr != nil {
			code, detail := ErrorInternal, execErr.Error()
			var ucErr *Error
			if errors.As(execErr, &ucErr) {
				code, detail = ucErr.Code, ucErr.Reason
			}
			if code == ErrorInternal {
				// Store inconsistency: stop here, already executed
				// actions remain durably written.
				return nil, execErr
			}
			report.Errors = append(report.Errors, PassError{
				ConversationKey: action.ConversationKey,
				Code:            code,
				Detail:          detail,
			})
			continue
		}
		switch out.Outcome {
		case domain.ActionCreate:
			report.Created++
		case domain.ActionUpdate:
			report.Updated++
		case domain.ActionRetire:
			report.Retired++
		}
		if out.StaleRecovered {
			report.Errors = append(report.Errors, PassError{
				ConversationKey: action.ConversationKey,
				Code:            ErrorStaleDraft,
				Detail:          "stale_draft_recreated",
			})
		}
	}
	return report, nil
}

// RunSummary collects the unread batch, generates a digest, and posts it to
// the configured bot stream under a timestamped topic.
func (s *DraftService) RunSummary(ctx context.Context) (string, error) {
	if err := s.ensureConfig(ctx); err != nil {
		return "", newError(ErrorInternal, "ssm_load_error", err)
	}
	user, err := s.messaging.GetProfile(ctx)
	if err != nil {
		return "", newError(ErrorUpstream, "profile_error", err)
	}
	batch, err := s.messaging.FetchUnread(ctx)
	if err != nil {
		return "", newError(ErrorUpstream, "unread_fetch_error", err)
	}
	batch = s.excludeSummaryStream(batch)

	summary := "No unread messages to summarize."
	if len(batch) > 0 {
		sort.SliceStable(batch, func(i, j int) bool { return batch[i].Timestamp < batch[j].Timestamp })
		text, genErr := s.gen.Generate(ctx, buildSummaryPrompt(formatMessagesForSummary(batch), user.FullName))
		if genErr != nil {
			if status, ok := upstreamStatusCode(genErr); ok && status == 429 {
				return "", newError(ErrorRateLimited, "summary_rate_limited", genErr)
			}
			return "", newError(ErrorUpstream, "summary_generation_error", genErr)
		}
		summary = strings.TrimSpace(text)
		if summary == "" {
			return "", newError(ErrorUpstream, "summary_empty_response", nil)
		}
	}

	topic := "Summary " + now().UTC().Format(summaryTopicLayout)
	if err := s.messaging.SendMessage(ctx, s.summaryStream, topic, summary); err != nil {
		return "", newError(ErrorUpstream, "summary_post_error", err)
	}
	return summary, nil
}

// ListOpenConversations returns conversations still awaiting a reply,
// oldest activity first.
func (s *DraftService) ListOpenConversations(ctx context.Context) ([]OpenConversation, error) {
	convs, err := s.store.ListOpenConversations(ctx)
	if err != nil {
		return nil, newError(ErrorInternal, "store_list_error", err)
	}
	sort.SliceStable(convs, func(i, j int) bool { return convs[i].LastActivity < convs[j].LastActivity })

	out := make([]OpenConversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, OpenConversation{
			ConversationKey: c.Key,
			Kind:            c.Kind,
			Descriptor:      c.Descriptor,
			LastActivity:    time.Unix(c.LastActivity, 0).UTC(),
			ReplyNeeded:     c.ReplyNeeded,
		})
	}
	return out, nil
}

// excludeSummaryStream drops the bot's own summary stream from a batch so
// posted digests are never summarized or tracked.
func (s *DraftService) excludeSummaryStream(batch []domain.Message) []domain.Message {
	out := batch[:0:0]
	for _, m := range batch {
		if m.Kind == domain.MessageStream && m.StreamName == s.summaryStream {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *DraftService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	stream, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/summary_stream")
	if err != nil {
		return fmt.Errorf("usecase: load summary stream: %w", err)
	}
	style, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/style_instructions")
	if err != nil {
		return fmt.Errorf("usecase: load style instructions: %w", err)
	}

	s.summaryStream = strings.TrimSpace(stream)
	s.styleInstructions = strings.TrimSpace(style)
	s.cacheLoaded = true
	return nil
}

var newPassID = func() string {
	return uuid.NewString()
}
