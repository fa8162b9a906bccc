package usecase

import (
	"context"
	"errors"
	"sort"
	"time"

	"zulip-draft-agent/internal/domain"
)

// TrackingStore is the persistence surface for processed-message markers,
// conversation records, and draft linkage. The engine is the only writer of
// conversation and ledger rows; the executor owns the draft-link writes.
type TrackingStore interface {
	IsMessageProcessed(ctx context.Context, messageID int64) (bool, error)
	MarkMessageProcessed(ctx context.Context, rec domain.ProcessedMessage) error
	GetConversation(ctx context.Context, key string) (*domain.Conversation, error)
	PutConversation(ctx context.Context, conv domain.Conversation) error
	GetDraftLink(ctx context.Context, key string) (*domain.DraftLink, error)
	PutDraftLink(ctx context.Context, link domain.DraftLink) error
	ClearDraftID(ctx context.Context, key string) error
	ListOpenConversations(ctx context.Context) ([]domain.Conversation, error)
}

// InvalidMessage records a message that could not be resolved to a
// conversation and was excluded from the batch.
type InvalidMessage struct {
	MessageID int64
	Reason    string
}

// ReconcileResult is the outcome of one reconciliation pass over a batch.
// Actions are grouped by conversation in first-seen batch order.
type ReconcileResult struct {
	Actions []domain.DraftAction
	Skipped int
	Invalid []InvalidMessage
}

// Engine decides, per unread message, whether its conversation needs a draft
// created, updated, or retired. Decisions are idempotent against the
// processed-message ledger and the stored content hash: once a batch's
// actions have completed, replaying it emits nothing new, while actions
// that failed downstream are decided again on the next pass.
type Engine struct {
	store TrackingStore
}

func NewEngine(store TrackingStore) (*Engine, error) {
	if store == nil {
		return nil, errors.New("usecase: tracking store must not be nil")
	}
	return &Engine{store: store}, nil
}

// keyState accumulates per-conversation state while walking a batch.
type keyState struct {
	conv       domain.Conversation
	link       *domain.DraftLink
	linkLoaded bool
	context    []domain.Message
	actions    []domain.DraftAction
}

// push records a decided action. Consecutive create/update decisions for the
// same conversation collapse into the latest one; a retire closes the
// sequence and is never emitted twice in a row.
func (st *keyState) push(a domain.DraftAction) {
	n := len(st.actions)
	if n > 0 && st.actions[n-1].Type != domain.ActionRetire && a.Type != domain.ActionRetire {
		st.actions[n-1] = a
		return
	}
	st.actions = append(st.actions, a)
}

// hasPendingWrite reports whether a create or update is currently queued.
func (st *keyState) hasPendingWrite() bool {
	n := len(st.actions)
	return n > 0 && st.actions[n-1].Type != domain.ActionRetire
}

// Reconcile walks the batch oldest-first, updates conversation state, writes
// the ledger, and emits the draft actions for the executor. Store failures
// abort the pass; everything already written remains valid for the next run.
func (e *Engine) Reconcile(ctx context.Context, batch []domain.Message, currentUser domain.UserRef) (*ReconcileResult, error) {
	msgs := make([]domain.Message, len(batch))
	copy(msgs, batch)
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})

	res := &ReconcileResult{}
	states := map[string]*keyState{}
	history := map[string][]domain.Message{}
	var keyOrder []string

	for _, m := range msgs {
		processed, err := e.store.IsMessageProcessed(ctx, m.ID)
		if err != nil {
			return nil, newError(ErrorInternal, "ledger_read_error", err)
		}
		if processed {
			res.Skipped++
			// A replayed message is still unread, so it remains part of
			// the conversation context any draft decided this pass must
			// respond to.
			key, keyErr := ResolveKey(m, currentUser.ID)
			if keyErr != nil || !relevantToUser(m, currentUser.ID) {
				continue
			}
			if st := states[key]; st != nil {
				st.context = append(st.context, m)
			} else {
				history[key] = append(history[key], m)
			}
			continue
		}

		key, err := ResolveKey(m, currentUser.ID)
		if err != nil {
			res.Invalid = append(res.Invalid, InvalidMessage{MessageID: m.ID, Reason: errorReason(err)})
			continue
		}

		// Channel traffic only opens a conversation when the user is
		// addressed; the user's own replies stay relevant so retire
		// detection works for channel threads too.
		if !relevantToUser(m, currentUser.ID) {
			res.Skipped++
			continue
		}

		st := states[key]
		if st == nil {
			conv, err := e.store.GetConversation(ctx, key)
			if err != nil {
				return nil, newError(ErrorInternal, "conversation_read_error", err)
			}
			if conv == nil {
				conv = &domain.Conversation{
					Key:        key,
					Kind:       conversationKind(m.Kind),
					Descriptor: conversationDescriptor(m),
				}
			}
			st = &keyState{conv: *conv, context: append([]domain.Message(nil), history[key]...)}
			states[key] = st
			keyOrder = append(keyOrder, key)
		}

		fromUser := m.SenderID == currentUser.ID
		if fromUser {
			st.conv.ReplyNeeded = false
		} else {
			st.conv.ReplyNeeded = true
			st.conv.LastActivity = m.Timestamp
			st.conv.LastMessageID = m.ID
		}
		if st.conv.LastActivity == 0 {
			st.conv.LastActivity = m.Timestamp
			st.conv.LastMessageID = m.ID
		}
		if err := e.store.PutConversation(ctx, st.conv); err != nil {
			return nil, newError(ErrorInternal, "conversation_write_error", err)
		}

		// Ledger write happens even when no action results, so replays
		// are no-ops.
		rec := domain.ProcessedMessage{
			MessageID:       m.ID,
			ConversationKey: key,
			ProcessedAt:     now().UTC().Format(time.RFC3339),
		}
		if err := e.store.MarkMessageProcessed(ctx, rec); err != nil {
			return nil, newError(ErrorInternal, "ledger_write_error", err)
		}

		st.context = append(st.context, m)

		if st.conv.ReplyNeeded {
			if err := e.decideDraft(ctx, st, m, currentUser); err != nil {
				return nil, err
			}
		} else if fromUser {
			if err := e.decideRetire(ctx, st); err != nil {
				return nil, err
			}
		}
	}

	for _, key := range keyOrder {
		res.Actions = append(res.Actions, states[key].actions...)
	}

	sweep, err := e.sweepOpenConversations(ctx, states, history, currentUser)
	if err != nil {
		return nil, err
	}
	res.Actions = append(res.Actions, sweep...)
	return res, nil
}

// sweepOpenConversations re-emits draft actions for conversations that
// still need a reply but whose last decided action never completed.
// Their messages are already in the ledger, so the batch walk alone
// would leave them without a current draft; the context is rebuilt from
// the replayed unread messages. A conversation whose messages are no
// longer in the batch waits for its next incoming message.
func (e *Engine) sweepOpenConversations(ctx context.Context, states map[string]*keyState, history map[string][]domain.Message, currentUser domain.UserRef) ([]domain.DraftAction, error) {
	open, err := e.store.ListOpenConversations(ctx)
	if err != nil {
		return nil, newError(ErrorInternal, "conversation_list_error", err)
	}
	sort.SliceStable(open, func(i, j int) bool {
		if open[i].LastActivity != open[j].LastActivity {
			return open[i].LastActivity < open[j].LastActivity
		}
		return open[i].Key < open[j].Key
	})

	var actions []domain.DraftAction
	for _, conv := range open {
		if _, decided := states[conv.Key]; decided {
			continue
		}
		msgs := history[conv.Key]
		if len(msgs) == 0 {
			continue
		}
		link, err := e.store.GetDraftLink(ctx, conv.Key)
		if err != nil {
			return nil, newError(ErrorInternal, "draft_link_read_error", err)
		}

		hash := contextHash(msgs)
		action := domain.DraftAction{
			ConversationKey: conv.Key,
			Kind:            conv.Kind,
			Target:          draftTarget(msgs[len(msgs)-1], currentUser.ID),
			Context:         append([]domain.Message(nil), msgs...),
			ContentHash:     hash,
		}
		switch {
		case link == nil || link.DraftID == 0:
			action.Type = domain.ActionCreate
		case hash != link.ContentHash:
			action.Type = domain.ActionUpdate
			action.DraftID = link.DraftID
		default:
			continue
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// relevantToUser reports whether a message belongs to a conversation the
// bot tracks: all private traffic, channel messages addressing the user,
// and the user's own channel replies. Other channel chatter is noise.
func relevantToUser(m domain.Message, currentUserID int) bool {
	return m.Kind != domain.MessageStream || m.MentionsUser || m.SenderID == currentUserID
}

func (e *Engine) loadDraftLink(ctx context.Context, st *keyState) error {
	if st.linkLoaded {
		return nil
	}
	link, err := e.store.GetDraftLink(ctx, st.conv.Key)
	if err != nil {
		return newError(ErrorInternal, "draft_link_read_error", err)
	}
	st.link = link
	st.linkLoaded = true
	return nil
}

// decideDraft picks create vs update for a conversation that needs a reply.
// Unchanged content (same context hash as the last sync) emits nothing.
func (e *Engine) decideDraft(ctx context.Context, st *keyState, latest domain.Message, currentUser domain.UserRef) error {
	if err := e.loadDraftLink(ctx, st); err != nil {
		return err
	}

	hash := contextHash(st.context)
	action := domain.DraftAction{
		ConversationKey: st.conv.Key,
		Kind:            st.conv.Kind,
		Target:          draftTarget(latest, currentUser.ID),
		Context:         append([]domain.Message(nil), st.context...),
		ContentHash:     hash,
	}

	switch {
	case st.link == nil || st.link.DraftID == 0:
		action.Type = domain.ActionCreate
	case hash != st.link.ContentHash:
		action.Type = domain.ActionUpdate
		action.DraftID = st.link.DraftID
	default:
		return nil
	}
	st.push(action)
	return nil
}

// decideRetire queues a retire when the user's own reply lands on a
// conversation that has a live draft or a write pending in this batch.
func (e *Engine) decideRetire(ctx context.Context, st *keyState) error {
	if err := e.loadDraftLink(ctx, st); err != nil {
		return err
	}
	live := st.link != nil && st.link.DraftID != 0 && st.link.AutoUpdate
	if !live && !st.hasPendingWrite() {
		return nil
	}
	st.push(domain.DraftAction{
		Type:            domain.ActionRetire,
		ConversationKey: st.conv.Key,
		Kind:            st.conv.Kind,
	})
	return nil
}

// draftTarget derives where the drafted reply should be addressed.
func draftTarget(msg domain.Message, currentUserID int) domain.DraftTarget {
	if msg.Kind == domain.MessageStream {
		return domain.DraftTarget{Kind: domain.MessageStream, StreamID: msg.StreamID, Topic: msg.Topic}
	}
	return domain.DraftTarget{Kind: domain.MessagePrivate, RecipientIDs: otherParticipants(msg, currentUserID)}
}

func errorReason(err error) string {
	var ucErr *Error
	if errors.As(err, &ucErr) {
		return ucErr.Reason
	}
	return err.Error()
}

var now = time.Now
