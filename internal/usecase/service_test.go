package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zulip-draft-agent/internal/domain"
	"zulip-draft-agent/internal/integrations/zulip"
)

type mockParams struct {
	vals map[string]string
	err  error
}

func (m *mockParams) GetParameter(_ context.Context, name string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.vals[name]
	if !ok {
		return "", fmt.Errorf("param not found: %s", name)
	}
	return v, nil
}

func defaultParams() *mockParams {
	return &mockParams{
		vals: map[string]string{
			"/prefix/config/summary_stream":     "johannes_bot",
			"/prefix/config/style_instructions": "Keep it short.",
		},
	}
}

type fakeMessaging struct {
	fakeDrafts
	profile    domain.UserRef
	profileErr error
	unread     []domain.Message
	unreadErr  error
	sentStream string
	sentTopic  string
	sentBody   string
	sendErr    error
}

func (m *fakeMessaging) GetProfile(_ context.Context) (domain.UserRef, error) {
	if m.profileErr != nil {
		return domain.UserRef{}, m.profileErr
	}
	return m.profile, nil
}

func (m *fakeMessaging) FetchUnread(_ context.Context) ([]domain.Message, error) {
	if m.unreadErr != nil {
		return nil, m.unreadErr
	}
	return m.unread, nil
}

func (m *fakeMessaging) SendMessage(_ context.Context, stream, topic, content string) error {
	m.sentStream = stream
	m.sentTopic = topic
	m.sentBody = content
	return m.sendErr
}

func newTestDraftService(t *testing.T, p ParamGetter, mc MessagingClient, gen Generator, store TrackingStore) *DraftService {
	t.Helper()
	svc, err := NewDraftService(p, mc, gen, store, "/prefix")
	require.NoError(t, err)
	return svc
}

func fixedNow(t *testing.T, at time.Time) {
	t.Helper()
	now = func() time.Time { return at }
	t.Cleanup(func() { now = time.Now })
}

func TestNewDraftService_ValidatesDependencies(t *testing.T) {
	mc := &fakeMessaging{}
	gen := &fakeGen{}
	store := newFakeStore()

	_, err := NewDraftService(nil, mc, gen, store, "/prefix")
	require.Error(t, err)

	_, err = NewDraftService(defaultParams(), nil, gen, store, "/prefix")
	require.Error(t, err)

	_, err = NewDraftService(defaultParams(), mc, nil, store, "/prefix")
	require.Error(t, err)

	_, err = NewDraftService(defaultParams(), mc, gen, nil, "/prefix")
	require.Error(t, err)

	_, err = NewDraftService(defaultParams(), mc, gen, store, "  ")
	require.Error(t, err)
}

func TestRunDraftPass_CreatesDraftsForUnread(t *testing.T) {
	store := newFakeStore()
	mc := &fakeMessaging{
		profile: testUser,
		unread:  []domain.Message{privateFrom(100, 1000, 2, "Can you help?")},
	}
	mc.createID = 41
	gen := &fakeGen{text: "Happy to help."}
	svc := newTestDraftService(t, defaultParams(), mc, gen, store)

	report, err := svc.RunDraftPass(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, report.PassID)
	require.Equal(t, 1, report.Created)
	require.Zero(t, report.Updated)
	require.Zero(t, report.Retired)
	require.Zero(t, report.Skipped)
	require.Empty(t, report.Errors)

	require.Equal(t, int64(41), store.links["private:2"].DraftID)
	require.Contains(t, gen.prompts[0], "Keep it short.")
}

func TestRunDraftPass_SecondPassIsNoOp(t *testing.T) {
	store := newFakeStore()
	mc := &fakeMessaging{
		profile: testUser,
		unread:  []domain.Message{privateFrom(100, 1000, 2, "Can you help?")},
	}
	mc.createID = 41
	svc := newTestDraftService(t, defaultParams(), mc, &fakeGen{text: "draft"}, store)

	first, err := svc.RunDraftPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.Created)

	second, err := svc.RunDraftPass(context.Background())
	require.NoError(t, err)
	require.Zero(t, second.Created)
	require.Equal(t, 1, second.Skipped)
	require.Equal(t, 1, mc.createCalls)
}

func TestRunDraftPass_ExcludesSummaryStream(t *testing.T) {
	store := newFakeStore()
	botMsg := streamMsg(100, 1000, 2, true, "yesterday's digest")
	botMsg.StreamName = "johannes_bot"
	mc := &fakeMessaging{profile: testUser, unread: []domain.Message{botMsg}}
	svc := newTestDraftService(t, defaultParams(), mc, &fakeGen{text: "draft"}, store)

	report, err := svc.RunDraftPass(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Created)
	require.Zero(t, report.Skipped)
	require.Empty(t, store.processed)
}

func TestRunDraftPass_InvalidMessagesReported(t *testing.T) {
	store := newFakeStore()
	broken := streamMsg(100, 1000, 2, true, "no topic")
	broken.Topic = ""
	mc := &fakeMessaging{profile: testUser, unread: []domain.Message{broken}}
	svc := newTestDraftService(t, defaultParams(), mc, &fakeGen{text: "draft"}, store)

	report, err := svc.RunDraftPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Skipped)
	require.Len(t, report.Errors, 1)
	require.Equal(t, ErrorInvalidMessage, report.Errors[0].Code)
	require.Equal(t, "missing_topic", report.Errors[0].Detail)
	require.Equal(t, int64(100), report.Errors[0].MessageID)
}

func TestRunDraftPass_ActionFailure_IsReportedAndPassContinues(t *testing.T) {
	store := newFakeStore()
	mc := &fakeMessaging{
		profile: testUser,
		unread:  []domain.Message{privateFrom(100, 1000, 2, "Can you help?")},
	}
	gen := &fakeGen{err: &zulip.HTTPStatusError{StatusCode: http.StatusTooManyRequests}}
	svc := newTestDraftService(t, defaultParams(), mc, gen, store)

	report, err := svc.RunDraftPass(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Created)
	require.Len(t, report.Errors, 1)
	require.Equal(t, ErrorRateLimited, report.Errors[0].Code)
	require.Equal(t, "generation_rate_limited", report.Errors[0].Detail)
	require.Equal(t, "private:2", report.Errors[0].ConversationKey)

	// The message is marked processed, so the next unread fetch moves on.
	_, marked := store.processed[100]
	require.True(t, marked)
}

type transientGen struct {
	fakeGen
	failOnce bool
}

func (g *transientGen) Generate(ctx context.Context, prompt string) (string, error) {
	if g.failOnce {
		g.failOnce = false
		return "", &zulip.HTTPStatusError{StatusCode: http.StatusTooManyRequests}
	}
	return g.fakeGen.Generate(ctx, prompt)
}

func TestRunDraftPass_FailedCreateIsRetriedOnNextPass(t *testing.T) {
	store := newFakeStore()
	mc := &fakeMessaging{
		profile: testUser,
		unread:  []domain.Message{privateFrom(100, 1000, 2, "Can you help?")},
	}
	mc.createID = 41
	gen := &transientGen{fakeGen: fakeGen{text: "Happy to help."}, failOnce: true}
	svc := newTestDraftService(t, defaultParams(), mc, gen, store)

	first, err := svc.RunDraftPass(context.Background())
	require.NoError(t, err)
	require.Zero(t, first.Created)
	require.Len(t, first.Errors, 1)
	require.Equal(t, ErrorRateLimited, first.Errors[0].Code)
	require.Empty(t, store.links)

	// The message stays unread, so the next scheduled pass picks the
	// conversation back up and completes the draft.
	second, err := svc.RunDraftPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, second.Created)
	require.Equal(t, 1, second.Skipped)
	require.Empty(t, second.Errors)
	require.Equal(t, int64(41), store.links["private:2"].DraftID)
	require.Contains(t, gen.prompts[0], "Can you help?")
}

func TestRunDraftPass_InternalExecutionError_AbortsPass(t *testing.T) {
	store := newFakeStore()
	store.linkWriteErr = errors.New("dynamodb down")
	mc := &fakeMessaging{
		profile: testUser,
		unread:  []domain.Message{privateFrom(100, 1000, 2, "Can you help?")},
	}
	mc.createID = 41
	svc := newTestDraftService(t, defaultParams(), mc, &fakeGen{text: "draft"}, store)

	_, err := svc.RunDraftPass(context.Background())
	expectUsecaseError(t, err, ErrorInternal, "draft_link_write_error")
}

func TestRunDraftPass_StaleDraftRecoveryReported(t *testing.T) {
	store := newFakeStore()
	store.convs["private:2"] = domain.Conversation{
		Key:         "private:2",
		Kind:        domain.ConversationPrivate,
		ReplyNeeded: true,
	}
	store.links["private:2"] = domain.DraftLink{
		ConversationKey: "private:2",
		DraftID:         77,
		ContentHash:     "old-hash",
		AutoUpdate:      true,
	}
	mc := &fakeMessaging{
		profile: testUser,
		unread:  []domain.Message{privateFrom(100, 1000, 2, "Still there?")},
	}
	mc.createID = 99
	mc.updateErr = &zulip.HTTPStatusError{StatusCode: http.StatusNotFound}
	svc := newTestDraftService(t, defaultParams(), mc, &fakeGen{text: "regenerated"}, store)

	report, err := svc.RunDraftPass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Created)
	require.Len(t, report.Errors, 1)
	require.Equal(t, ErrorStaleDraft, report.Errors[0].Code)
	require.Equal(t, "stale_draft_recreated", report.Errors[0].Detail)
	require.Equal(t, int64(99), store.links["private:2"].DraftID)
}

func TestRunDraftPass_UpstreamErrors(t *testing.T) {
	store := newFakeStore()

	svc := newTestDraftService(t, &mockParams{err: errors.New("ssm unavailable")}, &fakeMessaging{}, &fakeGen{}, store)
	_, err := svc.RunDraftPass(context.Background())
	expectUsecaseError(t, err, ErrorInternal, "ssm_load_error")

	svc = newTestDraftService(t, defaultParams(), &fakeMessaging{profileErr: errors.New("401")}, &fakeGen{}, store)
	_, err = svc.RunDraftPass(context.Background())
	expectUsecaseError(t, err, ErrorUpstream, "profile_error")

	svc = newTestDraftService(t, defaultParams(), &fakeMessaging{profile: testUser, unreadErr: errors.New("timeout")}, &fakeGen{}, store)
	_, err = svc.RunDraftPass(context.Background())
	expectUsecaseError(t, err, ErrorUpstream, "unread_fetch_error")
}

func TestRunSummary_EmptyBatch_PostsPlaceholder(t *testing.T) {
	fixedNow(t, time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC))
	mc := &fakeMessaging{profile: testUser}
	gen := &fakeGen{}
	svc := newTestDraftService(t, defaultParams(), mc, gen, newFakeStore())

	summary, err := svc.RunSummary(context.Background())
	require.NoError(t, err)
	require.Equal(t, "No unread messages to summarize.", summary)
	require.Equal(t, "johannes_bot", mc.sentStream)
	require.Equal(t, "Summary 2025-06-02 09:30", mc.sentTopic)
	require.Equal(t, summary, mc.sentBody)
	require.Empty(t, gen.prompts)
}

func TestRunSummary_GeneratesAndPostsDigest(t *testing.T) {
	mc := &fakeMessaging{
		profile: testUser,
		unread: []domain.Message{
			streamMsg(101, 1001, 3, false, "deploy went fine"),
			privateFrom(100, 1000, 2, "lunch tomorrow?"),
		},
	}
	gen := &fakeGen{text: "  Two things need your attention.  "}
	svc := newTestDraftService(t, defaultParams(), mc, gen, newFakeStore())

	summary, err := svc.RunSummary(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Two things need your attention.", summary)
	require.Equal(t, summary, mc.sentBody)

	require.Len(t, gen.prompts, 1)
	require.Contains(t, gen.prompts[0], "Johannes")
	require.Contains(t, gen.prompts[0], "lunch tomorrow?")
	require.Contains(t, gen.prompts[0], "deploy went fine")
	// Oldest first in the digest.
	require.Less(t,
		indexOf(t, gen.prompts[0], "lunch tomorrow?"),
		indexOf(t, gen.prompts[0], "deploy went fine"))
}

func TestRunSummary_ExcludesOwnSummaryStream(t *testing.T) {
	botMsg := streamMsg(100, 1000, 2, false, "yesterday's digest")
	botMsg.StreamName = "johannes_bot"
	mc := &fakeMessaging{profile: testUser, unread: []domain.Message{botMsg}}
	gen := &fakeGen{}
	svc := newTestDraftService(t, defaultParams(), mc, gen, newFakeStore())

	summary, err := svc.RunSummary(context.Background())
	require.NoError(t, err)
	require.Equal(t, "No unread messages to summarize.", summary)
	require.Empty(t, gen.prompts)
}

func TestRunSummary_Errors(t *testing.T) {
	store := newFakeStore()
	unread := []domain.Message{privateFrom(100, 1000, 2, "hello")}

	mc := &fakeMessaging{profile: testUser, unread: unread}
	gen := &fakeGen{err: &zulip.HTTPStatusError{StatusCode: http.StatusTooManyRequests}}
	svc := newTestDraftService(t, defaultParams(), mc, gen, store)
	_, err := svc.RunSummary(context.Background())
	expectUsecaseError(t, err, ErrorRateLimited, "summary_rate_limited")

	mc = &fakeMessaging{profile: testUser, unread: unread}
	svc = newTestDraftService(t, defaultParams(), mc, &fakeGen{err: errors.New("model down")}, store)
	_, err = svc.RunSummary(context.Background())
	expectUsecaseError(t, err, ErrorUpstream, "summary_generation_error")

	mc = &fakeMessaging{profile: testUser, unread: unread}
	svc = newTestDraftService(t, defaultParams(), mc, &fakeGen{text: "   "}, store)
	_, err = svc.RunSummary(context.Background())
	expectUsecaseError(t, err, ErrorUpstream, "summary_empty_response")

	mc = &fakeMessaging{profile: testUser, unread: unread, sendErr: errors.New("stream missing")}
	svc = newTestDraftService(t, defaultParams(), mc, &fakeGen{text: "digest"}, store)
	_, err = svc.RunSummary(context.Background())
	expectUsecaseError(t, err, ErrorUpstream, "summary_post_error")
}

func TestListOpenConversations_SortsOldestFirst(t *testing.T) {
	store := newFakeStore()
	store.convs["private:2"] = domain.Conversation{
		Key:          "private:2",
		Kind:         domain.ConversationPrivate,
		Descriptor:   "User 2",
		LastActivity: 2000,
		ReplyNeeded:  true,
	}
	store.convs["stream:7:deploys"] = domain.Conversation{
		Key:          "stream:7:deploys",
		Kind:         domain.ConversationChannelMention,
		Descriptor:   "#engineering > deploys",
		LastActivity: 1000,
		ReplyNeeded:  true,
	}
	store.convs["private:3"] = domain.Conversation{
		Key:          "private:3",
		LastActivity: 500,
		ReplyNeeded:  false,
	}
	svc := newTestDraftService(t, defaultParams(), &fakeMessaging{}, &fakeGen{}, store)

	out, err := svc.ListOpenConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "stream:7:deploys", out[0].ConversationKey)
	require.Equal(t, "#engineering > deploys", out[0].Descriptor)
	require.Equal(t, time.Unix(1000, 0).UTC(), out[0].LastActivity)
	require.Equal(t, "private:2", out[1].ConversationKey)
	require.True(t, out[1].ReplyNeeded)
}

func TestListOpenConversations_StoreError(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("dynamodb down")
	svc := newTestDraftService(t, defaultParams(), &fakeMessaging{}, &fakeGen{}, store)

	_, err := svc.ListOpenConversations(context.Background())
	expectUsecaseError(t, err, ErrorInternal, "store_list_error")
}

func TestEnsureConfig_FailureIsRetriedOnNextRun(t *testing.T) {
	params := &transientParams{mockParams: defaultParams(), failOnce: true}
	mc := &fakeMessaging{profile: testUser}
	svc := newTestDraftService(t, params, mc, &fakeGen{}, newFakeStore())

	_, err := svc.RunDraftPass(context.Background())
	expectUsecaseError(t, err, ErrorInternal, "ssm_load_error")

	report, err := svc.RunDraftPass(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Created)
}

type transientParams struct {
	*mockParams
	failOnce bool
}

func (p *transientParams) GetParameter(ctx context.Context, name string) (string, error) {
	if p.failOnce {
		p.failOnce = false
		return "", errors.New("temporary ssm failure")
	}
	return p.mockParams.GetParameter(ctx, name)
}

func indexOf(t *testing.T, haystack, needle string) int {
	t.Helper()
	idx := strings.Index(haystack, needle)
	require.GreaterOrEqual(t, idx, 0)
	return idx
}
