package zulip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"zulip-draft-agent/internal/domain"
	"zulip-draft-agent/internal/integrations/paramstore"
)

const fetchWindow = 100 // messages per narrow fetch

// credentialsPayload is the expected JSON shape stored in SSM for the API key.
type credentialsPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("zulip: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// apiResult is the envelope every Zulip endpoint returns.
type apiResult struct {
	Result string `json:"result"`
	Msg    string `json:"msg"`
}

type profileResponse struct {
	apiResult
	UserID   int    `json:"user_id"`
	FullName string `json:"full_name"`
}

type messagesResponse struct {
	apiResult
	Messages []wireMessage `json:"messages"`
}

type draftsResponse struct {
	apiResult
	IDs []int64 `json:"ids"`
}

// wireMessage is the minimal message shape returned by GET /messages.
// display_recipient is a stream name for stream messages and a participant
// array for private ones.
type wireMessage struct {
	ID               int64           `json:"id"`
	SenderID         int             `json:"sender_id"`
	SenderFullName   string          `json:"sender_full_name"`
	Type             string          `json:"type"`
	StreamID         int             `json:"stream_id"`
	Subject          string          `json:"subject"`
	Content          string          `json:"content"`
	Timestamp        int64           `json:"timestamp"`
	Flags            []string        `json:"flags"`
	DisplayRecipient json.RawMessage `json:"display_recipient"`
}

type wireRecipient struct {
	ID       int    `json:"id"`
	FullName string `json:"full_name"`
}

type wireDraft struct {
	Type      string `json:"type"`
	To        []int  `json:"to"`
	Topic     string `json:"topic"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Client is a focused Zulip REST client covering the message, draft, and
// profile endpoints the bot needs.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	credsOnce sync.Once
	site      string
	email     string
	apiKey    string
	credsErr  error
}

type Option func(*Client)

// WithBaseURL overrides the site URL stored in SSM. Intended for tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a new Client backed by the given paramstore Getter for
// credential retrieval. Site, email, and API key are fetched from SSM on the
// first call and reused for the lifetime of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("zulip: paramstore getter must not be nil")
	}
	paramPrefix, err := paramstore.NormalizePrefix(paramPrefix)
	if err != nil {
		return nil, fmt.Errorf("zulip: %w", err)
	}
	c := &Client{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveCredentials(ctx context.Context) error {
	c.credsOnce.Do(func() {
		c.site, c.email, c.apiKey, c.credsErr = fetchCredentials(ctx, c.getter, c.paramPrefix)
	})
	return c.credsErr
}

func fetchCredentials(ctx context.Context, getter Getter, prefix string) (site, email, apiKey string, err error) {
	site, err = getter.GetParameter(ctx, prefix+"/zulip/site")
	if err != nil {
		return "", "", "", fmt.Errorf("zulip: fetch site from paramstore: %w", err)
	}
	email, err = getter.GetParameter(ctx, prefix+"/zulip/email")
	if err != nil {
		return "", "", "", fmt.Errorf("zulip: fetch email from paramstore: %w", err)
	}
	raw, err := getter.GetParameter(ctx, prefix+"/zulip/api-token")
	if err != nil {
		return "", "", "", fmt.Errorf("zulip: fetch token from paramstore: %w", err)
	}
	var cp credentialsPayload
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return "", "", "", fmt.Errorf("zulip: unmarshal paramstore token value as JSON: %w", err)
	}
	if cp.Token == "" {
		return "", "", "", errors.New("zulip: API token is empty")
	}
	return strings.TrimRight(strings.TrimSpace(site), "/"), strings.TrimSpace(email), cp.Token, nil
}

func (c *Client) siteURL() string {
	if c.baseURL != "" {
		return strings.TrimRight(c.baseURL, "/")
	}
	return c.site
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// GetProfile fetches the configured user's identity.
func (c *Client) GetProfile(ctx context.Context) (domain.UserRef, error) {
	raw, err := c.doForm(ctx, http.MethodGet, "/api/v1/users/me", nil)
	if err != nil {
		return domain.UserRef{}, fmt.Errorf("zulip: get profile: %w", err)
	}
	var payload profileResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return domain.UserRef{}, fmt.Errorf("zulip: decode profile response: %w", decErr)
	}
	if payload.Result != "success" {
		return domain.UserRef{}, fmt.Errorf("zulip: get profile: %s", payload.Msg)
	}
	return domain.UserRef{ID: payload.UserID, FullName: payload.FullName}, nil
}

// FetchUnread returns the user's unread messages: all unread traffic plus an
// explicit unread-private narrow, deduplicated by message ID. The relevance
// filter (mentions only for streams) belongs to the reconciliation engine,
// which reads the mention flag carried on each message.
func (c *Client) FetchUnread(ctx context.Context) ([]domain.Message, error) {
	unread, err := c.getMessages(ctx, []narrowTerm{{Operator: "is", Operand: "unread"}})
	if err != nil {
		return nil, err
	}
	private, err := c.getMessages(ctx, []narrowTerm{
		{Operator: "is", Operand: "private"},
		{Operator: "is", Operand: "unread"},
	})
	if err != nil {
		return nil, err
	}

	seen := map[int64]bool{}
	msgs := make([]domain.Message, 0, len(unread)+len(private))
	for _, m := range append(unread, private...) {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		msgs = append(msgs, m)
	}
	return msgs, nil
}

type narrowTerm struct {
	Operator string `json:"operator"`
	Operand  string `json:"operand"`
}

func (c *Client) getMessages(ctx context.Context, narrow []narrowTerm) ([]domain.Message, error) {
	narrowJSON, err := json.Marshal(narrow)
	if err != nil {
		return nil, fmt.Errorf("zulip: marshal narrow: %w", err)
	}
	form := url.Values{
		"anchor":         {"newest"},
		"num_before":     {strconv.Itoa(fetchWindow)},
		"num_after":      {"0"},
		"narrow":         {string(narrowJSON)},
		"apply_markdown": {"false"},
	}
	raw, err := c.doForm(ctx, http.MethodGet, "/api/v1/messages", form)
	if err != nil {
		return nil, fmt.Errorf("zulip: get messages: %w", err)
	}
	var payload messagesResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return nil, fmt.Errorf("zulip: decode messages response: %w", decErr)
	}
	if payload.Result != "success" {
		return nil, fmt.Errorf("zulip: get messages: %s", payload.Msg)
	}

	msgs := make([]domain.Message, 0, len(payload.Messages))
	for _, wm := range payload.Messages {
		msgs = append(msgs, wm.toDomain())
	}
	return msgs, nil
}

func (wm wireMessage) toDomain() domain.Message {
	msg := domain.Message{
		ID:             wm.ID,
		SenderID:       wm.SenderID,
		SenderFullName: wm.SenderFullName,
		StreamID:       wm.StreamID,
		Topic:          wm.Subject,
		Content:        wm.Content,
		Timestamp:      wm.Timestamp,
		MentionsUser:   hasMentionFlag(wm.Flags),
	}
	switch wm.Type {
	case "stream":
		msg.Kind = domain.MessageStream
		var name string
		if err := json.Unmarshal(wm.DisplayRecipient, &name); err == nil {
			msg.StreamName = name
		}
	default:
		msg.Kind = domain.MessagePrivate
		var recipients []wireRecipient
		if err := json.Unmarshal(wm.DisplayRecipient, &recipients); err == nil {
			for _, r := range recipients {
				msg.Recipients = append(msg.Recipients, domain.Recipient{ID: r.ID, FullName: r.FullName})
			}
		}
	}
	return msg
}

func hasMentionFlag(flags []string) bool {
	for _, f := range flags {
		if f == "mentioned" || f == "wildcard_mentioned" {
			return true
		}
	}
	return false
}

// CreateDraft creates one draft and returns its external ID. The drafts
// endpoint takes an array and answers with the created IDs.
func (c *Client) CreateDraft(ctx context.Context, target domain.DraftTarget, content string) (int64, error) {
	draft := wireDraft{Content: content, Timestamp: time.Now().Unix()}
	switch target.Kind {
	case domain.MessageStream:
		if target.StreamID <= 0 || strings.TrimSpace(target.Topic) == "" {
			return 0, errors.New("zulip: create draft: stream drafts need a stream ID and topic")
		}
		draft.Type = "stream"
		draft.To = []int{target.StreamID}
		draft.Topic = strings.TrimSpace(target.Topic)
	case domain.MessagePrivate:
		if len(target.RecipientIDs) == 0 {
			return 0, errors.New("zulip: create draft: private drafts need recipients")
		}
		draft.Type = "private"
		draft.To = target.RecipientIDs
	default:
		return 0, fmt.Errorf("zulip: create draft: unknown target kind %q", target.Kind)
	}

	draftsJSON, err := json.Marshal([]wireDraft{draft})
	if err != nil {
		return 0, fmt.Errorf("zulip: marshal draft: %w", err)
	}
	raw, err := c.doForm(ctx, http.MethodPost, "/api/v1/drafts", url.Values{"drafts": {string(draftsJSON)}})
	if err != nil {
		return 0, fmt.Errorf("zulip: create draft: %w", err)
	}
	var payload draftsResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return 0, fmt.Errorf("zulip: decode drafts response: %w", decErr)
	}
	if payload.Result != "success" {
		return 0, fmt.Errorf("zulip: create draft: %s", payload.Msg)
	}
	if len(payload.IDs) == 0 {
		return 0, errors.New("zulip: create draft: no draft ID in response")
	}
	return payload.IDs[0], nil
}

// UpdateDraft replaces the content of an existing draft. A deleted draft
// surfaces as an HTTPStatusError with status 404.
func (c *Client) UpdateDraft(ctx context.Context, draftID int64, content string) error {
	path := "/api/v1/drafts/" + strconv.FormatInt(draftID, 10)
	raw, err := c.doForm(ctx, http.MethodPatch, path, url.Values{"content": {content}})
	if err != nil {
		return fmt.Errorf("zulip: update draft: %w", err)
	}
	var payload apiResult
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return fmt.Errorf("zulip: decode update draft response: %w", decErr)
	}
	if payload.Result != "success" {
		return fmt.Errorf("zulip: update draft: %s", payload.Msg)
	}
	return nil
}

// SendMessage posts a message to a stream topic.
func (c *Client) SendMessage(ctx context.Context, stream, topic, content string) error {
	form := url.Values{
		"type":    {"stream"},
		"to":      {stream},
		"topic":   {topic},
		"content": {content},
	}
	raw, err := c.doForm(ctx, http.MethodPost, "/api/v1/messages", form)
	if err != nil {
		return fmt.Errorf("zulip: send message: %w", err)
	}
	var payload apiResult
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return fmt.Errorf("zulip: decode send message response: %w", decErr)
	}
	if payload.Result != "success" {
		return fmt.Errorf("zulip: send message: %s", payload.Msg)
	}
	return nil
}

// doForm performs one form-encoded request with basic auth. GET parameters
// travel in the query string; other methods carry an encoded body.
func (c *Client) doForm(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	if err := c.resolveCredentials(ctx); err != nil {
		return nil, err
	}
	site := c.siteURL()
	if site == "" {
		return nil, errors.New("zulip: site URL is empty")
	}
	reqURL := site + path

	var body io.Reader
	if form != nil {
		if method == http.MethodGet {
			reqURL += "?" + form.Encode()
		} else {
			body = strings.NewReader(form.Encode())
		}
	}

	req, reqErr := http.NewRequestWithContext(ctx, method, reqURL, body)
	if reqErr != nil {
		return nil, fmt.Errorf("create request: %w", reqErr)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.SetBasicAuth(c.email, c.apiKey)

	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        reqURL,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
