package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"zulip-draft-agent/internal/domain"
)

const (
	pkMsgPrefix  = "MSG#"
	pkConvPrefix = "CONV#"
	skProcessed  = "PROC#"
	skMeta       = "META#"
	skDraft      = "DRAFT#"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Client wraps a DynamoDB table holding the processed-message ledger,
// conversation records, and draft links in a single-table layout.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new tracking-store Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

func msgPK(messageID int64) string {
	return pkMsgPrefix + strconv.FormatInt(messageID, 10)
}

func convPK(key string) string {
	return pkConvPrefix + key
}

// IsMessageProcessed reports whether a message ID is present in the ledger.
func (c *Client) IsMessageProcessed(ctx context.Context, messageID int64) (bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: msgPK(messageID)},
			"SK": &types.AttributeValueMemberS{Value: skProcessed},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("repository: IsMessageProcessed get item: %w", err)
	}
	return out != nil && len(out.Item) > 0, nil
}

// MarkMessageProcessed appends a ledger row. The conditional put makes the
// ledger append-only: a row written by an overlapping run is not an error.
func (c *Client) MarkMessageProcessed(ctx context.Context, rec domain.ProcessedMessage) error {
	if rec.MessageID <= 0 {
		return errors.New("repository: MarkMessageProcessed: message ID is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":          &types.AttributeValueMemberS{Value: msgPK(rec.MessageID)},
			"SK":          &types.AttributeValueMemberS{Value: skProcessed},
			"messageId":   &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.MessageID, 10)},
			"convKey":     &types.AttributeValueMemberS{Value: rec.ConversationKey},
			"processedAt": &types.AttributeValueMemberS{Value: rec.ProcessedAt},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return nil
		}
		return fmt.Errorf("repository: MarkMessageProcessed: %w", err)
	}
	return nil
}

// GetConversation returns the conversation record for a key, or nil when the
// conversation has never been tracked.
func (c *Client) GetConversation(ctx context.Context, key string) (*domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(key)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	return &conv, nil
}

// PutConversation writes or replaces the conversation record.
func (c *Client) PutConversation(ctx context.Context, conv domain.Conversation) error {
	if strings.TrimSpace(conv.Key) == "" {
		return errors.New("repository: PutConversation: conversation key is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      conversationItem(conv),
	})
	if err != nil {
		return fmt.Errorf("repository: PutConversation: %w", err)
	}
	return nil
}

// GetDraftLink returns the draft link for a conversation key, or nil when no
// draft has ever been linked.
func (c *Client) GetDraftLink(ctx context.Context, key string) (*domain.DraftLink, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(key)},
			"SK": &types.AttributeValueMemberS{Value: skDraft},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetDraftLink get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	link, err := itemToDraftLink(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: GetDraftLink decode: %w", err)
	}
	return &link, nil
}

// PutDraftLink writes or replaces the draft link for a conversation.
func (c *Client) PutDraftLink(ctx context.Context, link domain.DraftLink) error {
	if strings.TrimSpace(link.ConversationKey) == "" {
		return errors.New("repository: PutDraftLink: conversation key is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      draftLinkItem(link),
	})
	if err != nil {
		return fmt.Errorf("repository: PutDraftLink: %w", err)
	}
	return nil
}

// ClearDraftID marks a conversation's draft reference as stale by zeroing
// the external ID. A no-op when no link exists.
func (c *Client) ClearDraftID(ctx context.Context, key string) error {
	link, err := c.GetDraftLink(ctx, key)
	if err != nil {
		return fmt.Errorf("repository: ClearDraftID: %w", err)
	}
	if link == nil {
		return nil
	}
	link.DraftID = 0
	link.ContentHash = ""
	if err := c.PutDraftLink(ctx, *link); err != nil {
		return fmt.Errorf("repository: ClearDraftID: %w", err)
	}
	return nil
}

// ListOpenConversations scans for conversation records with the reply-needed
// flag set, following pagination until the scan is exhausted.
func (c *Client) ListOpenConversations(ctx context.Context) ([]domain.Conversation, error) {
	var convs []domain.Conversation
	var startKey map[string]types.AttributeValue

	for {
		out, err := c.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(c.tableName),
			FilterExpression: aws.String("SK = :meta AND replyNeeded = :needed"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":meta":   &types.AttributeValueMemberS{Value: skMeta},
				":needed": &types.AttributeValueMemberBOOL{Value: true},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: ListOpenConversations scan: %w", err)
		}
		for _, item := range out.Items {
			conv, err := itemToConversation(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListOpenConversations decode: %w", err)
			}
			convs = append(convs, conv)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return convs, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func conversationItem(conv domain.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":            &types.AttributeValueMemberS{Value: convPK(conv.Key)},
		"SK":            &types.AttributeValueMemberS{Value: skMeta},
		"convKey":       &types.AttributeValueMemberS{Value: conv.Key},
		"kind":          &types.AttributeValueMemberS{Value: string(conv.Kind)},
		"descriptor":    &types.AttributeValueMemberS{Value: conv.Descriptor},
		"lastActivity":  &types.AttributeValueMemberN{Value: strconv.FormatInt(conv.LastActivity, 10)},
		"lastMessageId": &types.AttributeValueMemberN{Value: strconv.FormatInt(conv.LastMessageID, 10)},
		"replyNeeded":   &types.AttributeValueMemberBOOL{Value: conv.ReplyNeeded},
	}
}

func draftLinkItem(link domain.DraftLink) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: convPK(link.ConversationKey)},
		"SK":          &types.AttributeValueMemberS{Value: skDraft},
		"convKey":     &types.AttributeValueMemberS{Value: link.ConversationKey},
		"draftId":     &types.AttributeValueMemberN{Value: strconv.FormatInt(link.DraftID, 10)},
		"contentHash": &types.AttributeValueMemberS{Value: link.ContentHash},
		"autoUpdate":  &types.AttributeValueMemberBOOL{Value: link.AutoUpdate},
	}
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	key, err := strAttr(item, "convKey")
	if err != nil {
		return domain.Conversation{}, err
	}
	kind, err := strAttr(item, "kind")
	if err != nil {
		return domain.Conversation{}, err
	}
	lastActivity, err := intAttr(item, "lastActivity")
	if err != nil {
		return domain.Conversation{}, err
	}
	lastMessageID, err := intAttr(item, "lastMessageId")
	if err != nil {
		return domain.Conversation{}, err
	}
	replyNeeded, err := boolAttr(item, "replyNeeded")
	if err != nil {
		return domain.Conversation{}, err
	}
	descriptor, _ := strAttr(item, "descriptor") // allow empty

	return domain.Conversation{
		Key:           key,
		Kind:          domain.ConversationKind(kind),
		Descriptor:    descriptor,
		LastActivity:  lastActivity,
		LastMessageID: lastMessageID,
		ReplyNeeded:   replyNeeded,
	}, nil
}

func itemToDraftLink(item map[string]types.AttributeValue) (domain.DraftLink, error) {
	key, err := strAttr(item, "convKey")
	if err != nil {
		return domain.DraftLink{}, err
	}
	draftID, err := intAttr(item, "draftId")
	if err != nil {
		return domain.DraftLink{}, err
	}
	autoUpdate, err := boolAttr(item, "autoUpdate")
	if err != nil {
		return domain.DraftLink{}, err
	}
	hash, _ := strAttr(item, "contentHash") // allow empty

	return domain.DraftLink{
		ConversationKey: key,
		DraftID:         draftID,
		ContentHash:     hash,
		AutoUpdate:      autoUpdate,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a boolean", key)
	}
	return b.Value, nil
}
