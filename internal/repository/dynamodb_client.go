package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"memorease/internal/domain"
)

const (
	skPrefixTurn  = "TURN#"
	skPrefixID    = "ID#"
	skPrefixEvent = "EVENT#"
	skMeta        = "META#"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores conversations and logged events in a single DynamoDB table.
//
// Conversation items live under PK CONV#<id>: META# holds the sequence
// counter, TURN#<seq> holds each turn and ID#<turnID> marks a turn id as
// written so retried appends resolve to the original sequence. Logged events
// live under PK USER#<userID> with SK EVENT#<id>, so re-putting an event
// replaces it.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func userPK(userID string) string {
	return "USER#" + userID
}

// turnSK zero-pads seq so lexical order equals numeric order.
func turnSK(seq int64) string {
	return fmt.Sprintf("%s%020d", skPrefixTurn, seq)
}

func idSK(turnID string) string {
	return skPrefixID + turnID
}

func eventSK(eventID string) string {
	return skPrefixEvent + eventID
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// AppendTurn writes turn at the next sequence number of its conversation and
// returns that number. Appending a turn id that was already written returns
// the original sequence without writing again.
func (c *Client) AppendTurn(ctx context.Context, turn domain.Turn) (int64, error) {
	if err := turn.Validate(); err != nil {
		return 0, fmt.Errorf("repository: AppendTurn: %w", err)
	}
	pk := convPK(turn.ConversationID)

	if seq, found, err := c.lookupTurnID(ctx, pk, turn.ID); err != nil {
		return 0, err
	} else if found {
		return seq, nil
	}

	seq, err := c.nextSeq(ctx, turn.ConversationID)
	if err != nil {
		return 0, err
	}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                turnItem(turn, seq),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                idItem(turn, seq),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) && idConditionFailed(canceled) {
			existing, found, lerr := c.lookupTurnID(ctx, pk, turn.ID)
			if lerr != nil {
				return 0, lerr
			}
			if found {
				return existing, nil
			}
		}
		return 0, fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return seq, nil
}

func idConditionFailed(e *types.TransactionCanceledException) bool {
	if len(e.CancellationReasons) < 2 {
		return false
	}
	code := e.CancellationReasons[1].Code
	return code != nil && *code == "ConditionalCheckFailed"
}

func (c *Client) lookupTurnID(ctx context.Context, pk, turnID string) (int64, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(pk, idSK(turnID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, false, fmt.Errorf("repository: AppendTurn lookup: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, false, nil
	}
	seq, err := int64Attr(out.Item, "seq")
	if err != nil {
		return 0, false, fmt.Errorf("repository: AppendTurn decode seq: %w", err)
	}
	return seq, true, nil
}

func (c *Client) nextSeq(ctx context.Context, conversationID string) (int64, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              key(convPK(conversationID), skMeta),
		UpdateExpression: aws.String("ADD lastSeq :one SET conversationId = :cid, lastActivity = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":cid": &types.AttributeValueMemberS{Value: conversationID},
			":now": &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("repository: AppendTurn next seq: %w", err)
	}
	if out == nil {
		return 0, errors.New("repository: AppendTurn next seq: empty response")
	}
	seq, err := int64Attr(out.Attributes, "lastSeq")
	if err != nil {
		return 0, fmt.Errorf("repository: AppendTurn next seq: %w", err)
	}
	return seq, nil
}

// Snapshot reads every turn of a conversation in sequence order.
func (c *Client) Snapshot(ctx context.Context, conversationID string) (domain.Snapshot, error) {
	snap := domain.Snapshot{ConversationID: conversationID}
	pages := dynamodb.NewQueryPaginator(c.api, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("repository: Snapshot query: %w", err)
		}
		for _, item := range page.Items {
			turn, err := itemToTurn(item)
			if err != nil {
				return domain.Snapshot{}, fmt.Errorf("repository: Snapshot unmarshal: %w", err)
			}
			snap.Turns = append(snap.Turns, turn)
		}
	}
	return snap, nil
}

// ListEvents returns a user's logged events, oldest first.
func (c *Client) ListEvents(ctx context.Context, userID string) ([]domain.LoggedEvent, error) {
	var events []domain.LoggedEvent
	pages := dynamodb.NewQueryPaginator(c.api, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixEvent},
		},
		ScanIndexForward: aws.Bool(true),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("repository: ListEvents query: %w", err)
		}
		for _, item := range page.Items {
			e, err := itemToEvent(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListEvents unmarshal: %w", err)
			}
			events = append(events, e)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].ID < events[j].ID
	})
	return events, nil
}

// PutEvent stores or replaces a logged event for userID.
func (c *Client) PutEvent(ctx context.Context, userID string, e domain.LoggedEvent) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(e.ID) == "" {
		return errors.New("repository: PutEvent: user id and event id are required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.now().UTC()
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      eventItem(userID, e),
	})
	if err != nil {
		return fmt.Errorf("repository: PutEvent: %w", err)
	}
	return nil
}

func turnItem(t domain.Turn, seq int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(t.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: turnSK(seq)},
		"id":             &types.AttributeValueMemberS{Value: t.ID},
		"conversationId": &types.AttributeValueMemberS{Value: t.ConversationID},
		"text":           &types.AttributeValueMemberS{Value: t.Text},
		"speaker":        &types.AttributeValueMemberS{Value: string(t.Speaker)},
		"createdAt":      &types.AttributeValueMemberS{Value: t.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"seq":            &types.AttributeValueMemberN{Value: strconv.FormatInt(seq, 10)},
	}
}

func idItem(t domain.Turn, seq int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":  &types.AttributeValueMemberS{Value: convPK(t.ConversationID)},
		"SK":  &types.AttributeValueMemberS{Value: idSK(t.ID)},
		"seq": &types.AttributeValueMemberN{Value: strconv.FormatInt(seq, 10)},
	}
}

func eventItem(userID string, e domain.LoggedEvent) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: userPK(userID)},
		"SK":        &types.AttributeValueMemberS{Value: eventSK(e.ID)},
		"id":        &types.AttributeValueMemberS{Value: e.ID},
		"text":      &types.AttributeValueMemberS{Value: e.Text},
		"timestamp": &types.AttributeValueMemberS{Value: e.Timestamp},
		"location":  &types.AttributeValueMemberS{Value: e.LocationLabel},
		"createdAt": &types.AttributeValueMemberS{Value: e.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
	if e.ImageRef != "" {
		item["imageUrl"] = &types.AttributeValueMemberS{Value: e.ImageRef}
	}
	return item
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Turn{}, err
	}
	conv, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Turn{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Turn{}, err
	}
	speaker, err := strAttr(item, "speaker")
	if err != nil {
		return domain.Turn{}, err
	}
	seq, err := int64Attr(item, "seq")
	if err != nil {
		return domain.Turn{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Turn{}, err
	}
	return domain.Turn{
		ID:             id,
		ConversationID: conv,
		Text:           text,
		Speaker:        domain.Speaker(speaker),
		CreatedAt:      createdAt,
		Seq:            seq,
	}, nil
}

func itemToEvent(item map[string]types.AttributeValue) (domain.LoggedEvent, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.LoggedEvent{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.LoggedEvent{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.LoggedEvent{}, err
	}
	timestamp, _ := strAttr(item, "timestamp") // allow empty
	location, _ := strAttr(item, "location")   // allow empty
	imageRef, _ := strAttr(item, "imageUrl")   // optional

	return domain.LoggedEvent{
		ID:            id,
		Text:          text,
		Timestamp:     timestamp,
		LocationLabel: location,
		ImageRef:      imageRef,
		CreatedAt:     createdAt,
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

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
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

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
