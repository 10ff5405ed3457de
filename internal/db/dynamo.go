package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"fscreentime/internal/models"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoDB.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDB stores goals keyed by (userId, weekStart) and payment profiles keyed by userId.
type DynamoDB struct {
	client        DynamoAPI
	goalsTable    string
	paymentsTable string
	now           func() time.Time
}

func NewDynamoDB(client DynamoAPI, goalsTable, paymentsTable string) *DynamoDB {
	return &DynamoDB{
		client:        client,
		goalsTable:    goalsTable,
		paymentsTable: paymentsTable,
		now:           time.Now,
	}
}

func goalKey(userID, weekStart string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"userId":    &types.AttributeValueMemberS{Value: userID},
		"weekStart": &types.AttributeValueMemberS{Value: weekStart},
	}
}

func (d *DynamoDB) GetGoal(ctx context.Context, userID, weekStart string) (*models.Goal, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.goalsTable),
		Key:       goalKey(userID, weekStart),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get goal: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var g models.Goal
	if err := attributevalue.UnmarshalMap(out.Item, &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal goal: %w", err)
	}
	return &g, nil
}

func (d *DynamoDB) PutGoal(ctx context.Context, g *models.Goal) error {
	item, err := attributevalue.MarshalMap(g)
	if err != nil {
		return fmt.Errorf("failed to marshal goal: %w", err)
	}
	if _, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.goalsTable),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("failed to put goal: %w", err)
	}
	return nil
}

// InsertGoal writes g only when no item exists for its key.
func (d *DynamoDB) InsertGoal(ctx context.Context, g *models.Goal) error {
	item, err := attributevalue.MarshalMap(g)
	if err != nil {
		return fmt.Errorf("failed to marshal goal: %w", err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.goalsTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#uid)"),
		ExpressionAttributeNames: map[string]string{
			"#uid": "userId",
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert goal: %w", err)
	}
	return nil
}

func (d *DynamoDB) DeleteGoal(ctx context.Context, userID, weekStart string) error {
	if _, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.goalsTable),
		Key:       goalKey(userID, weekStart),
	}); err != nil {
		return fmt.Errorf("failed to delete goal: %w", err)
	}
	return nil
}

// ScanActive returns goals whose status attribute is missing or "active".
func (d *DynamoDB) ScanActive(ctx context.Context) ([]*models.Goal, error) {
	return d.scanGoals(ctx, &dynamodb.ScanInput{
		TableName:                aws.String(d.goalsTable),
		FilterExpression:         aws.String("attribute_not_exists(#st) OR #st = :st"),
		ExpressionAttributeNames: map[string]string{"#st": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st": &types.AttributeValueMemberS{Value: string(models.StatusActive)},
		},
	})
}

func (d *DynamoDB) ScanByStatus(ctx context.Context, status models.Status) ([]*models.Goal, error) {
	return d.scanGoals(ctx, &dynamodb.ScanInput{
		TableName:                aws.String(d.goalsTable),
		FilterExpression:         aws.String("#st = :st"),
		ExpressionAttributeNames: map[string]string{"#st": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st": &types.AttributeValueMemberS{Value: string(status)},
		},
	})
}

func (d *DynamoDB) scanGoals(ctx context.Context, input *dynamodb.ScanInput) ([]*models.Goal, error) {
	var goals []*models.Goal
	paginator := dynamodb.NewScanPaginator(d.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan goals: %w", err)
		}
		var batch []*models.Goal
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal goals: %w", err)
		}
		goals = append(goals, batch...)
	}
	return goals, nil
}

func (d *DynamoDB) GetProfile(ctx context.Context, userID string) (*models.PaymentProfile, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.paymentsTable),
		Key: map[string]types.AttributeValue{
			"userId": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get payment profile: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var p models.PaymentProfile
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment profile: %w", err)
	}
	return &p, nil
}

// SaveCustomer records the Stripe customer created for card setup and leaves
// setup incomplete.
func (d *DynamoDB) SaveCustomer(ctx context.Context, userID, customerID, email string) error {
	expr := "SET stripe_customer_id = :cid, setup_complete = :sc, updatedAt = :ua, createdAt = if_not_exists(createdAt, :ua)"
	values := map[string]types.AttributeValue{
		":cid": &types.AttributeValueMemberS{Value: customerID},
		":sc":  &types.AttributeValueMemberBOOL{Value: false},
		":ua":  &types.AttributeValueMemberS{Value: d.now().UTC().Format(time.RFC3339Nano)},
	}
	if email != "" {
		expr += ", email = :em"
		values[":em"] = &types.AttributeValueMemberS{Value: email}
	}

	if _, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.paymentsTable),
		Key: map[string]types.AttributeValue{
			"userId": &types.AttributeValueMemberS{Value: userID},
		},
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeValues: values,
	}); err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

func (d *DynamoDB) SavePaymentMethod(ctx context.Context, userID, customerID, paymentMethodID string) error {
	expr := "SET stripe_payment_method_id = :pm, setup_complete = :sc, updatedAt = :ua, createdAt = if_not_exists(createdAt, :ua)"
	values := map[string]types.AttributeValue{
		":pm": &types.AttributeValueMemberS{Value: paymentMethodID},
		":sc": &types.AttributeValueMemberBOOL{Value: true},
		":ua": &types.AttributeValueMemberS{Value: d.now().UTC().Format(time.RFC3339Nano)},
	}
	if customerID != "" {
		expr += ", stripe_customer_id = :cid"
		values[":cid"] = &types.AttributeValueMemberS{Value: customerID}
	}

	if _, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(d.paymentsTable),
		Key: map[string]types.AttributeValue{
			"userId": &types.AttributeValueMemberS{Value: userID},
		},
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeValues: values,
	}); err != nil {
		return fmt.Errorf("failed to save payment method: %w", err)
	}
	return nil
}
