package database

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imyashkale/mcporchestrator/internal/logger"
	"github.com/imyashkale/mcporchestrator/internal/models"
)

// cycleRetention is how long a cycle item lives before the table TTL removes it
const cycleRetention = 7 * 24 * time.Hour

// cycleItem is the stored shape of a CycleReport. Daemon is the partition
// key and StartedAt (unix millis) the sort key, so the newest cycles of a
// host come back first from a reverse query.
type cycleItem struct {
	Daemon     string                            `dynamodbav:"Daemon"`
	StartedAt  int64                             `dynamodbav:"StartedAt"`
	CycleId    string                            `dynamodbav:"CycleId"`
	Trigger    string                            `dynamodbav:"Trigger"`
	Result     string                            `dynamodbav:"Result"`
	Error      string                            `dynamodbav:"Error,omitempty"`
	FinishedAt int64                             `dynamodbav:"FinishedAt"`
	DurationMs int64                             `dynamodbav:"DurationMs"`
	Mutations  int                               `dynamodbav:"Mutations"`
	Services   map[string]*models.ServiceOutcome `dynamodbav:"Services,omitempty"`
	Logs       []models.CycleLogEntry            `dynamodbav:"Logs,omitempty"`
	ExpiresAt  int64                             `dynamodbav:"ExpiresAt"`
}

// CycleOperations handles all DynamoDB operations for cycle reports
type CycleOperations struct {
	client    *Client
	tableName string
	daemon    string
}

// NewCycleOperations creates a new CycleOperations instance. daemon
// partitions the table so several hosts can share it.
func NewCycleOperations(client *Client, tableName, daemon string) *CycleOperations {
	return &CycleOperations{
		client:    client,
		tableName: tableName,
		daemon:    daemon,
	}
}

func toItem(daemon string, report *models.CycleReport) cycleItem {
	return cycleItem{
		Daemon:     daemon,
		StartedAt:  report.StartedAt.UnixMilli(),
		CycleId:    report.CycleId,
		Trigger:    report.Trigger,
		Result:     string(report.Result),
		Error:      report.Error,
		FinishedAt: report.FinishedAt.UnixMilli(),
		DurationMs: report.Duration.Milliseconds(),
		Mutations:  report.Mutations,
		Services:   report.Services,
		Logs:       report.Logs,
		ExpiresAt:  report.FinishedAt.Add(cycleRetention).Unix(),
	}
}

func fromItem(item cycleItem) *models.CycleReport {
	return &models.CycleReport{
		CycleId:    item.CycleId,
		Trigger:    item.Trigger,
		Result:     models.CycleResult(item.Result),
		Error:      item.Error,
		StartedAt:  time.UnixMilli(item.StartedAt).UTC(),
		FinishedAt: time.UnixMilli(item.FinishedAt).UTC(),
		Duration:   time.Duration(item.DurationMs) * time.Millisecond,
		Mutations:  item.Mutations,
		Services:   item.Services,
		Logs:       item.Logs,
	}
}

// PutCycle stores a cycle report
func (co *CycleOperations) PutCycle(ctx context.Context, report *models.CycleReport) error {
	av, err := attributevalue.MarshalMap(toItem(co.daemon, report))
	if err != nil {
		logger.WithFields(map[string]interface{}{
			logger.FieldCycleID: report.CycleId,
			logger.FieldError:   err.Error(),
		}).Error("Failed to marshal cycle report")
		return fmt.Errorf("failed to marshal cycle report: %w", err)
	}

	_, err = co.client.DynamoDB.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(co.tableName),
		Item:      av,
	})
	if err != nil {
		logger.WithFields(map[string]interface{}{
			logger.FieldCycleID: report.CycleId,
			logger.FieldError:   err.Error(),
		}).Error("Failed to store cycle report in DynamoDB")
		return fmt.Errorf("failed to store cycle report: %w", err)
	}

	logger.WithField(logger.FieldCycleID, report.CycleId).Debug("Cycle report stored in DynamoDB")
	return nil
}

// RecentCycles returns up to limit reports, newest first
func (co *CycleOperations) RecentCycles(ctx context.Context, limit int) ([]*models.CycleReport, error) {
	result, err := co.client.DynamoDB.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(co.tableName),
		KeyConditionExpression: aws.String("Daemon = :daemon"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":daemon": &types.AttributeValueMemberS{Value: co.daemon},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle reports: %w", err)
	}

	reports := make([]*models.CycleReport, 0, len(result.Items))
	for _, raw := range result.Items {
		var item cycleItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cycle report: %w", err)
		}
		reports = append(reports, fromItem(item))
	}
	return reports, nil
}
