package database

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	appConfig "github.com/imyashkale/mcporchestrator/internal/config"
	"github.com/imyashkale/mcporchestrator/internal/logger"
)

// Config holds the DynamoDB configuration
type Config struct {
	TableName string
	Region    string
}

// Client wraps the DynamoDB client
type Client struct {
	DynamoDB  *dynamodb.Client
	TableName string
}

// NewConfig creates a new database configuration from the application config
func NewConfig(appCfg *appConfig.Config) *Config {
	return &Config{
		TableName: appCfg.CyclesTableName,
		Region:    appCfg.AWSRegion,
	}
}

// NewClient creates a new DynamoDB client from an already loaded AWS config
func NewClient(ctx context.Context, awsCfg aws.Config, cfg *Config) (*Client, error) {
	if cfg.TableName == "" {
		return nil, fmt.Errorf("cycles table name is empty")
	}

	dynamoClient := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Region != "" {
			o.Region = cfg.Region
		}
	})

	// Verify table exists
	if err := ensureTableExists(ctx, dynamoClient, cfg.TableName); err != nil {
		logger.Warnf("Could not verify table existence: %v", err)
	}

	return &Client{
		DynamoDB:  dynamoClient,
		TableName: cfg.TableName,
	}, nil
}

// ensureTableExists checks if the DynamoDB table exists
func ensureTableExists(ctx context.Context, client *dynamodb.Client, tableName string) error {
	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	})

	if err != nil {
		return fmt.Errorf("table %s does not exist or cannot be accessed: %w", tableName, err)
	}

	logger.Infof("DynamoDB table '%s' verified successfully", tableName)
	return nil
}
