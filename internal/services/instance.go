package services

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"

	"github.com/imyashkale/mcporchestrator/internal/logger"
)

type metadataAPI interface {
	GetMetadata(ctx context.Context, params *imds.GetMetadataInput, optFns ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
}

// InstanceIdentity resolves the EC2 instance registered as the load-balancer
// target for every service
type InstanceIdentity struct {
	client     metadataAPI
	configured string
}

// NewInstanceIdentity uses the configured instance id when set and the
// instance metadata service otherwise
func NewInstanceIdentity(cfg aws.Config, configured string) *InstanceIdentity {
	return &InstanceIdentity{client: imds.NewFromConfig(cfg), configured: configured}
}

// InstanceID returns the id of the instance this daemon runs on
func (i *InstanceIdentity) InstanceID(ctx context.Context) (string, error) {
	if i.configured != "" {
		return i.configured, nil
	}

	out, err := i.client.GetMetadata(ctx, &imds.GetMetadataInput{Path: "instance-id"})
	if err != nil {
		return "", fmt.Errorf("failed to read instance id from metadata service: %w", err)
	}
	defer out.Content.Close()

	raw, err := io.ReadAll(out.Content)
	if err != nil {
		return "", fmt.Errorf("failed to read instance id: %w", err)
	}
	id := strings.TrimSpace(string(raw))
	if id == "" {
		return "", fmt.Errorf("metadata service returned an empty instance id")
	}

	logger.ForComponent("instance-identity").WithField("instance_id", id).Info("Resolved instance id from metadata service")
	return id, nil
}
