package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/moby/moby/api/pkg/authconfig"
	"github.com/moby/moby/api/types/registry"

	"github.com/imyashkale/mcporchestrator/internal/logger"
)

// ecrAPI is the part of the ECR client used for registry auth
type ecrAPI interface {
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
}

// tokenRefreshMargin renews a cached token this long before it expires
const tokenRefreshMargin = 5 * time.Minute

type ecrToken struct {
	username  string
	password  string
	endpoint  string
	expiresAt time.Time
}

// ECRAuthProvider returns encoded registry credentials for images hosted in
// ECR. Tokens are cached until shortly before they expire.
type ECRAuthProvider struct {
	client ecrAPI
	now    func() time.Time

	mu     sync.Mutex
	cached *ecrToken
}

// NewECRAuthProvider creates an auth provider backed by the ECR API
func NewECRAuthProvider(cfg aws.Config) *ECRAuthProvider {
	return newECRAuthProvider(ecr.NewFromConfig(cfg))
}

func newECRAuthProvider(client ecrAPI) *ECRAuthProvider {
	return &ECRAuthProvider{client: client, now: time.Now}
}

// IsECRImage reports whether the image reference points at an ECR registry
// ({account}.dkr.ecr.{region}.amazonaws.com/...)
func IsECRImage(image string) bool {
	host, _, found := strings.Cut(image, "/")
	if !found {
		return false
	}
	return strings.Contains(host, ".dkr.ecr.") && (strings.HasSuffix(host, ".amazonaws.com") || strings.HasSuffix(host, ".amazonaws.com.cn"))
}

// RegistryAuth returns the base64 auth header for pulling image. Images
// outside ECR get an empty string and no error.
func (p *ECRAuthProvider) RegistryAuth(ctx context.Context, image string) (string, error) {
	if !IsECRImage(image) {
		return "", nil
	}

	token, err := p.token(ctx)
	if err != nil {
		return "", err
	}

	encoded, err := authconfig.Encode(registry.AuthConfig{
		Username:      token.username,
		Password:      token.password,
		ServerAddress: token.endpoint,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode registry auth: %w", err)
	}
	return encoded, nil
}

func (p *ECRAuthProvider) token(ctx context.Context) (*ecrToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && p.now().Add(tokenRefreshMargin).Before(p.cached.expiresAt) {
		return p.cached, nil
	}

	out, err := p.client.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to get ECR authorization token: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return nil, fmt.Errorf("no authorization data returned")
	}

	data := out.AuthorizationData[0]
	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return nil, fmt.Errorf("invalid authorization token encoding: %w", err)
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok || username == "" || password == "" {
		return nil, fmt.Errorf("invalid authorization token format")
	}

	token := &ecrToken{
		username: username,
		password: password,
		endpoint: aws.ToString(data.ProxyEndpoint),
	}
	if data.ExpiresAt != nil {
		token.expiresAt = *data.ExpiresAt
	} else {
		token.expiresAt = p.now().Add(12 * time.Hour)
	}
	p.cached = token

	logger.ForComponent("ecr-auth").WithField("expires_at", token.expiresAt).Debug("Refreshed ECR authorization token")
	return token, nil
}
