package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/smithy-go"

	"github.com/imyashkale/mcporchestrator/internal/logger"
	"github.com/imyashkale/mcporchestrator/internal/models"
	"github.com/imyashkale/mcporchestrator/internal/reconciler"
)

var _ reconciler.LoadBalancer = (*ALBService)(nil)

// describeTagsBatch is the most resource ARNs DescribeTags accepts per call
const describeTagsBatch = 20

// elbv2API is the part of the ELBv2 client used by ALBService
type elbv2API interface {
	DescribeTargetGroups(ctx context.Context, params *elbv2.DescribeTargetGroupsInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTargetGroupsOutput, error)
	DescribeTags(ctx context.Context, params *elbv2.DescribeTagsInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTagsOutput, error)
	CreateTargetGroup(ctx context.Context, params *elbv2.CreateTargetGroupInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateTargetGroupOutput, error)
	DeleteTargetGroup(ctx context.Context, params *elbv2.DeleteTargetGroupInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteTargetGroupOutput, error)
	RegisterTargets(ctx context.Context, params *elbv2.RegisterTargetsInput, optFns ...func(*elbv2.Options)) (*elbv2.RegisterTargetsOutput, error)
	DeregisterTargets(ctx context.Context, params *elbv2.DeregisterTargetsInput, optFns ...func(*elbv2.Options)) (*elbv2.DeregisterTargetsOutput, error)
	AddTags(ctx context.Context, params *elbv2.AddTagsInput, optFns ...func(*elbv2.Options)) (*elbv2.AddTagsOutput, error)
	DescribeRules(ctx context.Context, params *elbv2.DescribeRulesInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeRulesOutput, error)
	CreateRule(ctx context.Context, params *elbv2.CreateRuleInput, optFns ...func(*elbv2.Options)) (*elbv2.CreateRuleOutput, error)
	ModifyRule(ctx context.Context, params *elbv2.ModifyRuleInput, optFns ...func(*elbv2.Options)) (*elbv2.ModifyRuleOutput, error)
	DeleteRule(ctx context.Context, params *elbv2.DeleteRuleInput, optFns ...func(*elbv2.Options)) (*elbv2.DeleteRuleOutput, error)
}

// ALBConfig identifies the listener and the instance targets are registered on
type ALBConfig struct {
	ListenerARN     string
	VPCID           string
	InstanceID      string
	HealthCheckPath string
}

// ALBService manages target groups and listener rules on one Application
// Load Balancer listener. Retries are left to the routing reconciler's
// policy, so the SDK client makes a single attempt per call.
type ALBService struct {
	client elbv2API
	cfg    ALBConfig
}

// NewALBService creates an ALB service from the AWS config
func NewALBService(awsCfg aws.Config, cfg ALBConfig) *ALBService {
	client := elbv2.NewFromConfig(awsCfg, func(o *elbv2.Options) {
		o.RetryMaxAttempts = 1
	})
	return newALBService(client, cfg)
}

func newALBService(client elbv2API, cfg ALBConfig) *ALBService {
	if cfg.HealthCheckPath == "" {
		cfg.HealthCheckPath = "/health"
	}
	return &ALBService{client: client, cfg: cfg}
}

// Ping checks that the listener is reachable with the current credentials
func (s *ALBService) Ping(ctx context.Context) error {
	_, err := s.client.DescribeRules(ctx, &elbv2.DescribeRulesInput{
		ListenerArn: aws.String(s.cfg.ListenerARN),
		PageSize:    aws.Int32(1),
	})
	if err != nil {
		return classify(fmt.Errorf("listener %s unreachable: %w", s.cfg.ListenerARN, err))
	}
	return nil
}

func (s *ALBService) managedTags(serviceID string) []types.Tag {
	return []types.Tag{
		{Key: aws.String(models.TagManagedBy), Value: aws.String(models.ManagedByValue)},
		{Key: aws.String(models.TagService), Value: aws.String(serviceID)},
	}
}

// ListTargetGroups returns the managed target groups in the configured VPC
func (s *ALBService) ListTargetGroups(ctx context.Context) ([]models.TargetGroupState, error) {
	var groups []types.TargetGroup
	var marker *string
	for {
		out, err := s.client.DescribeTargetGroups(ctx, &elbv2.DescribeTargetGroupsInput{Marker: marker})
		if err != nil {
			return nil, classify(fmt.Errorf("failed to describe target groups: %w", err))
		}
		for _, tg := range out.TargetGroups {
			if s.cfg.VPCID == "" || aws.ToString(tg.VpcId) == s.cfg.VPCID {
				groups = append(groups, tg)
			}
		}
		if out.NextMarker == nil || aws.ToString(out.NextMarker) == "" {
			break
		}
		marker = out.NextMarker
	}

	arns := make([]string, 0, len(groups))
	for _, tg := range groups {
		arns = append(arns, aws.ToString(tg.TargetGroupArn))
	}
	tags, err := s.describeTags(ctx, arns)
	if err != nil {
		return nil, err
	}

	var out []models.TargetGroupState
	for _, tg := range groups {
		arn := aws.ToString(tg.TargetGroupArn)
		t := tags[arn]
		if t[models.TagManagedBy] != models.ManagedByValue || t[models.TagService] == "" {
			continue
		}
		port, _ := strconv.Atoi(t[models.TagPort])
		out = append(out, models.TargetGroupState{
			ARN:             arn,
			Name:            aws.ToString(tg.TargetGroupName),
			ServiceID:       t[models.TagService],
			BoundPort:       port,
			HealthCheckPath: aws.ToString(tg.HealthCheckPath),
		})
	}
	return out, nil
}

// describeTags fetches tags in batches and returns them keyed by ARN
func (s *ALBService) describeTags(ctx context.Context, arns []string) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string, len(arns))
	for start := 0; start < len(arns); start += describeTagsBatch {
		end := min(start+describeTagsBatch, len(arns))
		resp, err := s.client.DescribeTags(ctx, &elbv2.DescribeTagsInput{ResourceArns: arns[start:end]})
		if err != nil {
			return nil, classify(fmt.Errorf("failed to describe tags: %w", err))
		}
		for _, desc := range resp.TagDescriptions {
			m := make(map[string]string, len(desc.Tags))
			for _, tag := range desc.Tags {
				m[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
			}
			out[aws.ToString(desc.ResourceArn)] = m
		}
	}
	return out, nil
}

// CreateTargetGroup creates the service's target group, or returns the
// existing one when a group with the same name exists
func (s *ALBService) CreateTargetGroup(ctx context.Context, serviceID string) (*models.TargetGroupState, error) {
	name := models.TargetGroupName(serviceID)
	log := logger.ForService("alb", serviceID).WithField("target_group", name)

	out, err := s.client.CreateTargetGroup(ctx, &elbv2.CreateTargetGroupInput{
		Name:                       aws.String(name),
		Protocol:                   types.ProtocolEnumHttp,
		Port:                       aws.Int32(80),
		VpcId:                      aws.String(s.cfg.VPCID),
		TargetType:                 types.TargetTypeEnumInstance,
		HealthCheckProtocol:        types.ProtocolEnumHttp,
		HealthCheckPath:            aws.String(s.cfg.HealthCheckPath),
		HealthCheckIntervalSeconds: aws.Int32(30),
		HealthCheckTimeoutSeconds:  aws.Int32(5),
		HealthyThresholdCount:      aws.Int32(2),
		UnhealthyThresholdCount:    aws.Int32(2),
		Matcher:                    &types.Matcher{HttpCode: aws.String("200-299")},
		Tags:                       append(s.managedTags(serviceID), types.Tag{Key: aws.String(models.TagName), Value: aws.String(name)}),
	})

	var tg types.TargetGroup
	var dup *types.DuplicateTargetGroupNameException
	switch {
	case errors.As(err, &dup):
		existing, derr := s.client.DescribeTargetGroups(ctx, &elbv2.DescribeTargetGroupsInput{Names: []string{name}})
		if derr != nil {
			return nil, classify(fmt.Errorf("failed to describe existing target group %s: %w", name, derr))
		}
		if len(existing.TargetGroups) == 0 {
			return nil, fmt.Errorf("target group %s reported as duplicate but not found", name)
		}
		tg = existing.TargetGroups[0]
		arn := aws.ToString(tg.TargetGroupArn)
		current, terr := s.describeTags(ctx, []string{arn})
		if terr != nil {
			return nil, terr
		}
		if owner := current[arn][models.TagService]; owner != "" && owner != serviceID {
			log.WithField("owner", owner).Error("Target group name already belongs to another service")
			return nil, fmt.Errorf("%w: %s is tagged for %s", reconciler.ErrTargetGroupNameTaken, name, owner)
		}
		// adopted groups may predate the tags
		if _, terr := s.client.AddTags(ctx, &elbv2.AddTagsInput{
			ResourceArns: []string{aws.ToString(tg.TargetGroupArn)},
			Tags:         s.managedTags(serviceID),
		}); terr != nil {
			return nil, classify(fmt.Errorf("failed to tag target group %s: %w", name, terr))
		}
		log.Info("Adopted existing target group")
	case err != nil:
		return nil, classify(fmt.Errorf("failed to create target group %s: %w", name, err))
	default:
		if len(out.TargetGroups) == 0 {
			return nil, fmt.Errorf("create target group %s returned no group", name)
		}
		tg = out.TargetGroups[0]
		log.Info("Created target group")
	}

	return &models.TargetGroupState{
		ARN:             aws.ToString(tg.TargetGroupArn),
		Name:            aws.ToString(tg.TargetGroupName),
		ServiceID:       serviceID,
		HealthCheckPath: aws.ToString(tg.HealthCheckPath),
	}, nil
}

func (s *ALBService) target(port int) []types.TargetDescription {
	return []types.TargetDescription{{Id: aws.String(s.cfg.InstanceID), Port: aws.Int32(int32(port))}}
}

func (s *ALBService) RegisterTarget(ctx context.Context, targetGroupARN string, port int) error {
	_, err := s.client.RegisterTargets(ctx, &elbv2.RegisterTargetsInput{
		TargetGroupArn: aws.String(targetGroupARN),
		Targets:        s.target(port),
	})
	if err != nil {
		return classify(fmt.Errorf("failed to register target %s:%d: %w", s.cfg.InstanceID, port, err))
	}
	return nil
}

// DeregisterTarget succeeds when the target or its group is already gone
func (s *ALBService) DeregisterTarget(ctx context.Context, targetGroupARN string, port int) error {
	_, err := s.client.DeregisterTargets(ctx, &elbv2.DeregisterTargetsInput{
		TargetGroupArn: aws.String(targetGroupARN),
		Targets:        s.target(port),
	})
	var notFound *types.TargetGroupNotFoundException
	var invalid *types.InvalidTargetException
	if err != nil && !errors.As(err, &notFound) && !errors.As(err, &invalid) {
		return classify(fmt.Errorf("failed to deregister target %s:%d: %w", s.cfg.InstanceID, port, err))
	}
	return nil
}

func (s *ALBService) TagBoundPort(ctx context.Context, targetGroupARN string, port int) error {
	_, err := s.client.AddTags(ctx, &elbv2.AddTagsInput{
		ResourceArns: []string{targetGroupARN},
		Tags:         []types.Tag{{Key: aws.String(models.TagPort), Value: aws.String(strconv.Itoa(port))}},
	})
	if err != nil {
		return classify(fmt.Errorf("failed to tag target group port: %w", err))
	}
	return nil
}

// DeleteTargetGroup succeeds when the group is already gone
func (s *ALBService) DeleteTargetGroup(ctx context.Context, targetGroupARN string) error {
	_, err := s.client.DeleteTargetGroup(ctx, &elbv2.DeleteTargetGroupInput{TargetGroupArn: aws.String(targetGroupARN)})
	var notFound *types.TargetGroupNotFoundException
	if err != nil && !errors.As(err, &notFound) {
		return classify(fmt.Errorf("failed to delete target group: %w", err))
	}
	return nil
}

// ListRules returns every rule on the listener, the default rule included
func (s *ALBService) ListRules(ctx context.Context) ([]models.ListenerRuleState, error) {
	var out []models.ListenerRuleState
	var marker *string
	for {
		resp, err := s.client.DescribeRules(ctx, &elbv2.DescribeRulesInput{
			ListenerArn: aws.String(s.cfg.ListenerARN),
			Marker:      marker,
		})
		if err != nil {
			return nil, classify(fmt.Errorf("failed to describe listener rules: %w", err))
		}
		for _, rule := range resp.Rules {
			out = append(out, toRuleState(rule))
		}
		if resp.NextMarker == nil || aws.ToString(resp.NextMarker) == "" {
			break
		}
		marker = resp.NextMarker
	}
	return out, nil
}

func toRuleState(rule types.Rule) models.ListenerRuleState {
	state := models.ListenerRuleState{
		ARN:       aws.ToString(rule.RuleArn),
		IsDefault: aws.ToBool(rule.IsDefault),
	}
	if !state.IsDefault {
		state.Priority, _ = strconv.Atoi(aws.ToString(rule.Priority))
	}
	for _, cond := range rule.Conditions {
		if aws.ToString(cond.Field) != "path-pattern" {
			continue
		}
		values := cond.Values
		if cond.PathPatternConfig != nil && len(cond.PathPatternConfig.Values) > 0 {
			values = cond.PathPatternConfig.Values
		}
		if len(values) > 0 {
			state.PathPattern = values[0]
		}
	}
	for _, action := range rule.Actions {
		if action.Type != types.ActionTypeEnumForward {
			continue
		}
		if action.TargetGroupArn != nil {
			state.TargetGroupARN = aws.ToString(action.TargetGroupArn)
		} else if action.ForwardConfig != nil && len(action.ForwardConfig.TargetGroups) > 0 {
			state.TargetGroupARN = aws.ToString(action.ForwardConfig.TargetGroups[0].TargetGroupArn)
		}
	}
	return state
}

func pathCondition(pathPattern string) []types.RuleCondition {
	return []types.RuleCondition{{
		Field:             aws.String("path-pattern"),
		PathPatternConfig: &types.PathPatternConditionConfig{Values: []string{pathPattern}},
	}}
}

func forwardAction(targetGroupARN string) []types.Action {
	return []types.Action{{
		Type:           types.ActionTypeEnumForward,
		TargetGroupArn: aws.String(targetGroupARN),
	}}
}

func (s *ALBService) CreateRule(ctx context.Context, spec models.CreateRuleSpec) (*models.ListenerRuleState, error) {
	out, err := s.client.CreateRule(ctx, &elbv2.CreateRuleInput{
		ListenerArn: aws.String(s.cfg.ListenerARN),
		Priority:    aws.Int32(int32(spec.Priority)),
		Conditions:  pathCondition(spec.PathPattern),
		Actions:     forwardAction(spec.TargetGroupARN),
		Tags:        s.managedTags(spec.ServiceID),
	})
	if err != nil {
		var inUse *types.PriorityInUseException
		if errors.As(err, &inUse) {
			return nil, &reconciler.PriorityConflictError{Priority: spec.Priority, ServiceID: spec.ServiceID, Holder: "another listener rule"}
		}
		return nil, classify(fmt.Errorf("failed to create listener rule: %w", err))
	}
	if len(out.Rules) == 0 {
		return nil, fmt.Errorf("create rule returned no rule")
	}

	rule := toRuleState(out.Rules[0])
	rule.ServiceID = spec.ServiceID
	logger.ForService("alb", spec.ServiceID).WithField("priority", spec.Priority).Info("Created listener rule")
	return &rule, nil
}

func (s *ALBService) ModifyRule(ctx context.Context, ruleARN, pathPattern, targetGroupARN string) error {
	_, err := s.client.ModifyRule(ctx, &elbv2.ModifyRuleInput{
		RuleArn:    aws.String(ruleARN),
		Conditions: pathCondition(pathPattern),
		Actions:    forwardAction(targetGroupARN),
	})
	if err != nil {
		return classify(fmt.Errorf("failed to modify listener rule: %w", err))
	}
	return nil
}

// DeleteRule succeeds when the rule is already gone
func (s *ALBService) DeleteRule(ctx context.Context, ruleARN string) error {
	_, err := s.client.DeleteRule(ctx, &elbv2.DeleteRuleInput{RuleArn: aws.String(ruleARN)})
	var notFound *types.RuleNotFoundException
	if err != nil && !errors.As(err, &notFound) {
		return classify(fmt.Errorf("failed to delete listener rule: %w", err))
	}
	return nil
}

// transientCodes are API error codes worth retrying within a cycle
var transientCodes = map[string]bool{
	"Throttling":                     true,
	"ThrottlingException":            true,
	"RequestLimitExceeded":           true,
	"TooManyRequestsException":       true,
	"ServiceUnavailable":             true,
	"InternalFailure":                true,
	"RequestTimeout":                 true,
	"RequestTimeoutException":        true,
	"ProvisioningThrottledException": true,
	"EC2ThrottledException":          true,
	"PriorRequestNotComplete":        true,
}

// classify marks throttling, server-side and network timeout errors as
// transient; everything else is returned unchanged
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isTransientAWSError(err) {
		return reconciler.Transient(err)
	}
	return err
}

func isTransientAWSError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if transientCodes[apiErr.ErrorCode()] || apiErr.ErrorFault() == smithy.FaultServer {
			return true
		}
		if strings.Contains(strings.ToLower(apiErr.ErrorCode()), "throttl") {
			return true
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() >= 500 {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
