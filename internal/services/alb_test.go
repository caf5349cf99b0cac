package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/smithy-go"

	"github.com/imyashkale/mcporchestrator/internal/models"
	"github.com/imyashkale/mcporchestrator/internal/reconciler"
)

// mockELBv2 records requests and answers from the configured functions
type mockELBv2 struct {
	describeTargetGroups func(*elbv2.DescribeTargetGroupsInput) (*elbv2.DescribeTargetGroupsOutput, error)
	describeTags         func(*elbv2.DescribeTagsInput) (*elbv2.DescribeTagsOutput, error)
	createTargetGroup    func(*elbv2.CreateTargetGroupInput) (*elbv2.CreateTargetGroupOutput, error)
	describeRules        func(*elbv2.DescribeRulesInput) (*elbv2.DescribeRulesOutput, error)
	createRule           func(*elbv2.CreateRuleInput) (*elbv2.CreateRuleOutput, error)
	deleteErr            error
	deregisterErr        error

	tagCalls      []*elbv2.DescribeTagsInput
	addTags       []*elbv2.AddTagsInput
	createdGroups []*elbv2.CreateTargetGroupInput
	registered    []*elbv2.RegisterTargetsInput
	modified      []*elbv2.ModifyRuleInput
}

func (m *mockELBv2) DescribeTargetGroups(ctx context.Context, in *elbv2.DescribeTargetGroupsInput, _ ...func(*elbv2.Options)) (*elbv2.DescribeTargetGroupsOutput, error) {
	if m.describeTargetGroups == nil {
		return &elbv2.DescribeTargetGroupsOutput{}, nil
	}
	return m.describeTargetGroups(in)
}

func (m *mockELBv2) DescribeTags(ctx context.Context, in *elbv2.DescribeTagsInput, _ ...func(*elbv2.Options)) (*elbv2.DescribeTagsOutput, error) {
	m.tagCalls = append(m.tagCalls, in)
	if m.describeTags == nil {
		return &elbv2.DescribeTagsOutput{}, nil
	}
	return m.describeTags(in)
}

func (m *mockELBv2) CreateTargetGroup(ctx context.Context, in *elbv2.CreateTargetGroupInput, _ ...func(*elbv2.Options)) (*elbv2.CreateTargetGroupOutput, error) {
	m.createdGroups = append(m.createdGroups, in)
	if m.createTargetGroup == nil {
		return &elbv2.CreateTargetGroupOutput{TargetGroups: []types.TargetGroup{{
			TargetGroupArn:  aws.String("arn:tg/" + aws.ToString(in.Name)),
			TargetGroupName: in.Name,
			HealthCheckPath: in.HealthCheckPath,
		}}}, nil
	}
	return m.createTargetGroup(in)
}

func (m *mockELBv2) DeleteTargetGroup(ctx context.Context, in *elbv2.DeleteTargetGroupInput, _ ...func(*elbv2.Options)) (*elbv2.DeleteTargetGroupOutput, error) {
	return &elbv2.DeleteTargetGroupOutput{}, m.deleteErr
}

func (m *mockELBv2) RegisterTargets(ctx context.Context, in *elbv2.RegisterTargetsInput, _ ...func(*elbv2.Options)) (*elbv2.RegisterTargetsOutput, error) {
	m.registered = append(m.registered, in)
	return &elbv2.RegisterTargetsOutput{}, nil
}

func (m *mockELBv2) DeregisterTargets(ctx context.Context, in *elbv2.DeregisterTargetsInput, _ ...func(*elbv2.Options)) (*elbv2.DeregisterTargetsOutput, error) {
	return &elbv2.DeregisterTargetsOutput{}, m.deregisterErr
}

func (m *mockELBv2) AddTags(ctx context.Context, in *elbv2.AddTagsInput, _ ...func(*elbv2.Options)) (*elbv2.AddTagsOutput, error) {
	m.addTags = append(m.addTags, in)
	return &elbv2.AddTagsOutput{}, nil
}

func (m *mockELBv2) DescribeRules(ctx context.Context, in *elbv2.DescribeRulesInput, _ ...func(*elbv2.Options)) (*elbv2.DescribeRulesOutput, error) {
	if m.describeRules == nil {
		return &elbv2.DescribeRulesOutput{}, nil
	}
	return m.describeRules(in)
}

func (m *mockELBv2) CreateRule(ctx context.Context, in *elbv2.CreateRuleInput, _ ...func(*elbv2.Options)) (*elbv2.CreateRuleOutput, error) {
	if m.createRule == nil {
		return &elbv2.CreateRuleOutput{Rules: []types.Rule{{
			RuleArn:    aws.String("arn:rule/1"),
			Priority:   aws.String(fmt.Sprint(aws.ToInt32(in.Priority))),
			Conditions: in.Conditions,
			Actions:    in.Actions,
		}}}, nil
	}
	return m.createRule(in)
}

func (m *mockELBv2) ModifyRule(ctx context.Context, in *elbv2.ModifyRuleInput, _ ...func(*elbv2.Options)) (*elbv2.ModifyRuleOutput, error) {
	m.modified = append(m.modified, in)
	return &elbv2.ModifyRuleOutput{}, nil
}

func (m *mockELBv2) DeleteRule(ctx context.Context, in *elbv2.DeleteRuleInput, _ ...func(*elbv2.Options)) (*elbv2.DeleteRuleOutput, error) {
	return &elbv2.DeleteRuleOutput{}, m.deleteErr
}

func testALBConfig() ALBConfig {
	return ALBConfig{
		ListenerARN: "arn:listener/app/mcp/1",
		VPCID:       "vpc-123",
		InstanceID:  "i-0abc",
	}
}

func tags(kv ...string) []types.Tag {
	var out []types.Tag
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, types.Tag{Key: aws.String(kv[i]), Value: aws.String(kv[i+1])})
	}
	return out
}

func TestListTargetGroups_PaginatesAndFilters(t *testing.T) {
	// 25 managed groups over two pages, plus one unmanaged and one in another VPC
	var page1, page2 []types.TargetGroup
	tagsByARN := make(map[string][]types.Tag)
	for i := 0; i < 25; i++ {
		arn := fmt.Sprintf("arn:tg/%d", i)
		tg := types.TargetGroup{TargetGroupArn: aws.String(arn), TargetGroupName: aws.String(fmt.Sprintf("tg-mcp-s%d", i)), VpcId: aws.String("vpc-123")}
		if i < 15 {
			page1 = append(page1, tg)
		} else {
			page2 = append(page2, tg)
		}
		tagsByARN[arn] = tags(models.TagManagedBy, models.ManagedByValue, models.TagService, fmt.Sprintf("s%d", i), models.TagPort, fmt.Sprint(8000+i))
	}
	page2 = append(page2,
		types.TargetGroup{TargetGroupArn: aws.String("arn:tg/other"), VpcId: aws.String("vpc-123")},
		types.TargetGroup{TargetGroupArn: aws.String("arn:tg/foreign-vpc"), VpcId: aws.String("vpc-999")},
	)
	tagsByARN["arn:tg/other"] = tags("team", "payments")

	mock := &mockELBv2{
		describeTargetGroups: func(in *elbv2.DescribeTargetGroupsInput) (*elbv2.DescribeTargetGroupsOutput, error) {
			if in.Marker == nil {
				return &elbv2.DescribeTargetGroupsOutput{TargetGroups: page1, NextMarker: aws.String("page2")}, nil
			}
			return &elbv2.DescribeTargetGroupsOutput{TargetGroups: page2}, nil
		},
		describeTags: func(in *elbv2.DescribeTagsInput) (*elbv2.DescribeTagsOutput, error) {
			out := &elbv2.DescribeTagsOutput{}
			for _, arn := range in.ResourceArns {
				out.TagDescriptions = append(out.TagDescriptions, types.TagDescription{ResourceArn: aws.String(arn), Tags: tagsByARN[arn]})
			}
			return out, nil
		},
	}
	s := newALBService(mock, testALBConfig())

	groups, err := s.ListTargetGroups(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(groups) != 25 {
		t.Fatalf("Expected 25 managed groups, got %d", len(groups))
	}
	if len(mock.tagCalls) != 2 {
		t.Fatalf("Expected tags fetched in 2 batches, got %d", len(mock.tagCalls))
	}
	for _, call := range mock.tagCalls {
		if len(call.ResourceArns) > describeTagsBatch {
			t.Fatalf("DescribeTags batch too large: %d", len(call.ResourceArns))
		}
	}
	if groups[3].ServiceID != "s3" || groups[3].BoundPort != 8003 {
		t.Fatalf("Tags not mapped: %+v", groups[3])
	}
}

func TestListTargetGroups_ThrottleIsTransient(t *testing.T) {
	mock := &mockELBv2{
		describeTargetGroups: func(*elbv2.DescribeTargetGroupsInput) (*elbv2.DescribeTargetGroupsOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "Throttling", Message: "Rate exceeded"}
		},
	}
	s := newALBService(mock, testALBConfig())

	_, err := s.ListTargetGroups(context.Background())
	if err == nil || !reconciler.IsTransient(err) {
		t.Fatalf("Expected transient error, got %v", err)
	}
}

func TestCreateTargetGroup(t *testing.T) {
	mock := &mockELBv2{}
	cfg := testALBConfig()
	cfg.HealthCheckPath = "/healthz"
	s := newALBService(mock, cfg)

	tg, err := s.CreateTargetGroup(context.Background(), "github")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if tg.ARN != "arn:tg/tg-mcp-github" || tg.ServiceID != "github" {
		t.Fatalf("Unexpected target group: %+v", tg)
	}

	in := mock.createdGroups[0]
	if aws.ToString(in.Name) != "tg-mcp-github" || aws.ToString(in.VpcId) != "vpc-123" {
		t.Fatalf("Unexpected create input: name=%s vpc=%s", aws.ToString(in.Name), aws.ToString(in.VpcId))
	}
	if in.TargetType != types.TargetTypeEnumInstance || in.Protocol != types.ProtocolEnumHttp {
		t.Fatalf("Expected HTTP instance target group")
	}
	if aws.ToString(in.HealthCheckPath) != "/healthz" || aws.ToInt32(in.HealthCheckIntervalSeconds) != 30 ||
		aws.ToInt32(in.HealthCheckTimeoutSeconds) != 5 || aws.ToInt32(in.HealthyThresholdCount) != 2 ||
		aws.ToString(in.Matcher.HttpCode) != "200-299" {
		t.Fatalf("Unexpected health check settings")
	}
	found := false
	for _, tag := range in.Tags {
		if aws.ToString(tag.Key) == models.TagService && aws.ToString(tag.Value) == "github" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Expected service tag on created group")
	}
}

func TestCreateTargetGroup_AdoptsDuplicate(t *testing.T) {
	mock := &mockELBv2{
		createTargetGroup: func(*elbv2.CreateTargetGroupInput) (*elbv2.CreateTargetGroupOutput, error) {
			return nil, &types.DuplicateTargetGroupNameException{Message: aws.String("exists")}
		},
		describeTargetGroups: func(in *elbv2.DescribeTargetGroupsInput) (*elbv2.DescribeTargetGroupsOutput, error) {
			if len(in.Names) != 1 || in.Names[0] != "tg-mcp-github" {
				return nil, fmt.Errorf("unexpected lookup %v", in.Names)
			}
			return &elbv2.DescribeTargetGroupsOutput{TargetGroups: []types.TargetGroup{{
				TargetGroupArn:  aws.String("arn:tg/existing"),
				TargetGroupName: aws.String("tg-mcp-github"),
			}}}, nil
		},
	}
	s := newALBService(mock, testALBConfig())

	tg, err := s.CreateTargetGroup(context.Background(), "github")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if tg.ARN != "arn:tg/existing" {
		t.Fatalf("Expected existing group adopted, got %s", tg.ARN)
	}
	if len(mock.addTags) != 1 || mock.addTags[0].ResourceArns[0] != "arn:tg/existing" {
		t.Fatalf("Expected adopted group to be tagged")
	}
}

func TestCreateTargetGroup_RefusesGroupOfAnotherService(t *testing.T) {
	mock := &mockELBv2{
		createTargetGroup: func(*elbv2.CreateTargetGroupInput) (*elbv2.CreateTargetGroupOutput, error) {
			return nil, &types.DuplicateTargetGroupNameException{Message: aws.String("exists")}
		},
		describeTargetGroups: func(in *elbv2.DescribeTargetGroupsInput) (*elbv2.DescribeTargetGroupsOutput, error) {
			return &elbv2.DescribeTargetGroupsOutput{TargetGroups: []types.TargetGroup{{
				TargetGroupArn:  aws.String("arn:tg/taken"),
				TargetGroupName: aws.String(in.Names[0]),
			}}}, nil
		},
		describeTags: func(in *elbv2.DescribeTagsInput) (*elbv2.DescribeTagsOutput, error) {
			return &elbv2.DescribeTagsOutput{TagDescriptions: []types.TagDescription{{
				ResourceArn: aws.String("arn:tg/taken"),
				Tags:        tags(models.TagManagedBy, models.ManagedByValue, models.TagService, "search"),
			}}}, nil
		},
	}
	s := newALBService(mock, testALBConfig())

	_, err := s.CreateTargetGroup(context.Background(), "github")
	if !errors.Is(err, reconciler.ErrTargetGroupNameTaken) {
		t.Fatalf("Expected name-taken error, got %v", err)
	}
	if reconciler.IsTransient(err) {
		t.Fatalf("Expected permanent error")
	}
	if len(mock.addTags) != 0 {
		t.Fatalf("Group of another service must not be retagged")
	}
}

func TestRegisterTargetAndTagPort(t *testing.T) {
	mock := &mockELBv2{}
	s := newALBService(mock, testALBConfig())

	if err := s.RegisterTarget(context.Background(), "arn:tg/1", 8004); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	target := mock.registered[0].Targets[0]
	if aws.ToString(target.Id) != "i-0abc" || aws.ToInt32(target.Port) != 8004 {
		t.Fatalf("Unexpected target %s:%d", aws.ToString(target.Id), aws.ToInt32(target.Port))
	}

	if err := s.TagBoundPort(context.Background(), "arn:tg/1", 8004); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	tag := mock.addTags[0].Tags[0]
	if aws.ToString(tag.Key) != models.TagPort || aws.ToString(tag.Value) != "8004" {
		t.Fatalf("Unexpected port tag %s=%s", aws.ToString(tag.Key), aws.ToString(tag.Value))
	}
}

func TestListRules(t *testing.T) {
	mock := &mockELBv2{
		describeRules: func(in *elbv2.DescribeRulesInput) (*elbv2.DescribeRulesOutput, error) {
			if aws.ToString(in.ListenerArn) != "arn:listener/app/mcp/1" {
				return nil, fmt.Errorf("wrong listener")
			}
			if in.Marker == nil {
				return &elbv2.DescribeRulesOutput{
					Rules: []types.Rule{
						{RuleArn: aws.String("arn:rule/default"), Priority: aws.String("default"), IsDefault: aws.Bool(true)},
						{
							RuleArn:    aws.String("arn:rule/1"),
							Priority:   aws.String("3"),
							Conditions: pathCondition("/mcp/github/*"),
							Actions:    forwardAction("arn:tg/github"),
						},
					},
					NextMarker: aws.String("more"),
				}, nil
			}
			return &elbv2.DescribeRulesOutput{Rules: []types.Rule{{
				RuleArn:    aws.String("arn:rule/2"),
				Priority:   aws.String("7"),
				Conditions: []types.RuleCondition{{Field: aws.String("path-pattern"), Values: []string{"/admin/*"}}},
				Actions: []types.Action{{
					Type: types.ActionTypeEnumForward,
					ForwardConfig: &types.ForwardActionConfig{
						TargetGroups: []types.TargetGroupTuple{{TargetGroupArn: aws.String("arn:tg/admin")}},
					},
				}},
			}}}, nil
		},
	}
	s := newALBService(mock, testALBConfig())

	rules, err := s.ListRules(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("Expected 3 rules, got %d", len(rules))
	}
	if !rules[0].IsDefault || rules[0].Priority != 0 {
		t.Fatalf("Expected default rule first: %+v", rules[0])
	}
	if rules[1].Priority != 3 || rules[1].PathPattern != "/mcp/github/*" || rules[1].TargetGroupARN != "arn:tg/github" {
		t.Fatalf("Unexpected rule: %+v", rules[1])
	}
	if rules[2].Priority != 7 || rules[2].PathPattern != "/admin/*" || rules[2].TargetGroupARN != "arn:tg/admin" {
		t.Fatalf("Unexpected rule: %+v", rules[2])
	}
}

func TestCreateRule(t *testing.T) {
	mock := &mockELBv2{}
	s := newALBService(mock, testALBConfig())

	rule, err := s.CreateRule(context.Background(), models.CreateRuleSpec{
		ServiceID:      "github",
		PathPattern:    "/mcp/github/*",
		Priority:       4,
		TargetGroupARN: "arn:tg/github",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if rule.ServiceID != "github" || rule.Priority != 4 || rule.PathPattern != "/mcp/github/*" || rule.TargetGroupARN != "arn:tg/github" {
		t.Fatalf("Unexpected rule: %+v", rule)
	}
}

func TestCreateRule_PriorityInUse(t *testing.T) {
	mock := &mockELBv2{
		createRule: func(*elbv2.CreateRuleInput) (*elbv2.CreateRuleOutput, error) {
			return nil, &types.PriorityInUseException{Message: aws.String("Priority '4' is currently in use")}
		},
	}
	s := newALBService(mock, testALBConfig())

	_, err := s.CreateRule(context.Background(), models.CreateRuleSpec{ServiceID: "github", Priority: 4})
	var conflict *reconciler.PriorityConflictError
	if !errors.As(err, &conflict) || conflict.Priority != 4 {
		t.Fatalf("Expected priority conflict, got %v", err)
	}
	if reconciler.IsTransient(err) {
		t.Fatalf("Priority conflict must not be retried")
	}
}

func TestModifyRule(t *testing.T) {
	mock := &mockELBv2{}
	s := newALBService(mock, testALBConfig())

	if err := s.ModifyRule(context.Background(), "arn:rule/1", "/mcp/new/*", "arn:tg/new"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	in := mock.modified[0]
	if in.Conditions[0].PathPatternConfig.Values[0] != "/mcp/new/*" || aws.ToString(in.Actions[0].TargetGroupArn) != "arn:tg/new" {
		t.Fatalf("Unexpected modify input")
	}
}

func TestDeletes_AlreadyGone(t *testing.T) {
	tests := []struct {
		name string
		err  error
		call func(*ALBService) error
	}{
		{
			name: "rule",
			err:  &types.RuleNotFoundException{Message: aws.String("gone")},
			call: func(s *ALBService) error { return s.DeleteRule(context.Background(), "arn:rule/1") },
		},
		{
			name: "target group",
			err:  &types.TargetGroupNotFoundException{Message: aws.String("gone")},
			call: func(s *ALBService) error { return s.DeleteTargetGroup(context.Background(), "arn:tg/1") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newALBService(&mockELBv2{deleteErr: tt.err}, testALBConfig())
			if err := tt.call(s); err != nil {
				t.Fatalf("Expected delete of missing %s to succeed, got %v", tt.name, err)
			}
		})
	}
}

func TestDeleteTargetGroup_InUseIsPermanent(t *testing.T) {
	s := newALBService(&mockELBv2{deleteErr: &types.ResourceInUseException{Message: aws.String("in use")}}, testALBConfig())

	err := s.DeleteTargetGroup(context.Background(), "arn:tg/1")
	if err == nil || reconciler.IsTransient(err) {
		t.Fatalf("Expected permanent error, got %v", err)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"throttling", &smithy.GenericAPIError{Code: "Throttling"}, true},
		{"rate limit", &smithy.GenericAPIError{Code: "RequestLimitExceeded"}, true},
		{"server fault", &smithy.GenericAPIError{Code: "InternalError", Fault: smithy.FaultServer}, true},
		{"network timeout", fmt.Errorf("dial: %w", timeoutErr{}), true},
		{"validation", &smithy.GenericAPIError{Code: "ValidationError", Fault: smithy.FaultClient}, false},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(fmt.Errorf("call: %w", tt.err))
			if got := reconciler.IsTransient(err); got != tt.transient {
				t.Fatalf("IsTransient = %v, want %v", got, tt.transient)
			}
			if !strings.Contains(err.Error(), tt.err.Error()) {
				t.Fatalf("Expected original message kept, got %q", err.Error())
			}
		})
	}

	if classify(nil) != nil {
		t.Fatalf("classify(nil) should be nil")
	}
}
