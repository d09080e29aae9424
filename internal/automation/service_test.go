//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

package automation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/fogfish/eksfleet/internal/automation"
	"github.com/fogfish/eksfleet/internal/fleet"
	"github.com/fogfish/it/v2"
)

type mockSSM struct {
	input *ssm.StartAutomationExecutionInput
	exec  *types.AutomationExecution
	err   error
}

func (m *mockSSM) StartAutomationExecution(ctx context.Context, params *ssm.StartAutomationExecutionInput, optFns ...func(*ssm.Options)) (*ssm.StartAutomationExecutionOutput, error) {
	if m.err != nil {
		return nil, m.err
	}

	m.input = params
	return &ssm.StartAutomationExecutionOutput{AutomationExecutionId: aws.String("exec-1")}, nil
}

func (m *mockSSM) GetAutomationExecution(ctx context.Context, params *ssm.GetAutomationExecutionInput, optFns ...func(*ssm.Options)) (*ssm.GetAutomationExecutionOutput, error) {
	if m.err != nil {
		return nil, m.err
	}

	return &ssm.GetAutomationExecutionOutput{AutomationExecution: m.exec}, nil
}

func TestStart(t *testing.T) {
	api := &mockSSM{}
	s := automation.New(api, "summary-doc", "EKSManagementNode", "EKSManagementBastionHost")

	id, err := s.Start(context.Background(),
		map[string][]string{"S3Bucket": {"bucket"}},
		[]fleet.Location{fleet.NewLocation(fleet.Tenant{AccountId: "1", Region: "r"})},
		"10", "0",
	)

	it.Then(t).Should(
		it.Nil(err),
		it.Equal(id, "exec-1"),
		it.Equal(aws.ToString(api.input.DocumentName), "summary-doc"),
		it.Equal(aws.ToString(api.input.TargetParameterName), "InstanceId"),
		it.Equal(aws.ToString(api.input.Targets[0].Key), "tag:EKSManagementNode"),
		it.Equiv(api.input.Targets[0].Values, []string{"EKSManagementBastionHost"}),
		it.Equal(aws.ToString(api.input.MaxConcurrency), "10"),
		it.Equal(aws.ToString(api.input.MaxErrors), "0"),
		it.Equal(len(api.input.TargetLocations), 1),
		it.Equal(aws.ToString(api.input.TargetLocations[0].TargetLocationMaxErrors), "1"),
		it.True(aws.ToString(api.input.ClientToken) != ""),
	)
}

func TestStartFailed(t *testing.T) {
	api := &mockSSM{err: errors.New("denied")}
	s := automation.New(api, "doc", "k", "v")

	_, err := s.Start(context.Background(), nil, nil, "10", "0")
	it.Then(t).ShouldNot(it.Nil(err))
}

func TestStatus(t *testing.T) {
	started := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	api := &mockSSM{
		exec: &types.AutomationExecution{
			DocumentName:              aws.String("summary-doc"),
			AutomationExecutionStatus: types.AutomationExecutionStatusInprogress,
			ExecutionStartTime:        aws.Time(started),
			ProgressCounters:          &types.ProgressCounters{TotalSteps: 3, SuccessSteps: 1},
			TargetLocations: []types.TargetLocation{
				{Accounts: []string{"1"}, Regions: []string{"r"}, ExecutionRoleName: aws.String("role")},
			},
			StepExecutions: []types.StepExecution{
				{StepName: aws.String("Setup"), StepStatus: types.AutomationExecutionStatusSuccess, StepExecutionId: aws.String("s1")},
			},
		},
	}

	s := automation.New(api, "doc", "k", "v")
	status, err := s.Status(context.Background(), "exec-1")

	it.Then(t).Should(
		it.Nil(err),
		it.Equal(status.ExecutionId, "exec-1"),
		it.Equal(status.DocumentName, "summary-doc"),
		it.Equal(status.Status, "InProgress"),
		it.Equal(*status.StartTime, started),
		it.True(status.EndTime == nil),
		it.Equal(status.Progress.TotalSteps, 3),
		it.Equal(status.TargetLocations[0].ExecutionRoleName, "role"),
		it.Equiv(status.StepExecutions, []automation.Step{{Name: "Setup", Status: "Success", StepExecutionId: "s1"}}),
	)
}
