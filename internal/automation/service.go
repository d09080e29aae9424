//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

// Package automation launches SSM Automation documents on bastion hosts of
// tenant accounts and reports the status of executions.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/fogfish/eksfleet/internal/fleet"
	"github.com/google/uuid"
)

// Document parameter naming the bastion instance
const TargetParameterName = "InstanceId"

type SSM interface {
	StartAutomationExecution(ctx context.Context, params *ssm.StartAutomationExecutionInput, optFns ...func(*ssm.Options)) (*ssm.StartAutomationExecutionOutput, error)
	GetAutomationExecution(ctx context.Context, params *ssm.GetAutomationExecutionInput, optFns ...func(*ssm.Options)) (*ssm.GetAutomationExecutionOutput, error)
}

// Service executes the document on hosts tagged with key=value
type Service struct {
	api      SSM
	document string
	tagKey   string
	tagValue string
}

func New(api SSM, document, tagKey, tagValue string) *Service {
	return &Service{
		api:      api,
		document: document,
		tagKey:   tagKey,
		tagValue: tagValue,
	}
}

// Start automation at target locations
func (s *Service) Start(
	ctx context.Context,
	parameters map[string][]string,
	locations []fleet.Location,
	maxConcurrency, maxErrors string,
) (string, error) {
	targetLocations := make([]types.TargetLocation, 0, len(locations))
	for _, loc := range locations {
		targetLocations = append(targetLocations, types.TargetLocation{
			Accounts:                     loc.Accounts,
			Regions:                      loc.Regions,
			ExecutionRoleName:            aws.String(loc.ExecutionRoleName),
			TargetLocationMaxConcurrency: aws.String(loc.TargetLocationMaxConcurrency),
			TargetLocationMaxErrors:      aws.String(loc.TargetLocationMaxErrors),
		})
	}

	val, err := s.api.StartAutomationExecution(ctx,
		&ssm.StartAutomationExecutionInput{
			DocumentName:        aws.String(s.document),
			ClientToken:         aws.String(uuid.NewString()),
			TargetParameterName: aws.String(TargetParameterName),
			Parameters:          parameters,
			Targets: []types.Target{
				{Key: aws.String("tag:" + s.tagKey), Values: []string{s.tagValue}},
			},
			MaxConcurrency:  aws.String(maxConcurrency),
			MaxErrors:       aws.String(maxErrors),
			TargetLocations: targetLocations,
		},
	)
	if err != nil {
		return "", fmt.Errorf("start automation %s: %w", s.document, err)
	}

	id := aws.ToString(val.AutomationExecutionId)
	slog.Info("automation started", "document", s.document, "execution", id)

	return id, nil
}

// Progress of automation steps
type Progress struct {
	TotalSteps     int32 `json:"TotalSteps"`
	SuccessSteps   int32 `json:"SuccessSteps"`
	FailedSteps    int32 `json:"FailedSteps"`
	CancelledSteps int32 `json:"CancelledSteps"`
	TimedOutSteps  int32 `json:"TimedOutSteps"`
}

type Step struct {
	Name            string `json:"Name"`
	Status          string `json:"Status"`
	StepExecutionId string `json:"StepExecutionId"`
}

// Status of automation execution
type Status struct {
	ExecutionId     string           `json:"ExecutionId"`
	DocumentName    string           `json:"DocumentName"`
	Status          string           `json:"Status"`
	StartTime       *time.Time       `json:"StartTime,omitempty"`
	EndTime         *time.Time       `json:"EndTime,omitempty"`
	Progress        *Progress        `json:"Progress,omitempty"`
	TargetLocations []fleet.Location `json:"TargetLocations"`
	StepExecutions  []Step           `json:"StepExecutions"`
}

// Status of automation execution
func (s *Service) Status(ctx context.Context, id string) (*Status, error) {
	val, err := s.api.GetAutomationExecution(ctx,
		&ssm.GetAutomationExecutionInput{
			AutomationExecutionId: aws.String(id),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("automation %s: %w", id, err)
	}

	exec := val.AutomationExecution
	if exec == nil {
		return nil, fmt.Errorf("Failed to fetch SSM execution status for %s", id)
	}

	status := &Status{
		ExecutionId:     id,
		DocumentName:    aws.ToString(exec.DocumentName),
		Status:          string(exec.AutomationExecutionStatus),
		StartTime:       exec.ExecutionStartTime,
		EndTime:         exec.ExecutionEndTime,
		TargetLocations: make([]fleet.Location, 0, len(exec.TargetLocations)),
		StepExecutions:  make([]Step, 0, len(exec.StepExecutions)),
	}

	if c := exec.ProgressCounters; c != nil {
		status.Progress = &Progress{
			TotalSteps:     c.TotalSteps,
			SuccessSteps:   c.SuccessSteps,
			FailedSteps:    c.FailedSteps,
			CancelledSteps: c.CancelledSteps,
			TimedOutSteps:  c.TimedOutSteps,
		}
	}

	for _, loc := range exec.TargetLocations {
		status.TargetLocations = append(status.TargetLocations, fleet.Location{
			Accounts:                     loc.Accounts,
			Regions:                      loc.Regions,
			ExecutionRoleName:            aws.ToString(loc.ExecutionRoleName),
			TargetLocationMaxConcurrency: aws.ToString(loc.TargetLocationMaxConcurrency),
			TargetLocationMaxErrors:      aws.ToString(loc.TargetLocationMaxErrors),
		})
	}

	for _, step := range exec.StepExecutions {
		status.StepExecutions = append(status.StepExecutions, Step{
			Name:            aws.ToString(step.StepName),
			Status:          string(step.StepStatus),
			StepExecutionId: aws.ToString(step.StepExecutionId),
		})
	}

	return status, nil
}
