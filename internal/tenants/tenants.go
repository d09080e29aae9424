//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

// Package tenants onboards account/region pairs to the fleet. The tenant is
// onboarded if the orchestrator assumes its execution role, the tenant is
// recorded in the registry and the tenant account is granted access to the
// reports bucket.
package tenants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/fogfish/eksfleet/internal/fleet"
)

type STS interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

type S3 interface {
	GetBucketPolicy(ctx context.Context, params *s3.GetBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error)
	PutBucketPolicy(ctx context.Context, params *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error)
}

type Registry interface {
	Put(ctx context.Context, tenants []fleet.Tenant) ([]fleet.Tenant, error)
}

// Request to onboard tenants
type Request struct {
	Tenants []fleet.Tenant `json:"Tenants"`
}

// Onboarded tenants
type Onboarded struct {
	InsertedRecords []fleet.Tenant `json:"InsertedRecords"`
	PutBucketPolicy Policy         `json:"PutBucketPolicy"`
}

type Service struct {
	sts      STS
	s3       S3
	registry Registry
	bucket   string
}

func New(sts STS, s3 S3, registry Registry, bucket string) *Service {
	return &Service{
		sts:      sts,
		s3:       s3,
		registry: registry,
		bucket:   bucket,
	}
}

// Onboard tenants, the operation is idempotent
func (s *Service) Onboard(ctx context.Context, req Request) fleet.Response {
	if len(req.Tenants) == 0 {
		return fleet.Fail(http.StatusUnprocessableEntity, "Tenants are required")
	}

	for i, t := range req.Tenants {
		if t.AccountId == "" || t.Region == "" {
			return fleet.Fail(http.StatusUnprocessableEntity, "AccountId and Region are required")
		}
		if !fleet.IsAccountId(t.AccountId) {
			return fleet.Fail(http.StatusUnprocessableEntity, fmt.Sprintf("Invalid AccountId %s", t.AccountId))
		}
		if t.ExecutionRoleName == "" {
			req.Tenants[i].ExecutionRoleName = fleet.DefaultExecutionRoleName
		}
	}

	if err := s.AssumeRoles(ctx, req.Tenants); err != nil {
		slog.Error("failed to assume roles", "err", err)
		return fleet.Fail(http.StatusInternalServerError,
			fmt.Sprintf("Failed to assume roles: %s. Make sure you have configured the tenant accounts", err),
		)
	}

	inserted, err := s.registry.Put(ctx, req.Tenants)
	if err != nil {
		slog.Error("failed to insert records", "err", err)
		return fleet.Fail(http.StatusInternalServerError, "Failed to insert records into dynamodb")
	}

	policy, err := s.GrantAccess(ctx, req.Tenants)
	if err != nil {
		slog.Error("failed to update bucket policy", "bucket", s.bucket, "err", err)
		return fleet.Fail(http.StatusInternalServerError, "Failed to update s3 bucket policy")
	}

	return fleet.Ok(req.Tenants, Onboarded{
		InsertedRecords: inserted,
		PutBucketPolicy: policy,
	})
}

// AssumeRoles checks that execution roles of tenants are assumable
func (s *Service) AssumeRoles(ctx context.Context, tenants []fleet.Tenant) error {
	for i, t := range tenants {
		session := fmt.Sprintf("%s-%d", t.ExecutionRoleName, i+1)

		_, err := s.sts.AssumeRole(ctx, &sts.AssumeRoleInput{
			RoleArn:         aws.String(fmt.Sprintf("arn:aws:iam::%s:role/%s", t.AccountId, t.ExecutionRoleName)),
			RoleSessionName: aws.String(session),
			ExternalId:      aws.String(session),
			DurationSeconds: aws.Int32(900),
		})
		if err != nil {
			return err
		}

		slog.Info("assumed role", "account", t.AccountId, "role", t.ExecutionRoleName)
	}

	return nil
}

// GrantAccess merges tenant accounts into bucket policy
func (s *Service) GrantAccess(ctx context.Context, tenants []fleet.Tenant) (Policy, error) {
	existing, err := s.policy(ctx)
	if err != nil {
		return Policy{}, err
	}

	principals := existing.Principals(SidBucketAccess)
	for _, t := range tenants {
		principals = principals.Join(fmt.Sprintf("arn:aws:iam::%s:root", t.AccountId))
	}

	policy := NewPolicy(s.bucket, principals)
	doc, err := json.Marshal(policy)
	if err != nil {
		return Policy{}, err
	}

	_, err = s.s3.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(s.bucket),
		Policy: aws.String(string(doc)),
	})
	if err != nil {
		return Policy{}, err
	}

	slog.Info("updated bucket policy", "bucket", s.bucket, "principals", len(principals))
	return policy, nil
}

func (s *Service) policy(ctx context.Context) (Policy, error) {
	val, err := s.s3.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "NoSuchBucketPolicy" {
			return Policy{}, nil
		}
		return Policy{}, err
	}

	var policy Policy
	if err := json.Unmarshal([]byte(aws.ToString(val.Policy)), &policy); err != nil {
		return Policy{}, fmt.Errorf("invalid policy of %s: %w", s.bucket, err)
	}

	return policy, nil
}
