//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

package tenants_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/fogfish/eksfleet/internal/fleet"
	"github.com/fogfish/eksfleet/internal/tenants"
	"github.com/fogfish/it/v2"
)

type mockSTS struct {
	inputs []*sts.AssumeRoleInput
	err    error
}

func (m *mockSTS) AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	m.inputs = append(m.inputs, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sts.AssumeRoleOutput{}, nil
}

type mockS3 struct {
	policy    string
	getErr    error
	putErr    error
	putPolicy string
}

func (m *mockS3) GetBucketPolicy(ctx context.Context, params *s3.GetBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return &s3.GetBucketPolicyOutput{Policy: aws.String(m.policy)}, nil
}

func (m *mockS3) PutBucketPolicy(ctx context.Context, params *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	m.putPolicy = aws.ToString(params.Policy)
	return &s3.PutBucketPolicyOutput{}, nil
}

type mockRegistry struct {
	tenants []fleet.Tenant
	err     error
}

func (m *mockRegistry) Put(ctx context.Context, seq []fleet.Tenant) ([]fleet.Tenant, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.tenants = append(m.tenants, seq...)
	return seq, nil
}

const existing = `{
	"Version": "2012-10-17",
	"Statement": [
		{
			"Sid": "CrossAccountBucketAccess",
			"Effect": "Allow",
			"Principal": {"AWS": "arn:aws:iam::111111111111:root"},
			"Action": "s3:ListBucket",
			"Resource": "arn:aws:s3:::reports"
		}
	]
}`

func request() tenants.Request {
	return tenants.Request{
		Tenants: []fleet.Tenant{
			{AccountId: "111111111111", Region: "eu-west-1", ExecutionRoleName: "Exec"},
			{AccountId: "222222222222", Region: "eu-west-1"},
		},
	}
}

func TestOnboard(t *testing.T) {
	t.Run("Onboard", func(t *testing.T) {
		mSTS := &mockSTS{}
		mS3 := &mockS3{policy: existing}
		mReg := &mockRegistry{}

		rsp := tenants.New(mSTS, mS3, mReg, "reports").Onboard(context.Background(), request())

		var policy tenants.Policy
		err := json.Unmarshal([]byte(mS3.putPolicy), &policy)

		it.Then(t).Should(
			it.Equal(rsp.StatusCode, 200),
			it.Nil(err),
			it.Equal(len(mSTS.inputs), 2),
			it.Equal(aws.ToString(mSTS.inputs[0].RoleArn), "arn:aws:iam::111111111111:role/Exec"),
			it.Equal(aws.ToString(mSTS.inputs[0].RoleSessionName), "Exec-1"),
			it.Equal(aws.ToString(mSTS.inputs[1].ExternalId), fleet.DefaultExecutionRoleName+"-2"),
			it.Equal(aws.ToInt32(mSTS.inputs[1].DurationSeconds), 900),
			it.Equal(len(mReg.tenants), 2),
			it.Equal(mReg.tenants[1].ExecutionRoleName, fleet.DefaultExecutionRoleName),
			it.Equal(len(policy.Statement), 2),
			it.Equiv(policy.Principals(tenants.SidBucketAccess), tenants.Strings{
				"arn:aws:iam::111111111111:root",
				"arn:aws:iam::222222222222:root",
			}),
			it.Equiv(policy.Statement[1].Resource, tenants.Strings{"arn:aws:s3:::reports/*"}),
		)
	})

	t.Run("NoBucketPolicy", func(t *testing.T) {
		mS3 := &mockS3{getErr: &smithy.GenericAPIError{Code: "NoSuchBucketPolicy"}}

		rsp := tenants.New(&mockSTS{}, mS3, &mockRegistry{}, "reports").Onboard(context.Background(), request())
		it.Then(t).Should(
			it.Equal(rsp.StatusCode, 200),
			it.True(mS3.putPolicy != ""),
		)
	})

	t.Run("NoTenants", func(t *testing.T) {
		rsp := tenants.New(&mockSTS{}, &mockS3{}, &mockRegistry{}, "reports").Onboard(context.Background(), tenants.Request{})
		it.Then(t).Should(
			it.Equal(rsp.StatusCode, 422),
		)
	})

	t.Run("InvalidTenant", func(t *testing.T) {
		req := tenants.Request{Tenants: []fleet.Tenant{{AccountId: "111111111111"}}}
		rsp := tenants.New(&mockSTS{}, &mockS3{}, &mockRegistry{}, "reports").Onboard(context.Background(), req)
		it.Then(t).Should(
			it.Equal(rsp.StatusCode, 422),
		)
	})

	t.Run("InvalidAccount", func(t *testing.T) {
		req := tenants.Request{Tenants: []fleet.Tenant{{AccountId: "1111", Region: "eu-west-1"}}}
		rsp := tenants.New(&mockSTS{}, &mockS3{}, &mockRegistry{}, "reports").Onboard(context.Background(), req)
		it.Then(t).Should(
			it.Equal(rsp.StatusCode, 422),
			it.Equal(rsp.Response.(fleet.Failure).Error.Message, "Invalid AccountId 1111"),
		)
	})

	t.Run("AssumeRoleFailed", func(t *testing.T) {
		mReg := &mockRegistry{}
		rsp := tenants.New(&mockSTS{err: errors.New("AccessDenied")}, &mockS3{}, mReg, "reports").Onboard(context.Background(), request())
		it.Then(t).Should(
			it.Equal(rsp.StatusCode, 500),
			it.Equal(rsp.Response.(fleet.Failure).Error.Message,
				"Failed to assume roles: AccessDenied. Make sure you have configured the tenant accounts"),
			it.Equal(len(mReg.tenants), 0),
		)
	})

	t.Run("RegistryFailed", func(t *testing.T) {
		mS3 := &mockS3{policy: existing}
		rsp := tenants.New(&mockSTS{}, mS3, &mockRegistry{err: errors.New("throttled")}, "reports").Onboard(context.Background(), request())
		it.Then(t).Should(
			it.Equal(rsp.StatusCode, 500),
			it.Equal(rsp.Response.(fleet.Failure).Error.Message, "Failed to insert records into dynamodb"),
			it.Equal(mS3.putPolicy, ""),
		)
	})

	t.Run("PolicyFailed", func(t *testing.T) {
		mS3 := &mockS3{policy: existing, putErr: errors.New("MalformedPolicy")}
		rsp := tenants.New(&mockSTS{}, mS3, &mockRegistry{}, "reports").Onboard(context.Background(), request())
		it.Then(t).Should(
			it.Equal(rsp.StatusCode, 500),
			it.Equal(rsp.Response.(fleet.Failure).Error.Message, "Failed to update s3 bucket policy"),
		)
	})
}

func TestStrings(t *testing.T) {
	var one, seq tenants.Strings

	it.Then(t).Should(
		it.Nil(json.Unmarshal([]byte(`"a"`), &one)),
		it.Nil(json.Unmarshal([]byte(`["a", "b"]`), &seq)),
		it.Equiv(one, tenants.Strings{"a"}),
		it.Equiv(seq, tenants.Strings{"a", "b"}),
		it.Equiv(seq.Join("a"), tenants.Strings{"a", "b"}),
		it.Equiv(seq.Join("c"), tenants.Strings{"a", "b", "c"}),
	)

	var bad tenants.Strings
	it.Then(t).ShouldNot(
		it.Nil(json.Unmarshal([]byte(`1`), &bad)),
	)
}
