//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/fogfish/eksfleet/internal/bastion"
	"github.com/fogfish/eksfleet/internal/fleet"
	"github.com/fogfish/stream"
)

func (opt options) clusters() ([]fleet.Cluster, error) {
	seq := []fleet.Cluster{}
	if opt.inputClusters == "" {
		return seq, nil
	}

	if err := json.Unmarshal([]byte(opt.inputClusters), &seq); err != nil {
		return nil, fmt.Errorf("invalid input clusters: %w", err)
	}

	return seq, nil
}

// runner of steps, the region is configured by `config region` step
func (opt options) runner(ctx context.Context) (*bastion.Runner, error) {
	input, err := opt.clusters()
	if err != nil {
		return nil, err
	}

	region, err := bastion.Region(opt.workingDirectory)
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("aws config failed: %w", err)
	}

	caller, err := sts.NewFromConfig(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("caller identity failed: %w", err)
	}

	storage, err := opt.storage(region)
	if err != nil {
		return nil, err
	}

	return bastion.New(
		bastion.Options{
			WorkingDirectory: opt.workingDirectory,
			ReportBasePath:   opt.reportBasePath,
			Bucket:           opt.bucket,
			EKSVersion:       opt.eksVersion,
			StoragePrefix:    opt.storagePrefix,
			InputClusters:    input,
		},
		aws.ToString(caller.Account),
		region,
		eks.NewFromConfig(cfg),
		iam.NewFromConfig(cfg),
		bastion.NewKubeconfig(opt.workingDirectory),
		bastion.Shell{},
		storage,
	), nil
}

// Region of reports bucket, the bucket belongs to orchestrator region
// that might differ from the bastion host region
func (opt options) storageRegion(region string) string {
	if opt.bucketRegion != "" {
		return opt.bucketRegion
	}
	return region
}

// Mount S3 as file system
func (opt options) storage(region string) (bastion.Storage, error) {
	if opt.bucket == "" {
		return func(path string) (io.WriteCloser, error) {
			return nil, fmt.Errorf("s3 bucket is not defined, unable to write %s", path)
		}, nil
	}

	// file system uses default aws config, it is only used for the bucket
	if err := os.Setenv("AWS_REGION", opt.storageRegion(region)); err != nil {
		return nil, err
	}

	s3fs, err := stream.NewFS(opt.bucket)
	if err != nil {
		return nil, fmt.Errorf("s3 file system failed: %w", err)
	}

	return func(path string) (io.WriteCloser, error) {
		return s3fs.Create(path, nil)
	}, nil
}
