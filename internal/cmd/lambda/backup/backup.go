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
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/fogfish/eksfleet/internal/automation"
	"github.com/fogfish/eksfleet/internal/clusters"
	"github.com/fogfish/eksfleet/internal/fleet"
	"github.com/fogfish/eksfleet/internal/targets"
	_ "github.com/fogfish/logger/v3"
)

func main() {
	document := os.Getenv("DOCUMENT_NAME")
	if document == "" {
		slog.Error("DOCUMENT_NAME environment variable is required")
		panic("DOCUMENT_NAME is not defined")
	}

	aws, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		slog.Error("fatal failure of aws config", "err", err)
		panic(err)
	}

	// Restore clusters are launched by the same document
	function := automation.NewFunction(fleet.ActionBackup,
		automation.Env{
			AssumeRole:       os.Getenv("SSM_ASSUME_ROLE"),
			Bucket:           os.Getenv("S3_BUCKET"),
			BucketRegion:     aws.Region,
			ExecutionTimeout: os.Getenv("EXECUTION_TIMEOUT"),
		},
		clusters.Options{
			Prefix:           os.Getenv("RESOURCE_PREFIX"),
			LatestEKSVersion: os.Getenv("LATEST_EKS_VERSION"),
		},
		targets.NewRegistry(dynamodb.NewFromConfig(aws), os.Getenv("TARGETS_TABLE")),
		automation.New(ssm.NewFromConfig(aws),
			document,
			os.Getenv("TARGET_TAG_KEY"),
			os.Getenv("TARGET_TAG_VALUE"),
		),
	)

	lambda.Start(function.Handle)
}
