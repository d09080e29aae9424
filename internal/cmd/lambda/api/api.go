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
	"strconv"

	runtime "github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/fogfish/eksfleet/internal/automation"
	"github.com/fogfish/eksfleet/internal/reports"
	"github.com/fogfish/eksfleet/internal/targets"
	"github.com/fogfish/eksfleet/internal/tenants"
	_ "github.com/fogfish/logger/v3"
)

func main() {
	aws, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		slog.Error("fatal failure of aws config", "err", err)
		panic(err)
	}

	caching, err := strconv.Atoi(os.Getenv("ATHENA_QUERY_CACHING_MIN"))
	if err != nil {
		slog.Error("invalid ATHENA_QUERY_CACHING_MIN", "err", err)
		panic(err)
	}

	bucket := os.Getenv("S3_BUCKET")

	// Athena reports
	engine := reports.NewEngine(
		athena.NewFromConfig(aws),
		reports.EngineConfig{
			Database:       os.Getenv("ATHENA_DATABASE"),
			Catalog:        os.Getenv("ATHENA_DATASOURCE"),
			WorkGroup:      os.Getenv("ATHENA_WORKGROUP"),
			Bucket:         bucket,
			CachingMinutes: caching,
		},
	)

	// Tenants onboarding
	registry := targets.NewRegistry(dynamodb.NewFromConfig(aws), os.Getenv("TARGETS_TABLE"))
	onboarder := tenants.New(sts.NewFromConfig(aws), s3.NewFromConfig(aws), registry, bucket)

	// Automation
	invoker := NewInvoker(lambda.NewFromConfig(aws),
		os.Getenv("LAMBDA_INVOCATION_TYPE"),
		os.Getenv("LAMBDA_LOG_TYPE"),
	)
	tracker := automation.New(ssm.NewFromConfig(aws), "", "", "")

	router := New(
		Functions{
			Summary: os.Getenv("SUMMARY_AUTOMATION_LAMBDA"),
			Backup:  os.Getenv("BACKUP_AUTOMATION_LAMBDA"),
			Upgrade: os.Getenv("UPGRADE_AUTOMATION_LAMBDA"),
		},
		invoker,
		tracker,
		reports.NewRepository(engine, os.Getenv("ATHENA_DATABASE")),
		onboarder,
	)

	runtime.Start(router.Handle)
}
