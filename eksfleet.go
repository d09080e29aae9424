//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

package main

import (
	"log/slog"
	"os"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/jsii-runtime-go"
	"github.com/fogfish/eksfleet/internal/awsfleet"
	"github.com/fogfish/eksfleet/internal/config"
	_ "github.com/fogfish/logger/v3"
	"github.com/fogfish/tagver"
)

func main() {
	app := awscdk.NewApp(nil)

	// eks-management-vX
	vsn := FromContextVsn(app)
	cfg := FromContextConfig(app)
	props := &awscdk.StackProps{
		Env: &awscdk.Environment{
			Account: jsii.String(os.Getenv("CDK_DEFAULT_ACCOUNT")),
			Region:  jsii.String(os.Getenv("CDK_DEFAULT_REGION")),
		},
	}

	// cdk deploy -c stack=tenant deploys tenant account resources
	switch FromContext(app, "stack") {
	case "tenant":
		awsfleet.NewTenant(app,
			&awsfleet.TenantProps{
				StackProps: props,
				Version:    vsn.Get("tenant", "main"),
				Config:     cfg,
			},
		)
	default:
		awsfleet.New(app,
			&awsfleet.FleetProps{
				StackProps: props,
				Version:    vsn.Get("fleet", "main"),
				Config:     cfg,
			},
		)
	}

	app.Synth(nil)
}

//------------------------------------------------------------------------------

func FromContext(app awscdk.App, key string) string {
	val := app.Node().TryGetContext(jsii.String(key))
	switch v := val.(type) {
	case string:
		return v
	default:
		return ""
	}
}

func FromContextVsn(app awscdk.App) tagver.Versions {
	return tagver.NewVersions(FromContext(app, "vsn"))
}

// FromContextConfig loads configuration file given by -c config=path,
// defaults are used otherwise
func FromContextConfig(app awscdk.App) *config.Config {
	path := FromContext(app, "config")
	if path == "" {
		if _, err := os.Stat(config.DefaultPath); err == nil {
			path = config.DefaultPath
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("invalid configuration", "path", path, "err", err)
		panic(err)
	}

	if account := FromContext(app, "orchestrator"); account != "" {
		cfg.Tenant.OrchestratorAccount = account
	}

	return cfg
}
