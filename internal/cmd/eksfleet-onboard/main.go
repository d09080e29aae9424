//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

// eksfleet-onboard registers tenants of the fleet bypassing the api.
//
//	eksfleet-onboard tenant -t eks-management-targets -a 123456789012 -r eu-west-1
//	eksfleet-onboard policy -b eks-management-reports -a 123456789012
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/fogfish/eksfleet/internal/fleet"
	_ "github.com/fogfish/logger/v3"
	"github.com/spf13/cobra"
)

type options struct {
	accounts []string
	region   string
	role     string
	table    string
	bucket   string
}

type cobraFuncE func(cmd *cobra.Command, args []string) error

func main() {
	root := &cobra.Command{
		Use:           "eksfleet-onboard",
		Short:         "Onboards tenant account/region pairs to the fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		TenantCommand(),
		PolicyCommand(),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		slog.Error("onboard failed", "err", err)
		os.Exit(1)
	}
}

func handleErrors(f cobraFuncE) cobraFuncE {
	return func(cmd *cobra.Command, args []string) error {
		if err := f(cmd, args); err != nil {
			return fmt.Errorf("%s: %w", cmd.Name(), err)
		}
		return nil
	}
}

func awsConfig(ctx context.Context) (aws.Config, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("aws config failed: %w", err)
	}
	return cfg, nil
}

// tenants declared by command line
func (opt options) tenants() ([]fleet.Tenant, error) {
	if len(opt.accounts) == 0 {
		return nil, fmt.Errorf("at least one account is required")
	}

	role := opt.role
	if role == "" {
		role = fleet.DefaultExecutionRoleName
	}

	seq := make([]fleet.Tenant, 0, len(opt.accounts))
	for _, account := range opt.accounts {
		if !fleet.IsAccountId(account) {
			return nil, fmt.Errorf("invalid account %q", account)
		}
		seq = append(seq, fleet.Tenant{
			AccountId:         account,
			Region:            opt.region,
			ExecutionRoleName: role,
		})
	}

	return seq, nil
}
