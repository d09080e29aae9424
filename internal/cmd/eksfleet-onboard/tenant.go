//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

package main

import (
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/fogfish/eksfleet/internal/targets"
	"github.com/spf13/cobra"
)

func TenantCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Inserts tenants into the registry",
		Long: `
Inserts account/region pairs into the registry of tenants. Existing records
are replaced. Execution role of tenants is not verified, use api to onboard
tenants with verification.`,
		Args: cobra.NoArgs,
		RunE: handleErrors(TenantFunc(&opts)),
	}

	cmd.Flags().StringVarP(&opts.table, "table", "t", "", "DynamoDB table of tenants (required)")
	cmd.Flags().StringSliceVarP(&opts.accounts, "account", "a", nil, "tenant account, flag is repeatable")
	cmd.Flags().StringVarP(&opts.region, "region", "r", "", "tenant region (required)")
	cmd.Flags().StringVar(&opts.role, "role", "", "execution role name at tenant account")
	cmd.MarkFlagRequired("table")
	cmd.MarkFlagRequired("region")

	return cmd
}

func TenantFunc(opts *options) cobraFuncE {
	return func(cmd *cobra.Command, args []string) error {
		seq, err := opts.tenants()
		if err != nil {
			return err
		}

		cfg, err := awsConfig(cmd.Context())
		if err != nil {
			return err
		}

		registry := targets.NewRegistry(dynamodb.NewFromConfig(cfg), opts.table)
		inserted, err := registry.Put(cmd.Context(), seq)
		if err != nil {
			return fmt.Errorf("registry failed: %w", err)
		}

		for _, t := range inserted {
			slog.Info("tenant inserted", "account", t.AccountId, "region", t.Region, "role", t.ExecutionRoleName)
		}

		return nil
	}
}
