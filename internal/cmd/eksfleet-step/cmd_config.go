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
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/fogfish/eksfleet/internal/bastion"
	"github.com/spf13/cobra"
)

// ConfigCommand prepares working directory of bastion host
func ConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configures working directory of the step runner",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "region",
			Short: "Discovers region of bastion host from instance metadata",
			Args:  cobra.NoArgs,
			RunE:  handleErrors("region", ConfigRegionFunc(&opts)),
		},
		step("clusters", "Lists clusters accessible by bastion host", configClusters),
		step("kubeconfig", "Writes kubeconfig of clusters and checks access", (*bastion.Runner).ConfigKubeconfig),
		step("reports", "Cleans up reports of clusters", (*bastion.Runner).ConfigReports),
		&cobra.Command{
			Use:   "filter",
			Short: "Prints number of input clusters at account/region",
			Args:  cobra.NoArgs,
			RunE:  handleErrors("filter", ConfigFilterFunc(&opts)),
		},
	)

	return cmd
}

func ConfigRegionFunc(opt *options) cobraFuncE {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadDefaultConfig(cmd.Context())
		if err != nil {
			return fmt.Errorf("aws config failed: %w", err)
		}

		_, err = bastion.ConfigRegion(cmd.Context(), imds.NewFromConfig(cfg), opt.workingDirectory)
		return err
	}
}

func ConfigFilterFunc(opt *options) cobraFuncE {
	return func(cmd *cobra.Command, args []string) error {
		runner, err := opt.runner(cmd.Context())
		if err != nil {
			return err
		}

		return runner.ConfigFilter(cmd.Context(), cmd.OutOrStdout())
	}
}

func configClusters(r *bastion.Runner, ctx context.Context) error {
	_, err := r.ConfigClusters(ctx)
	return err
}
