//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

// eksfleet-step executes steps of automation documents at bastion host.
//
//	eksfleet-step summary metadata --working-directory /opt/eksfleet \
//	  --s3-bucket reports --input-clusters '[...]'
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/fogfish/eksfleet/internal/bastion"
	_ "github.com/fogfish/logger/v3"
	"github.com/spf13/cobra"
)

// defaults of automation documents
const (
	stepRunner       = "eksfleet-step"
	workingDirectory = "/opt/eksfleet"
)

type options struct {
	workingDirectory string
	reportBasePath   string
	bucket           string
	bucketRegion     string
	eksVersion       string
	storagePrefix    string
	inputClusters    string
}

var opts options

type cobraFuncE func(cmd *cobra.Command, args []string) error

func main() {
	root := &cobra.Command{
		Use:           stepRunner,
		Short:         "Runs automation steps for EKS clusters of account/region",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.workingDirectory, "working-directory", "d", workingDirectory, "working directory of the step runner")
	flags.StringVarP(&opts.reportBasePath, "report-base-path", "r", bastion.DefaultReportPath, "reports folder within working directory")
	flags.StringVarP(&opts.bucket, "s3-bucket", "b", "", "S3 bucket for reports")
	flags.StringVarP(&opts.bucketRegion, "s3-region", "g", "", "region of S3 bucket, region of bastion host if empty")
	flags.StringVarP(&opts.eksVersion, "eks-version", "v", "", "desired EKS version")
	flags.StringVarP(&opts.storagePrefix, "s3-storage-prefix", "p", "", "prefix of velero backup bucket")
	flags.StringVarP(&opts.inputClusters, "input-clusters", "i", "[]", "JSON array of input clusters")

	root.AddCommand(
		ConfigCommand(),
		SummaryCommand(),
		BackupCommand(),
		UpgradeCommand(),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		slog.Error("step failed", "err", err)
		os.Exit(1)
	}
}

// handleErrors logs failures of the step, the exit code aborts automation
func handleErrors(name string, f cobraFuncE) cobraFuncE {
	return func(cmd *cobra.Command, args []string) error {
		slog.Info("step started", "step", name)

		if err := f(cmd, args); err != nil {
			slog.Error("step failed", "step", name, "err", err)
			return err
		}

		slog.Info("step completed", "step", name)
		return nil
	}
}

// step runs the runner's operation as sub-command
func step(use, short string, f func(*bastion.Runner, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: handleErrors(use, func(cmd *cobra.Command, args []string) error {
			runner, err := opts.runner(cmd.Context())
			if err != nil {
				return err
			}

			return f(runner, cmd.Context())
		}),
	}
}
