//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

package main

import (
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fogfish/eksfleet/internal/tenants"
	"github.com/spf13/cobra"
)

func PolicyCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Grants tenant accounts access to the reports bucket",
		Args:  cobra.NoArgs,
		RunE:  handleErrors(PolicyFunc(&opts)),
	}

	cmd.Flags().StringVarP(&opts.bucket, "bucket", "b", "", "S3 bucket of reports (required)")
	cmd.Flags().StringSliceVarP(&opts.accounts, "account", "a", nil, "tenant account, flag is repeatable")
	cmd.MarkFlagRequired("bucket")

	return cmd
}

func PolicyFunc(opts *options) cobraFuncE {
	return func(cmd *cobra.Command, args []string) error {
		seq, err := opts.tenants()
		if err != nil {
			return err
		}

		cfg, err := awsConfig(cmd.Context())
		if err != nil {
			return err
		}

		service := tenants.New(nil, s3.NewFromConfig(cfg), nil, opts.bucket)
		policy, err := service.GrantAccess(cmd.Context(), seq)
		if err != nil {
			return fmt.Errorf("bucket policy failed: %w", err)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(policy)
	}
}
