//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

package main

import (
	"github.com/fogfish/eksfleet/internal/bastion"
	"github.com/spf13/cobra"
)

// SummaryCommand reports state of clusters
func SummaryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Reports summary of EKS clusters",
	}

	cmd.AddCommand(
		step("metadata", "Reports cluster version, core addons and worker nodes", (*bastion.Runner).Metadata),
		step("addons", "Reports EKS addons", (*bastion.Runner).Addons),
		step("csr", "Reports certificate signing requests", (*bastion.Runner).CertificateSigningRequests),
		step("unhealthy-pods", "Reports pods which are neither running nor succeeded", (*bastion.Runner).UnhealthyPods),
		step("singleton", "Reports workloads with single replica or node", (*bastion.Runner).Singleton),
		step("psp", "Reports pod security policies", (*bastion.Runner).PodSecurityPolicies),
		step("deprecated-apis", "Reports deprecated APIs found by EKS upgrade insights", (*bastion.Runner).DeprecatedAPIs),
	)

	return cmd
}
