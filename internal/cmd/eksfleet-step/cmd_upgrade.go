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

// UpgradeCommand upgrades clusters to desired version
func UpgradeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrades EKS clusters",
	}

	cmd.AddCommand(
		step("control-plane", "Upgrades control plane to desired version", (*bastion.Runner).ControlPlane),
		step("addons", "Upgrades EKS addons", (*bastion.Runner).AddonsUpgrade),
		step("nodegroups", "Upgrades managed node groups", (*bastion.Runner).Nodegroups),
		step("post-upgrade", "Reports versions of node groups and addons", (*bastion.Runner).PostUpgrade),
		step("restart-fargate", "Restarts deployments scheduled by fargate", (*bastion.Runner).RestartFargate),
	)

	return cmd
}
