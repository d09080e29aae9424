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

// BackupCommand backups and restores clusters with velero
func BackupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Backups and restores EKS clusters with Velero",
	}

	cmd.AddCommand(
		step("service-account", "Creates velero service account bound to IAM role", (*bastion.Runner).ServiceAccount),
		step("install-velero", "Installs velero into cluster", (*bastion.Runner).InstallVelero),
		step("backup", "Creates velero backup", (*bastion.Runner).Backup),
		step("restore", "Restores cluster from velero backup", (*bastion.Runner).Restore),
	)

	return cmd
}
