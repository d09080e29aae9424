//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

// Package clusters turns clusters supplied by the caller into validated
// clusters with defaulted options, one source per action.
package clusters

import (
	"fmt"
	"strings"
	"time"

	"github.com/fogfish/eksfleet/internal/fleet"
)

const (
	DefaultVeleroNamespace     = "velero"
	DefaultVeleroPluginVersion = "v1.10.1"

	// IAM role name limits
	minRoleLength = 1
	maxRoleLength = 64
)

// Options used to default the input clusters
type Options struct {
	// Resource prefix of the deployment
	Prefix string

	// EKS version used when upgrade does not define one
	LatestEKSVersion string

	// Date of the request, used for backup names
	Date time.Time
}

// Source of clusters for the action
type Source struct {
	action   fleet.Action
	array    string
	defaults func(*fleet.Cluster)
	validate func(*fleet.Cluster) error
}

// Summary clusters need no options
func Summary() Source {
	return Source{action: fleet.ActionSummary, array: "Summary"}
}

// Backup clusters get velero options defaulted
func Backup(opts Options) Source {
	return Source{
		action: fleet.ActionBackup,
		array:  "Backup",
		defaults: func(c *fleet.Cluster) {
			o := BackupOptions(opts, *c)
			c.BackupOptions = &o
		},
		validate: func(c *fleet.Cluster) error {
			role := c.BackupOptions.ServiceAccountRoleName
			if len(role) < minRoleLength || len(role) > maxRoleLength {
				return fleet.Unprocessable(
					fmt.Sprintf("Provided/ defaulted role name %s for %s", role, c.ClusterName),
				)
			}
			return nil
		},
	}
}

// BackupOptions of the cluster with velero defaults
func BackupOptions(opts Options, c fleet.Cluster) fleet.BackupOptions {
	o := fleet.BackupOptions{}
	if c.BackupOptions != nil {
		o = *c.BackupOptions
	}

	if o.BackupName == "" {
		o.BackupName = fmt.Sprintf("%s-%s-%s", opts.Date.Format(time.DateOnly), c.Region, c.ClusterName)
	}
	if o.VeleroNamespace == "" {
		o.VeleroNamespace = DefaultVeleroNamespace
	}
	if o.VeleroPluginVersion == "" {
		o.VeleroPluginVersion = DefaultVeleroPluginVersion
	}
	if o.ServiceAccount == "" {
		o.ServiceAccount = strings.ToLower(opts.Prefix) + "-velero-service-account"
	}
	if o.ServiceAccountRoleName == "" {
		o.ServiceAccountRoleName = fmt.Sprintf("%s-sa-%s-Role", opts.Prefix, c.ClusterName)
	}
	if o.ServiceAccountPolicyName == "" {
		o.ServiceAccountPolicyName = opts.Prefix + "-backup-location-policy"
	}

	return o
}

// Restore clusters requires backup name
func Restore() Source {
	return Source{
		action: fleet.ActionRestore,
		array:  "Restore",
		defaults: func(c *fleet.Cluster) {
			if c.RestoreOptions == nil {
				c.RestoreOptions = &fleet.RestoreOptions{}
			}
		},
		validate: func(c *fleet.Cluster) error {
			if c.RestoreOptions.BackupName == "" {
				return fleet.Unprocessable(
					fmt.Sprintf("BackupName is required for RESTORE action for %s", c.ClusterName),
				)
			}
			return nil
		},
	}
}

// Upgrade clusters get desired version defaulted
func Upgrade(opts Options) Source {
	return Source{
		action: fleet.ActionUpgrade,
		array:  "Upgrade",
		defaults: func(c *fleet.Cluster) {
			o := fleet.UpgradeOptions{}
			if c.UpgradeOptions != nil {
				o = *c.UpgradeOptions
			}

			if o.DesiredEKSVersion == "" {
				o.DesiredEKSVersion = opts.LatestEKSVersion
			}

			c.UpgradeOptions = &o
		},
		validate: func(c *fleet.Cluster) error {
			for _, ng := range c.UpgradeOptions.ManagedNodeGroups {
				if ng.Name == "" {
					return fleet.Unprocessable(
						fmt.Sprintf("One of these fields are missing in ManagedNodeGroups - Name for %s", c.ClusterName),
					)
				}
			}
			return nil
		},
	}
}

// Clusters validates input and returns clusters with defaults
func (s Source) Clusters(seq []fleet.Cluster) ([]fleet.Cluster, error) {
	clusters := make([]fleet.Cluster, 0, len(seq))

	for _, in := range seq {
		c := in

		if c.AccountId == "" || c.Region == "" || c.ClusterName == "" {
			return nil, fleet.Unprocessable("One of these fields are missing - AccountId, Region, ClusterName")
		}

		if c.Action == "" {
			c.Action = s.action
		}

		if c.Action != s.action {
			return nil, fleet.Unprocessable(
				fmt.Sprintf("Only %s value is allowed for action field in `%s` array for %s", s.action, s.array, c.ClusterName),
			)
		}

		if s.defaults != nil {
			s.defaults(&c)
		}

		if s.validate != nil {
			if err := s.validate(&c); err != nil {
				return nil, err
			}
		}

		clusters = append(clusters, c)
	}

	return clusters, nil
}

// FromEvent selects the input clusters relevant to the action. The backup
// automation handles both backup and restore requests.
func FromEvent(action fleet.Action, in fleet.Clusters, opts Options) ([]fleet.Cluster, error) {
	switch action {
	case fleet.ActionSummary:
		return Summary().Clusters(in.Summary)
	case fleet.ActionUpgrade:
		return Upgrade(opts).Clusters(in.Upgrade)
	case fleet.ActionBackup, fleet.ActionRestore:
		backup, err := Backup(opts).Clusters(in.Backup)
		if err != nil {
			return nil, err
		}

		restore, err := Restore().Clusters(in.Restore)
		if err != nil {
			return nil, err
		}

		return append(backup, restore...), nil
	default:
		return nil, fmt.Errorf("clusters: action %s is not supported", action)
	}
}
