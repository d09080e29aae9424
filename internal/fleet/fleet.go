//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

// Package fleet defines the domain model shared by lambdas, the bastion
// step runner and the infrastructure: clusters, their per-action options and
// the tenants (account/region pairs) the automation is executed at.
package fleet

// Action requested for the cluster
type Action string

const (
	ActionSummary Action = "SUMMARY"
	ActionBackup  Action = "BACKUP"
	ActionRestore Action = "RESTORE"
	ActionUpgrade Action = "UPGRADE"
)

// Managed node group to upgrade, launch template version is optional
type ManagedNodeGroup struct {
	Name                  string `json:"Name,omitempty"`
	LaunchTemplateVersion string `json:"LaunchTemplateVersion,omitempty"`
}

type UpgradeOptions struct {
	// Kubernetes version to upgrade the control plane to.
	//
	// Default: the latest version known by the deployment
	DesiredEKSVersion string `json:"DesiredEKSVersion,omitempty"`

	// Addons to upgrade, the bastion uses vpc-cni, coredns and kube-proxy
	// if empty.
	AddonsToUpdate []string `json:"AddonsToUpdate,omitempty"`

	// Launch template version applied to node groups with no explicit version
	CommonLaunchTemplateVersion string `json:"CommonLaunchTemplateVersion,omitempty"`

	ManagedNodeGroups []ManagedNodeGroup `json:"ManagedNodeGroups,omitempty"`
}

type BackupOptions struct {
	BackupName               string         `json:"BackupName,omitempty"`
	VeleroNamespace          string         `json:"VeleroNamespace,omitempty"`
	VeleroPluginVersion      string         `json:"VeleroPluginVersion,omitempty"`
	ServiceAccount           string         `json:"ServiceAccount,omitempty"`
	ServiceAccountRoleName   string         `json:"ServiceAccountRoleName,omitempty"`
	ServiceAccountPolicyName string         `json:"ServiceAccountPolicyName,omitempty"`
	VeleroArguments          map[string]any `json:"VeleroArguments,omitempty"`
}

type RestoreOptions struct {
	BackupName      string         `json:"BackupName,omitempty"`
	VeleroArguments map[string]any `json:"VeleroArguments,omitempty"`
}

// Cluster is the unit of work for automation. The identity is the triple
// (account, region, name), options depend on the action.
type Cluster struct {
	AccountId      string          `json:"AccountId,omitempty"`
	Region         string          `json:"Region,omitempty"`
	ClusterName    string          `json:"ClusterName,omitempty"`
	Action         Action          `json:"Action,omitempty"`
	BackupOptions  *BackupOptions  `json:"BackupOptions,omitempty"`
	RestoreOptions *RestoreOptions `json:"RestoreOptions,omitempty"`
	UpgradeOptions *UpgradeOptions `json:"UpgradeOptions,omitempty"`
}

// Same returns true if both clusters address same physical cluster
func (c Cluster) Same(x Cluster) bool {
	return c.AccountId == x.AccountId &&
		c.Region == x.Region &&
		c.ClusterName == x.ClusterName
}

// Tenant is an account/region pair onboarded to the fleet
type Tenant struct {
	AccountId         string `json:"AccountId,omitempty"`
	Region            string `json:"Region,omitempty"`
	ExecutionRoleName string `json:"ExecutionRoleName,omitempty"`
}

// IsAccountId checks that s is 12 digits AWS account id
func IsAccountId(s string) bool {
	if len(s) != 12 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Location is SSM Automation target location
type Location struct {
	Accounts                     []string `json:"Accounts"`
	Regions                      []string `json:"Regions"`
	ExecutionRoleName            string   `json:"ExecutionRoleName"`
	TargetLocationMaxConcurrency string   `json:"TargetLocationMaxConcurrency"`
	TargetLocationMaxErrors      string   `json:"TargetLocationMaxErrors"`
}

const (
	DefaultExecutionRoleName            = "EKSManagement-SSMAutomationExecutionRole"
	DefaultTargetLocationMaxConcurrency = "10"
	DefaultTargetLocationMaxErrors      = "1"
)

// NewLocation builds target location for the tenant
func NewLocation(t Tenant) Location {
	role := t.ExecutionRoleName
	if role == "" {
		role = DefaultExecutionRoleName
	}

	return Location{
		Accounts:                     []string{t.AccountId},
		Regions:                      []string{t.Region},
		ExecutionRoleName:            role,
		TargetLocationMaxConcurrency: DefaultTargetLocationMaxConcurrency,
		TargetLocationMaxErrors:      DefaultTargetLocationMaxErrors,
	}
}
