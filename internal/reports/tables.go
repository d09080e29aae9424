//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

package reports

import "strings"

// Column of report table exposed to clients under the key
type Column struct {
	Field string
	Key   string
}

// View is the projection of report table. Tables are catalogued by Glue
// crawler from the reports written by the bastion.
type View struct {
	// Key of details in the response
	Key string

	// Athena table
	Table string

	// Cluster has multiple rows per report
	MultiRow bool

	Columns []Column
}

// Tables catalogued by crawler
const (
	TableMetadata         = "metadata"
	TableWorkerNodes      = "workernodes"
	TableDeprecatedAPIs   = "deprecatedapis"
	TableCSR              = "csr"
	TablePSP              = "psp"
	TableUnhealthyPods    = "unhealthypods"
	TableSingleton        = "singleton"
	TableAddons           = "addons"
	TableBackupAndRestore = "backupandrestore"
	TableClusterUpgrade   = "clusterupgrade"
	TableAddonsUpgrade    = "addonsupgrade"
	TableNodegroupUpgrade = "nodegroupupgrade"
	TablePostUpgrade      = "postupgrade"
)

var (
	MetadataView = View{Key: "Metadata", Table: TableMetadata}

	DeprecatedAPIs = View{
		Key: "DeprecatedAPIs", Table: TableDeprecatedAPIs, MultiRow: true,
		Columns: []Column{
			{"name", "APIName"},
			{"apiversion", "APIVersion"},
			{"ruleset", "RuleSet"},
			{"replacewith", "Replacement"},
			{"sinceversion", "DeprecatedSince"},
			{"stopversion", "RemovedIn"},
			{"requestsinlast30days", "RequestsInLast30Days"},
			{"message", "Message"},
		},
	}

	CertificateSigningRequests = View{
		Key: "CertificateSigningRequests", Table: TableCSR, MultiRow: true,
		Columns: []Column{
			{"csrname", "Name"},
			{"signername", "SignerName"},
			{"currentstatus", "CurrentStatus"},
		},
	}

	PodSecurityPolicies = View{
		Key: "PodSecurityPolicies", Table: TablePSP, MultiRow: true,
		Columns: []Column{
			{"name", "PolicyName"},
			{"fsgroup", "FSGroup"},
			{"runasuser", "RunAsUser"},
			{"supplementalgroups", "SupplementalGroups"},
		},
	}

	UnhealthyPods = View{
		Key: "UnhealthyPods", Table: TableUnhealthyPods, MultiRow: true,
		Columns: []Column{
			{"namespace", "Namespace"},
			{"podname", "Name"},
			{"podstatus", "Status"},
			{"errorreason", "ErrorReason"},
		},
	}

	SingletonResources = View{
		Key: "SingletonResources", Table: TableSingleton, MultiRow: true,
		Columns: []Column{
			{"resource", "ResourceType"},
			{"namespace", "Namespace"},
		},
	}

	Addons = View{
		Key: "Addons", Table: TableAddons, MultiRow: true,
		Columns: []Column{
			{"name", "Name"},
			{"version", "Version"},
			{"status", "Status"},
		},
	}

	Backup = View{
		Key: "Backup", Table: TableBackupAndRestore,
		Columns: []Column{
			{"podstatus", "PodStatus"},
			{"serviceaccount", "ServiceAccount"},
			{"serviceaccountstatus", "ServiceAccountStatus"},
			{"backupstatus", "BackupStatus"},
			{"backupname", "BackupName"},
			{"backuplocation", "BackupLocation"},
		},
	}

	Restore = View{
		Key: "Restore", Table: TableBackupAndRestore,
		Columns: []Column{
			{"restorestatus", "RestoreStatus"},
			{"backupname", "BackupName"},
			{"restorebackuplocation", "RestoreBackupLocation"},
		},
	}

	Upgrade = View{
		Key: "Upgrade", Table: TableClusterUpgrade,
		Columns: []Column{
			{"clusterstatus", "ClusterStatus"},
			{"clusterupdatestatus", "ClusterUpdateStatus"},
			{"postupdateclusterversion", "UpdatedClusterVersion"},
			{"totalnodegroups", "TotalNodegroups"},
			{"nodegroupsupgraded", "NodegroupsUpgraded"},
			{"nodegroupsfailed", "NodegroupsFailed"},
			{"nodegroupsrunningdesired", "NodegroupsRunningDesiredVersion"},
			{"totaladdons", "TotalAddons"},
			{"addonsupgraded", "AddonsUpgraded"},
			{"addonsfailed", "AddonsFailed"},
			{"addonsnotactive", "AddonsNotActive"},
			{"addonsnotsupported", "AddonsNotSupported"},
			{"addonsnotininput", "AddonsNotInInput"},
			{"addonsrunninglatest", "AddonsRunningDesiredVersion"},
			{"message", "UpgradeMessage"},
		},
	}

	AddonsUpgrades = View{
		Key: "AddonsUpgrades", Table: TableAddonsUpgrade, MultiRow: true,
		Columns: []Column{
			{"name", "AddonName"},
			{"version", "PriorVersion"},
			{"updatedversion", "UpdatedVersion"},
			{"updatestatus", "UpdateStatus"},
			{"message", "AddonUpgradeMessage"},
		},
	}

	NodegroupsUpgrades = View{
		Key: "NodegroupsUpgrades", Table: TableNodegroupUpgrade, MultiRow: true,
		Columns: []Column{
			{"name", "NodegroupName"},
			{"desiredversion", "DesiredVersion"},
			{"updatestatus", "UpdateStatus"},
			{"message", "NodegroupUpgradeMessage"},
		},
	}

	PostUpgrade = View{
		Key: "PostUpgrade", Table: TablePostUpgrade, MultiRow: true,
		Columns: []Column{
			{"currentclusterversion", "CurrentClusterVersion"},
			{"type", "ResourceType"},
			{"name", "ResourceName"},
			{"currentversion", "CurrentResourceVersion"},
			{"status", "ResourceStatus"},
			{"message", "ResourceMessage"},
		},
	}
)

// Information types supported by the API
var Information = []string{
	"Metadata",
	"DeprecatedAPIs",
	"Addons",
	"UnhealthyPods",
	"SingletonResources",
	"CertificateSigningRequests",
	"PodSecurityPolicies",
	"Backup",
	"Restore",
	"Upgrade",
	"AddonUpgrades",
	"NodeGroupUpgrades",
	"PostUpgrade",
}

var views = map[string]View{
	"metadata":                   MetadataView,
	"deprecatedapis":             DeprecatedAPIs,
	"deprecated":                 DeprecatedAPIs,
	"csr":                        CertificateSigningRequests,
	"certificatesigningrequests": CertificateSigningRequests,
	"podsecuritypolicies":        PodSecurityPolicies,
	"psp":                        PodSecurityPolicies,
	"unhealthypods":              UnhealthyPods,
	"singleton":                  SingletonResources,
	"singletonresources":         SingletonResources,
	"addons":                     Addons,
	"addon":                      Addons,
	"backupandrestore":           Backup,
	"backup":                     Backup,
	"backups":                    Backup,
	"restore":                    Restore,
	"restores":                   Restore,
	"upgrade":                    Upgrade,
	"upgrades":                   Upgrade,
	"clusterupgrade":             Upgrade,
	"nodegroupupgrade":           NodegroupsUpgrades,
	"nodegroupupgrades":          NodegroupsUpgrades,
	"postupgrade":                PostUpgrade,
	"addonsupgrade":              AddonsUpgrades,
	"addonupgrades":              AddonsUpgrades,
	"addonupgrade":               AddonsUpgrades,
}

// Lookup view for information type, names are case insensitive
func Lookup(information string) (View, bool) {
	v, has := views[strings.ToLower(information)]
	return v, has
}

// Supported returns true if information type is exposed by API
func Supported(information string) bool {
	for _, x := range Information {
		if x == information {
			return true
		}
	}
	return false
}
