//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

package awsfleet

import (
	"fmt"
	"strings"

	"github.com/fogfish/eksfleet/internal/config"
)

// Working directory of step runner at bastion host
const WorkingDirectory = "/opt/eksfleet"

// Step runner binary installed at bastion host
const StepRunner = "eksfleet-step"

// Parameter of SSM Automation document
type Parameter struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
}

// Step is the command of step runner executed at bastion host
type Step struct {
	Name    string
	Command string
	Args    []string
}

// Document is SSM Automation document running steps at bastion host.
// Every step aborts the automation on failure.
type Document struct {
	Id          string
	Lambda      string
	Description string
	Parameters  map[string]Parameter
	Steps       []Step
}

func parameters() map[string]Parameter {
	return map[string]Parameter{
		"InstanceId": {
			Type:        "String",
			Description: "(Required) Bastion host running the steps.",
		},
		"AssumeRole": {
			Type:        "String",
			Description: "(Required) The role assumed by automation at orchestrator account.",
		},
		"S3Bucket": {
			Type:        "String",
			Description: "(Required) Bucket for reports and logs.",
		},
		"S3Region": {
			Type:        "String",
			Description: "(Required) Region of the bucket, it is the orchestrator region.",
		},
		"S3OutputLogsPrefix": {
			Type:        "String",
			Description: "(Optional) Prefix of run command logs.",
			Default:     "logs/ssm",
		},
		"ExecutionTimeout": {
			Type:        "String",
			Description: "(Optional) Timeout of each step in seconds.",
			Default:     "18000",
		},
		"EKSClusters": {
			Type:        "String",
			Description: "(Optional) JSON list of input clusters.",
			Default:     "[]",
		},
		"UpdateSoftware": {
			Type:        "String",
			Description: "(Optional) UPDATE reinstalls the step runner, SKIP keeps installed one.",
			Default:     "SKIP",
		},
	}
}

func configure() []Step {
	return []Step{
		{Name: "ConfigRegion", Command: "config region"},
		{Name: "ConfigClusters", Command: "config clusters"},
		{Name: "ConfigKubeconfig", Command: "config kubeconfig"},
		{Name: "ConfigReports", Command: "config reports"},
	}
}

func SummaryDocument(cfg *config.Config) Document {
	return Document{
		Id:          "Summary",
		Lambda:      "summary",
		Description: "Reports summary of EKS clusters.",
		Parameters:  parameters(),
		Steps: append(configure(),
			Step{Name: "Metadata", Command: "summary metadata"},
			Step{Name: "Addons", Command: "summary addons"},
			Step{Name: "CertificateSigningRequests", Command: "summary csr"},
			Step{Name: "UnhealthyPods", Command: "summary unhealthy-pods"},
			Step{Name: "SingletonResources", Command: "summary singleton"},
			Step{Name: "PodSecurityPolicies", Command: "summary psp"},
			Step{Name: "DeprecatedAPIs", Command: "summary deprecated-apis",
				Args: []string{"--eks-version", cfg.Orchestrator.LatestEKSVersion}},
		),
	}
}

// BackupDocument backups and restores clusters, each cluster defines
// its action.
func BackupDocument(cfg *config.Config) Document {
	storage := []string{"--s3-storage-prefix", cfg.Tenant.BackupBucketPrefix}

	return Document{
		Id:          "Backup",
		Lambda:      "backup",
		Description: "Backup and restore EKS clusters with Velero.",
		Parameters:  parameters(),
		Steps: append(configure(),
			Step{Name: "ServiceAccount", Command: "backup service-account", Args: storage},
			Step{Name: "InstallVelero", Command: "backup install-velero", Args: storage},
			Step{Name: "Backup", Command: "backup backup"},
			Step{Name: "Restore", Command: "backup restore"},
		),
	}
}

func UpgradeDocument(cfg *config.Config) Document {
	return Document{
		Id:          "Upgrade",
		Lambda:      "upgrade",
		Description: "Upgrade EKS clusters control plane, addons and node groups.",
		Parameters:  parameters(),
		Steps: append(configure(),
			Step{Name: "ControlPlane", Command: "upgrade control-plane"},
			Step{Name: "Addons", Command: "upgrade addons"},
			Step{Name: "Nodegroups", Command: "upgrade nodegroups"},
			Step{Name: "PostUpgrade", Command: "upgrade post-upgrade"},
			Step{Name: "RestartFargate", Command: "upgrade restart-fargate"},
		),
	}
}

// Content of SSM Automation document (schema 0.3)
func (d Document) Content() map[string]any {
	steps := make([]map[string]any, 0, len(d.Steps)+1)
	steps = append(steps, d.runCommand("InstallTools", install()))

	for _, step := range d.Steps {
		steps = append(steps, d.runCommand(step.Name, d.command(step)))
	}

	return map[string]any{
		"schemaVersion": "0.3",
		"description":   d.Description,
		"assumeRole":    "{{ AssumeRole }}",
		"parameters":    d.Parameters,
		"mainSteps":     steps,
	}
}

func (d Document) runCommand(name string, commands []string) map[string]any {
	return map[string]any{
		"name":        name,
		"action":      "aws:runCommand",
		"onFailure":   "Abort",
		"maxAttempts": 1,
		"inputs": map[string]any{
			"DocumentName": "AWS-RunShellScript",
			"InstanceIds":  []string{"{{ InstanceId }}"},
			"Parameters": map[string]any{
				"commands":         commands,
				"workingDirectory": WorkingDirectory,
				"executionTimeout": "{{ ExecutionTimeout }}",
			},
			"OutputS3BucketName": "{{ S3Bucket }}",
			"OutputS3KeyPrefix":  fmt.Sprintf("{{ S3OutputLogsPrefix }}/%s", strings.ToLower(name)),
		},
	}
}

func (d Document) command(step Step) []string {
	args := []string{
		StepRunner,
		step.Command,
		"--working-directory", WorkingDirectory,
		"--s3-bucket", "'{{ S3Bucket }}'",
		"--s3-region", "'{{ S3Region }}'",
		"--input-clusters", "'{{ EKSClusters }}'",
	}
	args = append(args, step.Args...)

	return []string{
		"set -e",
		strings.Join(args, " "),
	}
}

func install() []string {
	return []string{
		"set -e",
		fmt.Sprintf("mkdir -p %s", WorkingDirectory),
		fmt.Sprintf(`if [ "{{ UpdateSoftware }}" = "UPDATE" ] || ! command -v %s; then`, StepRunner),
		fmt.Sprintf("  GOBIN=/usr/local/bin go install %s/internal/cmd/%s@latest", sourceCodeModule, StepRunner),
		"fi",
	}
}
