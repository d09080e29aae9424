//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

// Package config defines deployment configuration of the fleet management.
// The configuration is a YAML (or JSON) file, fields absent in the file keep
// default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Prefix of resources created by the deployment
	//
	// Default: eks-management
	Prefix string `yaml:"prefix"`

	Orchestrator Orchestrator `yaml:"orchestrator"`
	Tenant       Tenant       `yaml:"tenant"`
}

// Orchestrator account configuration
type Orchestrator struct {
	// Name of S3 bucket for reports, logs and runbook artifacts.
	// CloudFormation assigns the name if empty.
	Bucket string `yaml:"bucket"`

	// Name of DynamoDB table with onboarded tenants
	TargetsTable string `yaml:"targetsTable"`

	AthenaDatabase  string `yaml:"athenaDatabase"`
	AthenaWorkGroup string `yaml:"athenaWorkGroup"`
	AthenaCatalog   string `yaml:"athenaCatalog"`
	GlueCrawler     string `yaml:"glueCrawler"`

	// The latest EKS version, upgrade uses it if cluster does not define
	// the desired version.
	LatestEKSVersion string `yaml:"latestEKSVersion"`

	// Age of Athena query results reused by the API
	QueryCachingMinutes int `yaml:"queryCachingMinutes"`

	// Timeout of SSM run command steps, in seconds
	ExecutionTimeout string `yaml:"executionTimeout"`

	// Tag identifying the bastion hosts at tenant accounts
	TargetTag TargetTag `yaml:"targetTag"`

	// Role assumed by SSM Automation at tenant accounts
	ExecutionRoleName string `yaml:"executionRoleName"`

	Features Features `yaml:"features"`

	// Invocation type used by api lambda to call automation lambdas
	LambdaInvocationType string `yaml:"lambdaInvocationType"`
	LambdaLogType        string `yaml:"lambdaLogType"`
}

type TargetTag struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// Features toggled individually, disabled features emit no resources
type Features struct {
	Api       bool `yaml:"api"`
	Summary   bool `yaml:"summary"`
	Backup    bool `yaml:"backup"`
	Upgrade   bool `yaml:"upgrade"`
	Analytics bool `yaml:"analytics"`
}

// Tenant account configuration
type Tenant struct {
	// Account running the orchestrator, trusted by the execution role
	OrchestratorAccount string `yaml:"orchestratorAccount"`

	BastionInstanceType string `yaml:"bastionInstanceType"`
	VpcCidr             string `yaml:"vpcCidr"`

	// Prefix of velero backup bucket {prefix}-{account}-{region}
	BackupBucketPrefix string `yaml:"backupBucketPrefix"`
}

const (
	// Configuration file used by cdk app if context does not define one
	DefaultPath = "config/eksfleet.yaml"

	DefaultPrefix             = "eks-management"
	DefaultExecutionRoleName  = "EKSManagement-SSMAutomationExecutionRole"
	DefaultBackupBucketPrefix = "eksmanagement-automation-velero-backup"
)

// Default configuration
func Default() *Config {
	return &Config{
		Prefix: DefaultPrefix,
		Orchestrator: Orchestrator{
			AthenaDatabase:      "eks_management",
			AthenaWorkGroup:     "eks-management",
			AthenaCatalog:       "AwsDataCatalog",
			GlueCrawler:         "eks-management-reports",
			LatestEKSVersion:    "1.30",
			QueryCachingMinutes: 60,
			ExecutionTimeout:    "18000",
			TargetTag: TargetTag{
				Key:   "EKSManagementNode",
				Value: "EKSManagementBastionHost",
			},
			ExecutionRoleName: DefaultExecutionRoleName,
			Features: Features{
				Api:       true,
				Summary:   true,
				Backup:    true,
				Upgrade:   true,
				Analytics: true,
			},
			LambdaInvocationType: "RequestResponse",
			LambdaLogType:        "Tail",
		},
		Tenant: Tenant{
			BastionInstanceType: "t3.small",
			VpcCidr:             "10.0.0.0/24",
			BackupBucketPrefix:  DefaultBackupBucketPrefix,
		},
	}
}

// Load configuration from file, JSON is accepted as subset of YAML.
// Empty path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	if err := Parse(b, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

// Parse YAML document on top of given configuration
func Parse(b []byte, cfg *Config) error {
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return err
	}

	return cfg.Validate()
}

var (
	ErrPrefix        = errors.New("config: prefix is required")
	ErrTargetTag     = errors.New("config: target tag key and value are required")
	ErrExecutionRole = errors.New("config: execution role name is required")
)

func (cfg *Config) Validate() error {
	if cfg.Prefix == "" {
		return ErrPrefix
	}

	o := cfg.Orchestrator
	if o.TargetTag.Key == "" || o.TargetTag.Value == "" {
		return ErrTargetTag
	}

	if o.ExecutionRoleName == "" {
		return ErrExecutionRole
	}

	if err := validVersion(o.LatestEKSVersion); err != nil {
		return err
	}

	if _, err := strconv.Atoi(o.ExecutionTimeout); err != nil {
		return fmt.Errorf("config: execution timeout %q is not seconds: %w", o.ExecutionTimeout, err)
	}

	switch o.LambdaInvocationType {
	case "RequestResponse", "Event", "DryRun":
	default:
		return fmt.Errorf("config: lambda invocation type %q is not supported", o.LambdaInvocationType)
	}

	switch o.LambdaLogType {
	case "Tail", "None":
	default:
		return fmt.Errorf("config: lambda log type %q is not supported", o.LambdaLogType)
	}

	return nil
}

// Kubernetes versions are major.minor
func validVersion(v string) error {
	if strings.Count(v, ".") != 1 {
		return fmt.Errorf("config: EKS version %q is not major.minor", v)
	}

	if _, err := semver.NewVersion(v); err != nil {
		return fmt.Errorf("config: EKS version %q: %w", v, err)
	}

	return nil
}
