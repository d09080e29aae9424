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

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsec2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsiam"
	"github.com/aws/aws-cdk-go/awscdk/v2/awss3"
	"github.com/aws/jsii-runtime-go"
	"github.com/fogfish/eksfleet/internal/config"
	"github.com/fogfish/tagver"
)

type TenantProps struct {
	*awscdk.StackProps
	Version tagver.Version
	Config  *config.Config
}

// Release of velero cli installed at bastion host
const VeleroRelease = "v1.14.0"

// Tenant stack is deployed to every account/region running EKS clusters
type Tenant struct {
	awscdk.Stack
	config    *config.Config
	vpc       awsec2.Vpc
	execution awsiam.Role
	bastion   awsec2.Instance
	backup    awss3.Bucket
}

func NewTenant(app awscdk.App, props *TenantProps) *Tenant {
	if props.Config == nil {
		props.Config = config.Default()
	}

	stack := awscdk.NewStack(app,
		jsii.String(props.Version.Tag(props.Config.Prefix+"-tenant")),
		props.StackProps,
	)

	c := &Tenant{Stack: stack, config: props.Config}
	c.createExecutionRole()
	c.createNetworking()
	c.createBackupBucket()
	c.createBastion()

	return c
}

// SSM Automation of orchestrator account assumes the role
func (c *Tenant) createExecutionRole() {
	var trust awsiam.IPrincipal = awsiam.NewServicePrincipal(jsii.String("ssm.amazonaws.com"), nil)
	if account := c.config.Tenant.OrchestratorAccount; account != "" {
		trust = awsiam.NewCompositePrincipal(
			trust,
			awsiam.NewAccountPrincipal(jsii.String(account)),
		)
	}

	c.execution = awsiam.NewRole(c.Stack, jsii.String("ExecutionRole"),
		&awsiam.RoleProps{
			RoleName:  jsii.String(c.config.Orchestrator.ExecutionRoleName),
			AssumedBy: trust,
			ManagedPolicies: &[]awsiam.IManagedPolicy{
				awsiam.ManagedPolicy_FromAwsManagedPolicyName(jsii.String("service-role/AmazonSSMAutomationRole")),
			},
			InlinePolicies: &map[string]awsiam.PolicyDocument{
				"execution": awsiam.NewPolicyDocument(&awsiam.PolicyDocumentProps{
					Statements: &[]awsiam.PolicyStatement{
						awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
							Actions: jsii.Strings(
								"ssm:SendCommand",
								"ssm:ListCommands",
								"ssm:ListCommandInvocations",
								"ssm:DescribeInstanceInformation",
								"ec2:DescribeInstances",
								"tag:GetResources",
								"eks:DescribeCluster",
								"eks:ListClusters",
							),
							Resources: jsii.Strings("*"),
						}),
					},
				}),
			},
		},
	)
}

func (c *Tenant) createNetworking() {
	c.vpc = awsec2.NewVpc(c.Stack, jsii.String("VPC"),
		&awsec2.VpcProps{
			VpcName:     awscdk.Aws_STACK_NAME(),
			IpAddresses: awsec2.IpAddresses_Cidr(jsii.String(c.config.Tenant.VpcCidr)),
			MaxAzs:      jsii.Number(1),
			NatGateways: jsii.Number(0),
			SubnetConfiguration: &[]*awsec2.SubnetConfiguration{
				{
					Name:       jsii.String("public"),
					SubnetType: awsec2.SubnetType_PUBLIC,
				},
			},
		},
	)
}

func (c *Tenant) createBackupBucket() {
	c.backup = awss3.NewBucket(c.Stack, jsii.String("BackupBucket"),
		&awss3.BucketProps{
			BucketName: jsii.String(
				fmt.Sprintf("%s-%s-%s", c.config.Tenant.BackupBucketPrefix, *awscdk.Aws_ACCOUNT_ID(), *awscdk.Aws_REGION()),
			),
			BlockPublicAccess: awss3.BlockPublicAccess_BLOCK_ALL(),
			Encryption:        awss3.BucketEncryption_S3_MANAGED,
			EnforceSSL:        jsii.Bool(true),
			RemovalPolicy:     awscdk.RemovalPolicy_RETAIN,
		},
	)
}

// Bastion host runs steps of automation documents
func (c *Tenant) createBastion() {
	role := awsiam.NewRole(c.Stack, jsii.String("BastionRole"),
		&awsiam.RoleProps{
			AssumedBy: awsiam.NewServicePrincipal(jsii.String("ec2.amazonaws.com"), nil),
			ManagedPolicies: &[]awsiam.IManagedPolicy{
				awsiam.ManagedPolicy_FromAwsManagedPolicyName(jsii.String("AmazonSSMManagedInstanceCore")),
			},
			InlinePolicies: &map[string]awsiam.PolicyDocument{
				"fleet": awsiam.NewPolicyDocument(&awsiam.PolicyDocumentProps{
					Statements: &[]awsiam.PolicyStatement{
						awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
							Actions:   jsii.Strings("eks:*"),
							Resources: jsii.Strings("*"),
						}),
						awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
							Actions: jsii.Strings(
								"iam:GetRole",
								"iam:CreateRole",
								"iam:PutRolePolicy",
								"iam:GetOpenIDConnectProvider",
								"iam:ListOpenIDConnectProviders",
							),
							Resources: jsii.Strings("*"),
						}),
						awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
							Actions:   jsii.Strings("s3:GetObject", "s3:PutObject", "s3:PutObjectAcl", "s3:ListBucket"),
							Resources: jsii.Strings("arn:aws:s3:::*"),
						}),
						awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
							Actions:   jsii.Strings("sts:GetCallerIdentity"),
							Resources: jsii.Strings("*"),
						}),
					},
				}),
			},
		},
	)
	c.backup.GrantReadWrite(role, nil)

	userData := awsec2.UserData_ForLinux(nil)
	userData.AddCommands(
		jsii.String("dnf install -y golang git"),
		jsii.String(fmt.Sprintf("curl -sL https://github.com/vmware-tanzu/velero/releases/download/%[1]s/velero-%[1]s-linux-amd64.tar.gz | tar -xz -C /tmp", VeleroRelease)),
		jsii.String(fmt.Sprintf("install /tmp/velero-%[1]s-linux-amd64/velero /usr/local/bin/velero", VeleroRelease)),
		jsii.String(fmt.Sprintf("mkdir -p %s", WorkingDirectory)),
		jsii.String(fmt.Sprintf("GOBIN=/usr/local/bin GOPATH=/root/go GOCACHE=/root/.cache go install %s/internal/cmd/%s@latest", sourceCodeModule, StepRunner)),
	)

	c.bastion = awsec2.NewInstance(c.Stack, jsii.String("Bastion"),
		&awsec2.InstanceProps{
			InstanceName:  awscdk.Aws_STACK_NAME(),
			Vpc:           c.vpc,
			VpcSubnets:    &awsec2.SubnetSelection{SubnetType: awsec2.SubnetType_PUBLIC},
			InstanceType:  awsec2.NewInstanceType(jsii.String(c.config.Tenant.BastionInstanceType)),
			MachineImage:  awsec2.MachineImage_LatestAmazonLinux2023(nil),
			Role:          role,
			UserData:      userData,
			RequireImdsv2: jsii.Bool(true),
		},
	)

	tag := c.config.Orchestrator.TargetTag
	awscdk.Tags_Of(c.bastion).Add(jsii.String(tag.Key), jsii.String(tag.Value), nil)
}
