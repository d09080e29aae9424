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
	"strconv"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsapigateway"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsathena"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsdynamodb"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsglue"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsiam"
	"github.com/aws/aws-cdk-go/awscdk/v2/awslambda"
	"github.com/aws/aws-cdk-go/awscdk/v2/awss3"
	"github.com/aws/aws-cdk-go/awscdk/v2/awss3notifications"
	"github.com/aws/aws-cdk-go/awscdk/v2/awssqs"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsssm"
	"github.com/aws/jsii-runtime-go"
	"github.com/fogfish/eksfleet/internal/config"
	"github.com/fogfish/eksfleet/internal/fleet"
	"github.com/fogfish/scud"
	"github.com/fogfish/tagver"
)

const sourceCodeModule = "github.com/fogfish/eksfleet"

type FleetProps struct {
	*awscdk.StackProps
	Version tagver.Version

	// Deployment configuration, defaults are used if nil
	Config *config.Config
}

// Fleet is the orchestrator stack
type Fleet struct {
	awscdk.Stack
	config    *config.Config
	version   tagver.Version
	bucket    awss3.Bucket
	table     awsdynamodb.Table
	admin     awsiam.Role
	deadQueue awssqs.Queue
	documents map[fleet.Action]awsssm.CfnDocument
	functions map[fleet.Action]awslambda.Function
	api       awsapigateway.RestApi
	crawler   awsglue.CfnCrawler
	workgroup awsathena.CfnWorkGroup
}

func New(app awscdk.App, props *FleetProps) *Fleet {
	if props.Config == nil {
		props.Config = config.Default()
	}

	stack := awscdk.NewStack(app,
		jsii.String(props.Version.Tag(props.Config.Prefix)),
		props.StackProps,
	)

	c := &Fleet{
		Stack:     stack,
		config:    props.Config,
		version:   props.Version,
		documents: map[fleet.Action]awsssm.CfnDocument{},
		functions: map[fleet.Action]awslambda.Function{},
	}

	c.createBucket()
	c.createTable()
	c.createAdministrationRole()
	c.createDeadLetterQueue()

	features := c.config.Orchestrator.Features
	if features.Summary {
		c.createAutomation(fleet.ActionSummary, SummaryDocument(c.config))
	}
	if features.Backup {
		c.createAutomation(fleet.ActionBackup, BackupDocument(c.config))
	}
	if features.Upgrade {
		c.createAutomation(fleet.ActionUpgrade, UpgradeDocument(c.config))
	}
	if features.Analytics {
		c.createAnalytics()
		c.createCatalog()
	}
	if features.Api {
		c.createApi()
	}

	return c
}

func (c *Fleet) name(suffix string) *string {
	return jsii.String(c.version.Tag(c.config.Prefix + "-" + suffix))
}

func (c *Fleet) createBucket() {
	var name *string
	if c.config.Orchestrator.Bucket != "" {
		name = jsii.String(c.config.Orchestrator.Bucket)
	}

	c.bucket = awss3.NewBucket(c.Stack, jsii.String("Bucket"),
		&awss3.BucketProps{
			BucketName:        name,
			BlockPublicAccess: awss3.BlockPublicAccess_BLOCK_ALL(),
			Encryption:        awss3.BucketEncryption_S3_MANAGED,
			EnforceSSL:        jsii.Bool(true),
			RemovalPolicy:     awscdk.RemovalPolicy_RETAIN,
		},
	)
}

func (c *Fleet) createTable() {
	var name *string
	if c.config.Orchestrator.TargetsTable != "" {
		name = jsii.String(c.config.Orchestrator.TargetsTable)
	}

	c.table = awsdynamodb.NewTable(c.Stack, jsii.String("Targets"),
		&awsdynamodb.TableProps{
			TableName:    name,
			PartitionKey: &awsdynamodb.Attribute{Name: jsii.String("Account"), Type: awsdynamodb.AttributeType_STRING},
			SortKey:      &awsdynamodb.Attribute{Name: jsii.String("Region"), Type: awsdynamodb.AttributeType_STRING},
			BillingMode:  awsdynamodb.BillingMode_PAY_PER_REQUEST,
		},
	)
}

// SSM Automation assumes the role at orchestrator account, it delegates
// execution to the execution role at tenant accounts.
func (c *Fleet) createAdministrationRole() {
	c.admin = awsiam.NewRole(c.Stack, jsii.String("AdministrationRole"),
		&awsiam.RoleProps{
			RoleName:  c.name("automation-administration"),
			AssumedBy: awsiam.NewServicePrincipal(jsii.String("ssm.amazonaws.com"), nil),
			ManagedPolicies: &[]awsiam.IManagedPolicy{
				awsiam.ManagedPolicy_FromAwsManagedPolicyName(jsii.String("service-role/AmazonSSMAutomationRole")),
			},
			InlinePolicies: &map[string]awsiam.PolicyDocument{
				"execution": awsiam.NewPolicyDocument(&awsiam.PolicyDocumentProps{
					Statements: &[]awsiam.PolicyStatement{
						awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
							Actions:   jsii.Strings("sts:AssumeRole"),
							Resources: jsii.Strings(fmt.Sprintf("arn:aws:iam::*:role/%s", c.config.Orchestrator.ExecutionRoleName)),
						}),
						awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
							Actions:   jsii.Strings("organizations:ListAccountsForParent"),
							Resources: jsii.Strings("*"),
						}),
					},
				}),
			},
		},
	)

	c.bucket.GrantReadWrite(c.admin, nil)
}

// automation lambdas might be invoked asynchronously by api
func (c *Fleet) createDeadLetterQueue() {
	c.deadQueue = awssqs.NewQueue(c.Stack, jsii.String("DeadLetterQueue"),
		&awssqs.QueueProps{
			QueueName:       c.name("dead-letters"),
			RetentionPeriod: awscdk.Duration_Days(jsii.Number(14)),
			Encryption:      awssqs.QueueEncryption_SQS_MANAGED,
			EnforceSSL:      jsii.Bool(true),
		},
	)
}

func (c *Fleet) createAutomation(action fleet.Action, doc Document) {
	document := awsssm.NewCfnDocument(c.Stack, jsii.String("Document"+doc.Id),
		&awsssm.CfnDocumentProps{
			Name:           c.name(doc.Lambda),
			DocumentType:   jsii.String("Automation"),
			DocumentFormat: jsii.String("JSON"),
			Content:        doc.Content(),
			UpdateMethod:   jsii.String("NewVersion"),
		},
	)
	c.documents[action] = document

	cfg := c.config.Orchestrator
	f := scud.NewFunctionGo(c.Stack, jsii.String("Automation"+doc.Id),
		&scud.FunctionGoProps{
			SourceCodeModule: sourceCodeModule,
			SourceCodeLambda: "internal/cmd/lambda/" + doc.Lambda,
			FunctionProps: &awslambda.FunctionProps{
				FunctionName:    c.name(doc.Lambda),
				Timeout:         awscdk.Duration_Minutes(jsii.Number(1.0)),
				DeadLetterQueue: c.deadQueue,
				Environment: &map[string]*string{
					"CONFIG_VSN":         jsii.String(string(c.version)),
					"DOCUMENT_NAME":      document.Ref(),
					"SSM_ASSUME_ROLE":    c.admin.RoleArn(),
					"S3_BUCKET":          c.bucket.BucketName(),
					"TARGETS_TABLE":      c.table.TableName(),
					"TARGET_TAG_KEY":     jsii.String(cfg.TargetTag.Key),
					"TARGET_TAG_VALUE":   jsii.String(cfg.TargetTag.Value),
					"EXECUTION_TIMEOUT":  jsii.String(cfg.ExecutionTimeout),
					"LATEST_EKS_VERSION": jsii.String(cfg.LatestEKSVersion),
					"RESOURCE_PREFIX":    jsii.String(c.config.Prefix),
				},
			},
		},
	)

	c.table.GrantReadData(f)
	c.admin.GrantPassRole(f.GrantPrincipal())
	f.AddToRolePolicy(
		awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
			Actions: jsii.Strings("ssm:StartAutomationExecution"),
			Resources: jsii.Strings(
				fmt.Sprintf("arn:aws:ssm:%s:%s:automation-definition/%s:*", *awscdk.Aws_REGION(), *awscdk.Aws_ACCOUNT_ID(), *document.Ref()),
				fmt.Sprintf("arn:aws:ssm:%s:%s:document/%s", *awscdk.Aws_REGION(), *awscdk.Aws_ACCOUNT_ID(), *document.Ref()),
			),
		}),
	)

	c.functions[action] = f
}

func (c *Fleet) createAnalytics() {
	cfg := c.config.Orchestrator

	database := awsglue.NewCfnDatabase(c.Stack, jsii.String("Database"),
		&awsglue.CfnDatabaseProps{
			CatalogId: awscdk.Aws_ACCOUNT_ID(),
			DatabaseInput: &awsglue.CfnDatabase_DatabaseInputProperty{
				Name: jsii.String(cfg.AthenaDatabase),
			},
		},
	)

	role := awsiam.NewRole(c.Stack, jsii.String("CrawlerRole"),
		&awsiam.RoleProps{
			AssumedBy: awsiam.NewServicePrincipal(jsii.String("glue.amazonaws.com"), nil),
			ManagedPolicies: &[]awsiam.IManagedPolicy{
				awsiam.ManagedPolicy_FromAwsManagedPolicyName(jsii.String("service-role/AWSGlueServiceRole")),
			},
		},
	)
	c.bucket.GrantRead(role, jsii.String("reports/*"))

	c.crawler = awsglue.NewCfnCrawler(c.Stack, jsii.String("Crawler"),
		&awsglue.CfnCrawlerProps{
			Name:         jsii.String(cfg.GlueCrawler),
			Role:         role.RoleArn(),
			DatabaseName: jsii.String(cfg.AthenaDatabase),
			Targets: &awsglue.CfnCrawler_TargetsProperty{
				S3Targets: &[]*awsglue.CfnCrawler_S3TargetProperty{
					{Path: jsii.String(fmt.Sprintf("s3://%s/reports/", *c.bucket.BucketName()))},
				},
			},
			SchemaChangePolicy: &awsglue.CfnCrawler_SchemaChangePolicyProperty{
				UpdateBehavior: jsii.String("UPDATE_IN_DATABASE"),
				DeleteBehavior: jsii.String("LOG"),
			},
			// report folders are the tables, partitions follow key=value folders
			Configuration: jsii.String(`{"Version":1.0,"Grouping":{"TableLevelConfiguration":3}}`),
		},
	)
	c.crawler.AddDependency(database)

	c.workgroup = awsathena.NewCfnWorkGroup(c.Stack, jsii.String("WorkGroup"),
		&awsathena.CfnWorkGroupProps{
			Name:                  jsii.String(cfg.AthenaWorkGroup),
			RecursiveDeleteOption: jsii.Bool(true),
			WorkGroupConfiguration: &awsathena.CfnWorkGroup_WorkGroupConfigurationProperty{
				ResultConfiguration: &awsathena.CfnWorkGroup_ResultConfigurationProperty{
					OutputLocation: jsii.String(fmt.Sprintf("s3://%s/athena/", *c.bucket.BucketName())),
				},
			},
		},
	)
}

// catalog lambda starts crawler when bastion uploads reports
func (c *Fleet) createCatalog() {
	f := scud.NewFunctionGo(c.Stack, jsii.String("Catalog"),
		&scud.FunctionGoProps{
			SourceCodeModule: sourceCodeModule,
			SourceCodeLambda: "internal/cmd/lambda/catalog",
			FunctionProps: &awslambda.FunctionProps{
				FunctionName: c.name("catalog"),
				Timeout:      awscdk.Duration_Seconds(jsii.Number(10.0)),
				Environment: &map[string]*string{
					"CONFIG_VSN":     jsii.String(string(c.version)),
					"S3_BUCKET":      c.bucket.BucketName(),
					"GLUE_CRAWLER":   c.crawler.Ref(),
					"REPORTS_PREFIX": jsii.String("reports/"),
				},
			},
		},
	)

	f.AddToRolePolicy(
		awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
			Actions:   jsii.Strings("glue:StartCrawler"),
			Resources: jsii.Strings(fmt.Sprintf("arn:aws:glue:%s:%s:crawler/%s", *awscdk.Aws_REGION(), *awscdk.Aws_ACCOUNT_ID(), *c.crawler.Ref())),
		}),
	)

	c.bucket.AddEventNotification(awss3.EventType_OBJECT_CREATED,
		awss3notifications.NewLambdaDestination(f),
		&awss3.NotificationKeyFilter{Prefix: jsii.String("reports/")},
	)
}

func (c *Fleet) createApi() {
	cfg := c.config.Orchestrator

	env := map[string]*string{
		"CONFIG_VSN":               jsii.String(string(c.version)),
		"S3_BUCKET":                c.bucket.BucketName(),
		"TARGETS_TABLE":            c.table.TableName(),
		"LAMBDA_INVOCATION_TYPE":   jsii.String(cfg.LambdaInvocationType),
		"LAMBDA_LOG_TYPE":          jsii.String(cfg.LambdaLogType),
		"ATHENA_DATABASE":          jsii.String(cfg.AthenaDatabase),
		"ATHENA_DATASOURCE":        jsii.String(cfg.AthenaCatalog),
		"ATHENA_WORKGROUP":         jsii.String(cfg.AthenaWorkGroup),
		"ATHENA_QUERY_CACHING_MIN": jsii.String(strconv.Itoa(cfg.QueryCachingMinutes)),
	}

	for action, key := range map[fleet.Action]string{
		fleet.ActionSummary: "SUMMARY_AUTOMATION_LAMBDA",
		fleet.ActionBackup:  "BACKUP_AUTOMATION_LAMBDA",
		fleet.ActionUpgrade: "UPGRADE_AUTOMATION_LAMBDA",
	} {
		if f, has := c.functions[action]; has {
			env[key] = f.FunctionName()
		}
	}

	f := scud.NewFunctionGo(c.Stack, jsii.String("Api"),
		&scud.FunctionGoProps{
			SourceCodeModule: sourceCodeModule,
			SourceCodeLambda: "internal/cmd/lambda/api",
			FunctionProps: &awslambda.FunctionProps{
				FunctionName: c.name("api"),
				Timeout:      awscdk.Duration_Seconds(jsii.Number(29.0)),
				Environment:  &env,
			},
		},
	)

	for _, automation := range c.functions {
		automation.GrantInvoke(f)
	}

	c.bucket.GrantReadWrite(f, nil)
	c.table.GrantReadWriteData(f)

	f.AddToRolePolicy(
		awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
			Actions:   jsii.Strings("s3:GetBucketPolicy", "s3:PutBucketPolicy"),
			Resources: jsii.Strings(*c.bucket.BucketArn()),
		}),
	)
	f.AddToRolePolicy(
		awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
			Actions:   jsii.Strings("sts:AssumeRole"),
			Resources: jsii.Strings(fmt.Sprintf("arn:aws:iam::*:role/%s", cfg.ExecutionRoleName)),
		}),
	)
	f.AddToRolePolicy(
		awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
			Actions:   jsii.Strings("ssm:GetAutomationExecution"),
			Resources: jsii.Strings("*"),
		}),
	)

	if c.workgroup != nil {
		f.AddToRolePolicy(
			awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
				Actions: jsii.Strings(
					"athena:StartQueryExecution",
					"athena:GetQueryExecution",
					"athena:GetQueryResults",
					"athena:StopQueryExecution",
				),
				Resources: jsii.Strings(fmt.Sprintf("arn:aws:athena:%s:%s:workgroup/%s", *awscdk.Aws_REGION(), *awscdk.Aws_ACCOUNT_ID(), cfg.AthenaWorkGroup)),
			}),
		)
		f.AddToRolePolicy(
			awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
				Actions:   jsii.Strings("glue:GetDatabase", "glue:GetTable", "glue:GetTables", "glue:GetPartitions"),
				Resources: jsii.Strings("*"),
			}),
		)
	}

	c.api = awsapigateway.NewRestApi(c.Stack, jsii.String("RestApi"),
		&awsapigateway.RestApiProps{
			RestApiName: c.name("api"),
			DefaultMethodOptions: &awsapigateway.MethodOptions{
				AuthorizationType: awsapigateway.AuthorizationType_IAM,
			},
			DeployOptions: &awsapigateway.StageOptions{
				StageName: jsii.String("api"),
			},
		},
	)

	integration := awsapigateway.NewLambdaIntegration(f, nil)

	tenants := c.api.Root().AddResource(jsii.String("tenants"), nil)
	tenants.AddResource(jsii.String("onboard"), nil).AddMethod(jsii.String("PUT"), integration, nil)

	clusters := c.api.Root().AddResource(jsii.String("clusters"), nil)
	clusters.AddMethod(jsii.String("GET"), integration, nil)
	clusters.AddResource(jsii.String("{execution_id}"), nil).AddMethod(jsii.String("GET"), integration, nil)
	clusters.AddResource(jsii.String("summary"), nil).AddMethod(jsii.String("POST"), integration, nil)
	clusters.AddResource(jsii.String("backup"), nil).AddMethod(jsii.String("POST"), integration, nil)
	clusters.AddResource(jsii.String("restore"), nil).AddMethod(jsii.String("POST"), integration, nil)
	clusters.AddResource(jsii.String("upgrade"), nil).AddMethod(jsii.String("PATCH"), integration, nil)
}
