//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

// Package bastion implements steps of automation documents executed by the
// step runner at bastion host of tenant account. Each step processes
// the clusters of account/region, writes reports and uploads them to S3
// partitioned as accountId=/region=/clusterName=/date=.
package bastion

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/fogfish/eksfleet/internal/config"
	"github.com/fogfish/eksfleet/internal/fleet"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
)

// Layout of working directory
const (
	ConfigFolder      = "config"
	RegionFile        = "config/region.txt"
	ClustersFile      = "config/clusters.json"
	DefaultReportPath = "reports"

	// S3 folder of reports, watched by catalog
	ReportsFolder = "reports"
)

type EKS interface {
	ListClusters(ctx context.Context, params *eks.ListClustersInput, optFns ...func(*eks.Options)) (*eks.ListClustersOutput, error)
	DescribeCluster(ctx context.Context, params *eks.DescribeClusterInput, optFns ...func(*eks.Options)) (*eks.DescribeClusterOutput, error)
	UpdateClusterVersion(ctx context.Context, params *eks.UpdateClusterVersionInput, optFns ...func(*eks.Options)) (*eks.UpdateClusterVersionOutput, error)
	DescribeUpdate(ctx context.Context, params *eks.DescribeUpdateInput, optFns ...func(*eks.Options)) (*eks.DescribeUpdateOutput, error)
	ListNodegroups(ctx context.Context, params *eks.ListNodegroupsInput, optFns ...func(*eks.Options)) (*eks.ListNodegroupsOutput, error)
	DescribeNodegroup(ctx context.Context, params *eks.DescribeNodegroupInput, optFns ...func(*eks.Options)) (*eks.DescribeNodegroupOutput, error)
	UpdateNodegroupVersion(ctx context.Context, params *eks.UpdateNodegroupVersionInput, optFns ...func(*eks.Options)) (*eks.UpdateNodegroupVersionOutput, error)
	ListAddons(ctx context.Context, params *eks.ListAddonsInput, optFns ...func(*eks.Options)) (*eks.ListAddonsOutput, error)
	DescribeAddon(ctx context.Context, params *eks.DescribeAddonInput, optFns ...func(*eks.Options)) (*eks.DescribeAddonOutput, error)
	DescribeAddonVersions(ctx context.Context, params *eks.DescribeAddonVersionsInput, optFns ...func(*eks.Options)) (*eks.DescribeAddonVersionsOutput, error)
	UpdateAddon(ctx context.Context, params *eks.UpdateAddonInput, optFns ...func(*eks.Options)) (*eks.UpdateAddonOutput, error)
	ListInsights(ctx context.Context, params *eks.ListInsightsInput, optFns ...func(*eks.Options)) (*eks.ListInsightsOutput, error)
	DescribeInsight(ctx context.Context, params *eks.DescribeInsightInput, optFns ...func(*eks.Options)) (*eks.DescribeInsightOutput, error)
	ListFargateProfiles(ctx context.Context, params *eks.ListFargateProfilesInput, optFns ...func(*eks.Options)) (*eks.ListFargateProfilesOutput, error)
	DescribeFargateProfile(ctx context.Context, params *eks.DescribeFargateProfileInput, optFns ...func(*eks.Options)) (*eks.DescribeFargateProfileOutput, error)
}

type IAM interface {
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	PutRolePolicy(ctx context.Context, params *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error)
}

// Kube connects to Kubernetes API of the cluster
type Kube interface {
	Clientset(cluster string) (kubernetes.Interface, error)
	Dynamic(cluster string) (dynamic.Interface, error)
}

// Command runs external tool installed at bastion host
type Command interface {
	Run(ctx context.Context, name string, args ...string) error
}

// Storage creates file at S3 bucket, path is absolute
type Storage func(path string) (io.WriteCloser, error)

// Options of step runner, they are passed by automation document
type Options struct {
	WorkingDirectory string
	ReportBasePath   string
	Bucket           string
	EKSVersion       string
	StoragePrefix    string
	InputClusters    []fleet.Cluster
}

// Runner executes steps for clusters of account/region
type Runner struct {
	Options
	account string
	region  string
	eks     EKS
	iam     IAM
	kube    Kube
	command Command
	storage Storage

	clock   func() time.Time
	poll    time.Duration
	timeout time.Duration
}

func New(
	opts Options,
	account, region string,
	eks EKS,
	iam IAM,
	kube Kube,
	command Command,
	storage Storage,
) *Runner {
	if opts.ReportBasePath == "" {
		opts.ReportBasePath = DefaultReportPath
	}

	if opts.StoragePrefix == "" {
		opts.StoragePrefix = config.DefaultBackupBucketPrefix
	}

	return &Runner{
		Options: opts,
		account: account,
		region:  region,
		eks:     eks,
		iam:     iam,
		kube:    kube,
		command: command,
		storage: storage,
		clock:   time.Now,
		poll:    30 * time.Second,
		timeout: 3 * time.Hour,
	}
}

// Each configures iteration over clusters
type Each struct {
	// Name of the step used for logging
	Name string

	// Report uploaded after each cluster
	Report string

	// Input clusters are required, otherwise all clusters of account are used
	Required bool

	// Abort if cluster is not ACTIVE
	CheckStatus bool
}

// ForEach runs the step for every relevant cluster. Reports are uploaded
// after each cluster even if the step fails. The first failure stops
// the iteration.
func (r *Runner) ForEach(ctx context.Context, each Each, step func(context.Context, fleet.Cluster) error) error {
	slog.Info("begin", "step", each.Name)

	seq, err := r.Relevant(each.Required)
	if err != nil {
		return err
	}

	slog.Info("starting step", "step", each.Name, "clusters", len(seq))
	for _, cluster := range seq {
		if err := r.run(ctx, each, cluster, step); err != nil {
			return err
		}
	}

	slog.Info("end", "step", each.Name)
	return nil
}

func (r *Runner) run(ctx context.Context, each Each, cluster fleet.Cluster, step func(context.Context, fleet.Cluster) error) (err error) {
	defer func() {
		if exx := r.Upload(cluster.ClusterName, each.Report); exx != nil && err == nil {
			err = exx
		}
	}()

	if each.CheckStatus {
		if err := r.ClusterStatus(ctx, cluster.ClusterName, each.Report); err != nil {
			return err
		}
	}

	slog.Info("running step", "step", each.Name, "cluster", cluster.ClusterName)
	if err := step(ctx, cluster); err != nil {
		slog.Error("step failed", "step", each.Name, "cluster", cluster.ClusterName, "err", err)
		return fmt.Errorf("%s failed for %s: %w", each.Name, cluster.ClusterName, err)
	}

	return nil
}

// ClusterStatus records the status of cluster to the report. The cluster
// must be ACTIVE to proceed.
func (r *Runner) ClusterStatus(ctx context.Context, cluster, report string) error {
	info, err := r.describeCluster(ctx, cluster)
	if err != nil {
		return err
	}

	path, err := r.JSONReport(cluster, report)
	if err != nil {
		return err
	}

	err = r.UpdateJSON(path, func(doc Doc) { doc["ClusterStatus"] = info.Status })
	if err != nil {
		return err
	}

	if info.Status != ClusterActive {
		return fmt.Errorf("cluster %s is %s, no actions can be performed", cluster, info.Status)
	}

	return nil
}

// Relevant clusters are input clusters of account/region which are
// accessible by the bastion. If input clusters are not required and not
// given, all accessible clusters are relevant.
func (r *Runner) Relevant(required bool) ([]fleet.Cluster, error) {
	accessible, err := r.AccountClusters()
	if err != nil {
		return nil, err
	}

	if !required && len(r.InputClusters) == 0 {
		seq := make([]fleet.Cluster, len(accessible))
		for i, name := range accessible {
			seq[i] = fleet.Cluster{AccountId: r.account, Region: r.region, ClusterName: name}
		}
		return seq, nil
	}

	return Filter(accessible, r.InputClusters, r.account, r.region), nil
}

// Filter input clusters by account, region and the clusters accessible
// at the account.
func Filter(accessible []string, input []fleet.Cluster, account, region string) []fleet.Cluster {
	known := make(map[string]struct{}, len(accessible))
	for _, name := range accessible {
		known[name] = struct{}{}
	}

	seq := make([]fleet.Cluster, 0)
	for _, c := range input {
		if _, has := known[c.ClusterName]; has && c.AccountId == account && c.Region == region {
			seq = append(seq, c)
		}
	}

	return seq
}

func (r *Runner) path(elem ...string) string {
	return filepath.Join(append([]string{r.WorkingDirectory}, elem...)...)
}

// KubeconfigPath of the cluster
func (r *Runner) KubeconfigPath(cluster string) string {
	return r.path(ConfigFolder, cluster)
}

func (r *Runner) backupBucket() string {
	return fmt.Sprintf("%s-%s-%s", r.StoragePrefix, r.account, r.region)
}

func (r *Runner) today() string {
	return r.clock().Format(time.DateOnly)
}
