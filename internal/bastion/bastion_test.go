//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

package bastion

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/fogfish/eksfleet/internal/fleet"
	"github.com/fogfish/it/v2"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	dynfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes"
	kfake "k8s.io/client-go/kubernetes/fake"
)

const (
	testAccount = "123456789012"
	testRegion  = "eu-west-1"
)

//------------------------------------------------------------------------------

type mockEKS struct {
	clusters      map[string]*types.Cluster
	nodegroups    map[string]*types.Nodegroup
	addons        map[string]*types.Addon
	addonVersions []types.AddonInfo
	profiles      map[string]*types.FargateProfile
	insights      map[string]*types.Insight
	updateStatus  types.UpdateStatus
	updateErr     error

	clusterUpdates   []*eks.UpdateClusterVersionInput
	nodegroupUpdates []*eks.UpdateNodegroupVersionInput
	addonUpdates     []*eks.UpdateAddonInput
	insightFilter    *types.InsightsFilter
}

func newMockEKS() *mockEKS {
	return &mockEKS{
		clusters:     map[string]*types.Cluster{},
		nodegroups:   map[string]*types.Nodegroup{},
		addons:       map[string]*types.Addon{},
		profiles:     map[string]*types.FargateProfile{},
		insights:     map[string]*types.Insight{},
		updateStatus: types.UpdateStatusSuccessful,
	}
}

func (m *mockEKS) withCluster(name, version string, status types.ClusterStatus) *mockEKS {
	m.clusters[name] = &types.Cluster{
		Name:                 aws.String(name),
		Version:              aws.String(version),
		Status:               status,
		Endpoint:             aws.String("https://" + name + ".eks.amazonaws.com"),
		CertificateAuthority: &types.Certificate{Data: aws.String("Q0E=")},
		Identity: &types.Identity{
			Oidc: &types.OIDC{Issuer: aws.String("https://oidc.eks.eu-west-1.amazonaws.com/id/ABC")},
		},
	}
	return m
}

func (m *mockEKS) withNodegroup(name, version string, status types.NodegroupStatus) *mockEKS {
	m.nodegroups[name] = &types.Nodegroup{
		NodegroupName: aws.String(name),
		Version:       aws.String(version),
		Status:        status,
	}
	return m
}

func (m *mockEKS) withAddon(name, version string, status types.AddonStatus) *mockEKS {
	m.addons[name] = &types.Addon{
		AddonName:    aws.String(name),
		AddonVersion: aws.String(version),
		Status:       status,
	}
	return m
}

func (m *mockEKS) withAddonVersions(name, k8s string, versions ...AddonVersion) *mockEKS {
	info := types.AddonInfo{AddonName: aws.String(name)}
	for _, v := range versions {
		info.AddonVersions = append(info.AddonVersions, types.AddonVersionInfo{
			AddonVersion: aws.String(v.Version),
			Compatibilities: []types.Compatibility{
				{ClusterVersion: aws.String(k8s), DefaultVersion: v.Default},
			},
		})
	}
	m.addonVersions = append(m.addonVersions, info)
	return m
}

func (m *mockEKS) withProfile(name string, status types.FargateProfileStatus, namespaces ...string) *mockEKS {
	profile := &types.FargateProfile{FargateProfileName: aws.String(name), Status: status}
	for _, ns := range namespaces {
		profile.Selectors = append(profile.Selectors, types.FargateProfileSelector{Namespace: aws.String(ns)})
	}
	m.profiles[name] = profile
	return m
}

func sortedKeys[T any](m map[string]T) []string {
	seq := make([]string, 0, len(m))
	for k := range m {
		seq = append(seq, k)
	}
	slices.Sort(seq)
	return seq
}

func (m *mockEKS) ListClusters(ctx context.Context, params *eks.ListClustersInput, optFns ...func(*eks.Options)) (*eks.ListClustersOutput, error) {
	return &eks.ListClustersOutput{Clusters: sortedKeys(m.clusters)}, nil
}

func (m *mockEKS) DescribeCluster(ctx context.Context, params *eks.DescribeClusterInput, optFns ...func(*eks.Options)) (*eks.DescribeClusterOutput, error) {
	c, has := m.clusters[aws.ToString(params.Name)]
	if !has {
		return nil, &types.ResourceNotFoundException{Message: aws.String("not found")}
	}
	return &eks.DescribeClusterOutput{Cluster: c}, nil
}

func (m *mockEKS) UpdateClusterVersion(ctx context.Context, params *eks.UpdateClusterVersionInput, optFns ...func(*eks.Options)) (*eks.UpdateClusterVersionOutput, error) {
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	m.clusterUpdates = append(m.clusterUpdates, params)
	return &eks.UpdateClusterVersionOutput{Update: &types.Update{Id: aws.String("u-cluster")}}, nil
}

func (m *mockEKS) DescribeUpdate(ctx context.Context, params *eks.DescribeUpdateInput, optFns ...func(*eks.Options)) (*eks.DescribeUpdateOutput, error) {
	return &eks.DescribeUpdateOutput{Update: &types.Update{Id: params.UpdateId, Status: m.updateStatus}}, nil
}

func (m *mockEKS) ListNodegroups(ctx context.Context, params *eks.ListNodegroupsInput, optFns ...func(*eks.Options)) (*eks.ListNodegroupsOutput, error) {
	return &eks.ListNodegroupsOutput{Nodegroups: sortedKeys(m.nodegroups)}, nil
}

func (m *mockEKS) DescribeNodegroup(ctx context.Context, params *eks.DescribeNodegroupInput, optFns ...func(*eks.Options)) (*eks.DescribeNodegroupOutput, error) {
	return &eks.DescribeNodegroupOutput{Nodegroup: m.nodegroups[aws.ToString(params.NodegroupName)]}, nil
}

func (m *mockEKS) UpdateNodegroupVersion(ctx context.Context, params *eks.UpdateNodegroupVersionInput, optFns ...func(*eks.Options)) (*eks.UpdateNodegroupVersionOutput, error) {
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	m.nodegroupUpdates = append(m.nodegroupUpdates, params)
	return &eks.UpdateNodegroupVersionOutput{Update: &types.Update{Id: aws.String("u-ng")}}, nil
}

func (m *mockEKS) ListAddons(ctx context.Context, params *eks.ListAddonsInput, optFns ...func(*eks.Options)) (*eks.ListAddonsOutput, error) {
	return &eks.ListAddonsOutput{Addons: sortedKeys(m.addons)}, nil
}

func (m *mockEKS) DescribeAddon(ctx context.Context, params *eks.DescribeAddonInput, optFns ...func(*eks.Options)) (*eks.DescribeAddonOutput, error) {
	return &eks.DescribeAddonOutput{Addon: m.addons[aws.ToString(params.AddonName)]}, nil
}

func (m *mockEKS) DescribeAddonVersions(ctx context.Context, params *eks.DescribeAddonVersionsInput, optFns ...func(*eks.Options)) (*eks.DescribeAddonVersionsOutput, error) {
	seq := []types.AddonInfo{}
	for _, info := range m.addonVersions {
		if aws.ToString(info.AddonName) == aws.ToString(params.AddonName) {
			seq = append(seq, info)
		}
	}
	return &eks.DescribeAddonVersionsOutput{Addons: seq}, nil
}

func (m *mockEKS) UpdateAddon(ctx context.Context, params *eks.UpdateAddonInput, optFns ...func(*eks.Options)) (*eks.UpdateAddonOutput, error) {
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	m.addonUpdates = append(m.addonUpdates, params)
	return &eks.UpdateAddonOutput{Update: &types.Update{Id: aws.String("u-addon")}}, nil
}

func (m *mockEKS) ListInsights(ctx context.Context, params *eks.ListInsightsInput, optFns ...func(*eks.Options)) (*eks.ListInsightsOutput, error) {
	m.insightFilter = params.Filter
	seq := []types.InsightSummary{}
	for _, id := range sortedKeys(m.insights) {
		seq = append(seq, types.InsightSummary{Id: aws.String(id)})
	}
	return &eks.ListInsightsOutput{Insights: seq}, nil
}

func (m *mockEKS) DescribeInsight(ctx context.Context, params *eks.DescribeInsightInput, optFns ...func(*eks.Options)) (*eks.DescribeInsightOutput, error) {
	return &eks.DescribeInsightOutput{Insight: m.insights[aws.ToString(params.Id)]}, nil
}

func (m *mockEKS) ListFargateProfiles(ctx context.Context, params *eks.ListFargateProfilesInput, optFns ...func(*eks.Options)) (*eks.ListFargateProfilesOutput, error) {
	return &eks.ListFargateProfilesOutput{FargateProfileNames: sortedKeys(m.profiles)}, nil
}

func (m *mockEKS) DescribeFargateProfile(ctx context.Context, params *eks.DescribeFargateProfileInput, optFns ...func(*eks.Options)) (*eks.DescribeFargateProfileOutput, error) {
	return &eks.DescribeFargateProfileOutput{FargateProfile: m.profiles[aws.ToString(params.FargateProfileName)]}, nil
}

//------------------------------------------------------------------------------

type mockIAM struct {
	roles    map[string]string
	created  *iam.CreateRoleInput
	policies []*iam.PutRolePolicyInput
}

func (m *mockIAM) GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	arn, has := m.roles[aws.ToString(params.RoleName)]
	if !has {
		return nil, &iamtypes.NoSuchEntityException{Message: aws.String("not found")}
	}
	return &iam.GetRoleOutput{Role: &iamtypes.Role{Arn: aws.String(arn)}}, nil
}

func (m *mockIAM) CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	m.created = params
	arn := "arn:aws:iam::" + testAccount + ":role/" + aws.ToString(params.RoleName)
	return &iam.CreateRoleOutput{Role: &iamtypes.Role{Arn: aws.String(arn)}}, nil
}

func (m *mockIAM) PutRolePolicy(ctx context.Context, params *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error) {
	m.policies = append(m.policies, params)
	return &iam.PutRolePolicyOutput{}, nil
}

//------------------------------------------------------------------------------

type mockKube struct {
	clientset *kfake.Clientset
	dynamic   *dynfake.FakeDynamicClient
}

func newMockKube(objects ...runtime.Object) *mockKube {
	return &mockKube{
		clientset: kfake.NewSimpleClientset(objects...),
		dynamic: dynfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
			map[schema.GroupVersionResource]string{
				podSecurityPolicies:  "PodSecurityPolicyList",
				GroupVersionBackups:  "BackupList",
				GroupVersionRestores: "RestoreList",
			},
		),
	}
}

func (m *mockKube) Clientset(cluster string) (kubernetes.Interface, error) { return m.clientset, nil }
func (m *mockKube) Dynamic(cluster string) (dynamic.Interface, error)     { return m.dynamic, nil }

type mockCommand struct {
	calls [][]string
	err   error
	after func()
}

func (m *mockCommand) Run(ctx context.Context, name string, args ...string) error {
	m.calls = append(m.calls, append([]string{name}, args...))
	if m.after != nil {
		m.after()
	}
	return m.err
}

// mockStorage keeps uploaded files in memory
type mockStorage struct {
	files map[string]string
}

type file struct {
	bytes.Buffer
	path string
	fs   *mockStorage
}

func (f *file) Close() error {
	f.fs.files[f.path] = f.String()
	return nil
}

func (m *mockStorage) Create(path string) (io.WriteCloser, error) {
	return &file{path: path, fs: m}, nil
}

//------------------------------------------------------------------------------

type fixture struct {
	*Runner
	eks     *mockEKS
	iam     *mockIAM
	kube    *mockKube
	command *mockCommand
	storage *mockStorage
}

func newFixture(t *testing.T, api *mockEKS, kube *mockKube, input ...fleet.Cluster) *fixture {
	t.Helper()

	f := &fixture{
		eks:     api,
		iam:     &mockIAM{roles: map[string]string{}},
		kube:    kube,
		command: &mockCommand{},
		storage: &mockStorage{files: map[string]string{}},
	}

	f.Runner = New(
		Options{WorkingDirectory: t.TempDir(), Bucket: "reports-bucket", InputClusters: input},
		testAccount, testRegion,
		f.eks, f.iam, f.kube, f.command, f.storage.Create,
	)
	f.Runner.clock = func() time.Time { return time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC) }
	f.Runner.poll = time.Millisecond
	f.Runner.timeout = time.Second

	if _, err := f.Runner.ConfigClusters(context.Background()); err != nil {
		t.Fatal(err)
	}

	return f
}

func (f *fixture) read(t *testing.T, elem ...string) string {
	t.Helper()

	b, err := os.ReadFile(filepath.Join(append([]string{f.WorkingDirectory, f.ReportBasePath}, elem...)...))
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func (f *fixture) doc(t *testing.T, cluster, report string) Doc {
	t.Helper()

	path, err := f.JSONReport(cluster, report)
	if err != nil {
		t.Fatal(err)
	}

	doc, err := ReadJSON(path)
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func cluster(name string, action fleet.Action) fleet.Cluster {
	return fleet.Cluster{AccountId: testAccount, Region: testRegion, ClusterName: name, Action: action}
}

//------------------------------------------------------------------------------

func TestFilter(t *testing.T) {
	input := []fleet.Cluster{
		cluster("a", fleet.ActionSummary),
		cluster("b", fleet.ActionSummary),
		{AccountId: "other", Region: testRegion, ClusterName: "a"},
		{AccountId: testAccount, Region: "us-east-1", ClusterName: "a"},
	}

	seq := Filter([]string{"a", "c"}, input, testAccount, testRegion)

	it.Then(t).Should(
		it.Equal(len(seq), 1),
		it.Equal(seq[0].ClusterName, "a"),
	)
}

func TestRelevant(t *testing.T) {
	api := newMockEKS().
		withCluster("a", "1.29", types.ClusterStatusActive).
		withCluster("b", "1.29", types.ClusterStatusActive)

	t.Run("AllClusters", func(t *testing.T) {
		f := newFixture(t, api, newMockKube())

		seq, err := f.Relevant(false)
		it.Then(t).Should(
			it.Nil(err),
			it.Equal(len(seq), 2),
			it.Equal(seq[0].ClusterName, "a"),
			it.Equal(seq[0].AccountId, testAccount),
			it.Equal(seq[1].Region, testRegion),
		)
	})

	t.Run("InputRequired", func(t *testing.T) {
		f := newFixture(t, api, newMockKube())

		seq, err := f.Relevant(true)
		it.Then(t).Should(
			it.Nil(err),
			it.Equal(len(seq), 0),
		)
	})

	t.Run("InputClusters", func(t *testing.T) {
		f := newFixture(t, api, newMockKube(), cluster("b", fleet.ActionUpgrade), cluster("x", fleet.ActionUpgrade))

		seq, err := f.Relevant(false)
		it.Then(t).Should(
			it.Nil(err),
			it.Equal(len(seq), 1),
			it.Equal(seq[0].ClusterName, "b"),
			it.Equal(seq[0].Action, fleet.ActionUpgrade),
		)
	})

	t.Run("NoClusters", func(t *testing.T) {
		f := newFixture(t, newMockEKS(), newMockKube())

		_, err := f.Relevant(false)
		it.Then(t).ShouldNot(it.Nil(err))
	})
}

func TestForEach(t *testing.T) {
	api := newMockEKS().
		withCluster("a", "1.29", types.ClusterStatusActive).
		withCluster("b", "1.29", types.ClusterStatusUpdating)

	t.Run("Uploads", func(t *testing.T) {
		f := newFixture(t, api, newMockKube())

		err := f.ForEach(context.Background(), Each{Name: "test", Report: "test"},
			func(ctx context.Context, c fleet.Cluster) error {
				path, err := f.JSONReport(c.ClusterName, "test")
				if err != nil {
					return err
				}
				return WriteJSON(path, Doc{"Name": c.ClusterName})
			},
		)

		it.Then(t).Should(
			it.Nil(err),
			it.Equal(
				f.storage.files["/reports/test/accountId=123456789012/region=eu-west-1/clusterName=a/date=2024-06-01/test.json"],
				`{"Name":"a"}`,
			),
			it.Equal(len(f.storage.files), 2),
		)
	})

	t.Run("StopsOnFailure", func(t *testing.T) {
		f := newFixture(t, api, newMockKube())

		calls := 0
		err := f.ForEach(context.Background(), Each{Name: "test", Report: "test"},
			func(ctx context.Context, c fleet.Cluster) error {
				calls++
				return errors.New("boom")
			},
		)

		it.Then(t).Should(
			it.Equal(calls, 1),
			it.True(err != nil && strings.Contains(err.Error(), "test failed for a")),
		)
	})

	t.Run("CheckStatus", func(t *testing.T) {
		f := newFixture(t, api, newMockKube(), cluster("b", fleet.ActionUpgrade))

		calls := 0
		err := f.ForEach(context.Background(), Each{Name: "test", Report: "test", Required: true, CheckStatus: true},
			func(ctx context.Context, c fleet.Cluster) error {
				calls++
				return nil
			},
		)

		it.Then(t).Should(
			it.Equal(calls, 0),
			it.True(err != nil),
			it.Equal(f.doc(t, "b", "test")["ClusterStatus"], any("UPDATING")),
		)
	})
}
