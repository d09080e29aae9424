//
// Copyright (C) 2024 Dmitry Kolesnikov
//
// This file may be modified and distributed under the terms
// of the MIT license.  See the LICENSE file for details.
// https://github.com/fogfish/eksfleet
//

package bastion

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/fogfish/eksfleet/internal/fleet"
	"github.com/fogfish/it/v2"
	"gopkg.in/yaml.v3"
)

type mockIMDS struct{ region string }

func (m mockIMDS) GetRegion(ctx context.Context, params *imds.GetRegionInput, optFns ...func(*imds.Options)) (*imds.GetRegionOutput, error) {
	return &imds.GetRegionOutput{Region: m.region}, nil
}

func TestConfigRegion(t *testing.T) {
	dir := t.TempDir()

	region, err := ConfigRegion(context.Background(), mockIMDS{region: testRegion}, dir)
	it.Then(t).Should(
		it.Nil(err),
		it.Equal(region, testRegion),
	)

	region, err = Region(dir)
	it.Then(t).Should(
		it.Nil(err),
		it.Equal(region, testRegion),
	)

	_, err = ConfigRegion(context.Background(), mockIMDS{}, dir)
	it.Then(t).ShouldNot(it.Nil(err))

	_, err = Region(t.TempDir())
	it.Then(t).ShouldNot(it.Nil(err))
}

func TestConfigClusters(t *testing.T) {
	api := newMockEKS().
		withCluster("b", "1.29", types.ClusterStatusActive).
		withCluster("a", "1.28", types.ClusterStatusActive)
	f := newFixture(t, api, newMockKube())

	seq, err := f.AccountClusters()
	b, exx := os.ReadFile(filepath.Join(f.WorkingDirectory, ClustersFile))

	it.Then(t).Should(
		it.Nil(err),
		it.Nil(exx),
		it.Equiv(seq, []string{"a", "b"}),
		it.Equal(string(b), `{"clusters":["a","b"]}`),
	)
}

func TestConfigFilter(t *testing.T) {
	api := newMockEKS().withCluster("a", "1.29", types.ClusterStatusActive)

	t.Run("Found", func(t *testing.T) {
		f := newFixture(t, api, newMockKube(), cluster("a", fleet.ActionSummary))

		var sb strings.Builder
		err := f.ConfigFilter(context.Background(), &sb)
		it.Then(t).Should(
			it.Nil(err),
			it.Equal(sb.String(), `{"AccountClustersInInput":"1 EKS Clusters Found"}`+"\n"),
		)
	})

	t.Run("EmptyInput", func(t *testing.T) {
		f := newFixture(t, api, newMockKube())

		var sb strings.Builder
		err := f.ConfigFilter(context.Background(), &sb)
		it.Then(t).Should(
			it.Nil(err),
			it.Equal(sb.String(), `{"AccountClustersInInput":"1 EKS Clusters Found"}`+"\n"),
		)
	})

	t.Run("NotPresent", func(t *testing.T) {
		f := newFixture(t, api, newMockKube(), cluster("x", fleet.ActionSummary))

		var sb strings.Builder
		err := f.ConfigFilter(context.Background(), &sb)
		it.Then(t).Should(
			it.Nil(err),
			it.Equal(sb.String(), `{"AccountClustersInInput":"Not Present"}`+"\n"),
		)
	})
}

func TestConfigReports(t *testing.T) {
	api := newMockEKS().withCluster("a", "1.29", types.ClusterStatusActive)
	f := newFixture(t, api, newMockKube())

	stale := filepath.Join(f.WorkingDirectory, "reports", "a", "metadata", "metadata.json")
	it.Then(t).Should(
		it.Nil(os.MkdirAll(filepath.Dir(stale), 0755)),
		it.Nil(os.WriteFile(stale, []byte("{}"), 0644)),
		it.Nil(f.ConfigReports(context.Background())),
	)

	_, err := os.Stat(stale)
	info, exx := os.Stat(filepath.Join(f.WorkingDirectory, "reports", "a"))

	it.Then(t).Should(
		it.True(os.IsNotExist(err)),
		it.Nil(exx),
		it.True(info.IsDir()),
	)
}

func TestConfigKubeconfig(t *testing.T) {
	api := newMockEKS().withCluster("a", "1.29", types.ClusterStatusActive)
	f := newFixture(t, api, newMockKube())

	err := f.ConfigKubeconfig(context.Background())
	it.Then(t).Should(it.Nil(err))

	b, err := os.ReadFile(f.KubeconfigPath("a"))
	it.Then(t).Should(it.Nil(err))

	var cfg kubeconfig
	it.Then(t).Should(
		it.Nil(yaml.Unmarshal(b, &cfg)),
		it.Equal(cfg.CurrentContext, "a"),
		it.Equal(cfg.Clusters[0].Cluster.Server, "https://a.eks.amazonaws.com"),
		it.Equal(cfg.Clusters[0].Cluster.CertificateAuthorityData, "Q0E="),
		it.Equal(cfg.Users[0].User.Exec.Command, "aws"),
		it.Equal(strings.Join(cfg.Users[0].User.Exec.Args, " "),
			"--region eu-west-1 eks get-token --cluster-name a --output json"),
	)
}
