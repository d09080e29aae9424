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
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/fogfish/it/v2"
)

func TestUpgradable(t *testing.T) {
	it.Then(t).Should(
		it.True(Upgradable("1.28", "1.29")),
		it.True(!Upgradable("1.28", "1.30")),
		it.True(!Upgradable("1.29", "1.29")),
		it.True(!Upgradable("1.29", "1.28")),
		it.True(!Upgradable("1.29", "2.0")),
		it.True(!Upgradable("latest", "1.29")),
	)
}

func TestPreviousVersions(t *testing.T) {
	it.Then(t).Should(
		it.Equiv(PreviousVersions("1.27", "1.30"), []string{"1.29", "1.28", "1.27"}),
		it.Equiv(PreviousVersions("1.29", "1.30"), []string{"1.29"}),
		it.Equiv(PreviousVersions("1.30", "1.30"), []string{"1.30"}),
		it.Equiv(PreviousVersions("1.31", "1.30"), []string{"1.30"}),
		it.Equiv(PreviousVersions("x", "1.30"), []string{"1.30"}),
	)
}

func TestDefaultAddonVersion(t *testing.T) {
	seq := []AddonVersion{
		{Version: "v1.11.1-eksbuild.1"},
		{Version: "v1.10.1-eksbuild.6", Default: true},
	}

	it.Then(t).Should(
		it.Equal(DefaultAddonVersion(seq), "v1.10.1-eksbuild.6"),
		it.Equal(DefaultAddonVersion(nil), ""),
	)
}

func TestNextMinorAddonVersion(t *testing.T) {
	seq := []AddonVersion{
		{Version: "v1.18.3-eksbuild.1"},
		{Version: "v1.17.1-eksbuild.2"},
		{Version: "v1.17.1-eksbuild.1"},
		{Version: "v1.16.4-eksbuild.2", Default: true},
	}

	it.Then(t).Should(
		it.Equal(NextMinorAddonVersion("v1.16.4-eksbuild.2", seq), "v1.17.1-eksbuild.1"),
		it.Equal(NextMinorAddonVersion("v1.15.0-eksbuild.1", seq), "v1.16.4-eksbuild.2"),
		it.Equal(NextMinorAddonVersion("v1.18.3-eksbuild.1", seq), "v1.18.3-eksbuild.1"),
		it.Equal(NextMinorAddonVersion("invalid", seq), "invalid"),
	)
}

func TestFargateReady(t *testing.T) {
	ctx := context.Background()

	t.Run("Nodegroups", func(t *testing.T) {
		api := newMockEKS().
			withCluster("a", "1.29", types.ClusterStatusActive).
			withNodegroup("ng", "1.29", types.NodegroupStatusActive).
			withProfile("fp", types.FargateProfileStatusActive, "default")
		f := newFixture(t, api, newMockKube())

		ok, err := f.FargateReady(ctx, "a", "velero")
		it.Then(t).Should(it.Nil(err), it.True(ok))
	})

	t.Run("NoProfiles", func(t *testing.T) {
		api := newMockEKS().withCluster("a", "1.29", types.ClusterStatusActive)
		f := newFixture(t, api, newMockKube())

		ok, err := f.FargateReady(ctx, "a", "velero")
		it.Then(t).Should(it.Nil(err), it.True(ok))
	})

	t.Run("Selected", func(t *testing.T) {
		api := newMockEKS().
			withCluster("a", "1.29", types.ClusterStatusActive).
			withProfile("fp", types.FargateProfileStatusActive, "default", "velero")
		f := newFixture(t, api, newMockKube())

		ok, err := f.FargateReady(ctx, "a", "velero")
		it.Then(t).Should(it.Nil(err), it.True(ok))
	})

	t.Run("NotSelected", func(t *testing.T) {
		api := newMockEKS().
			withCluster("a", "1.29", types.ClusterStatusActive).
			withProfile("fp", types.FargateProfileStatusActive, "default").
			withProfile("vp", types.FargateProfileStatusCreating, "velero")
		f := newFixture(t, api, newMockKube())

		ok, err := f.FargateReady(ctx, "a", "velero")
		it.Then(t).Should(it.Nil(err), it.True(!ok))
	})
}

func TestAwait(t *testing.T) {
	api := newMockEKS().withCluster("a", "1.29", types.ClusterStatusActive)
	api.updateStatus = types.UpdateStatusFailed
	f := newFixture(t, api, newMockKube())

	status, err := f.await(context.Background(), update{Cluster: "a", Id: "u"})
	it.Then(t).Should(
		it.Nil(err),
		it.Equal(status, types.UpdateStatusFailed),
	)
}
