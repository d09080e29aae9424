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
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/eks/types"
	"k8s.io/apimachinery/pkg/util/wait"
)

const ClusterActive = "ACTIVE"

type clusterInfo struct {
	Name     string
	Version  string
	Status   string
	Endpoint string
	CA       string
	Issuer   string
}

func (r *Runner) describeCluster(ctx context.Context, cluster string) (clusterInfo, error) {
	val, err := r.eks.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(cluster)})
	if err != nil {
		return clusterInfo{}, fmt.Errorf("describe cluster %s failed: %w", cluster, err)
	}

	c := val.Cluster
	info := clusterInfo{
		Name:     cluster,
		Version:  aws.ToString(c.Version),
		Status:   string(c.Status),
		Endpoint: aws.ToString(c.Endpoint),
	}

	if c.CertificateAuthority != nil {
		info.CA = aws.ToString(c.CertificateAuthority.Data)
	}

	if c.Identity != nil && c.Identity.Oidc != nil {
		info.Issuer = aws.ToString(c.Identity.Oidc.Issuer)
	}

	return info, nil
}

func (r *Runner) listClusters(ctx context.Context) ([]string, error) {
	seq := []string{}
	pages := eks.NewListClustersPaginator(r.eks,
		&eks.ListClustersInput{MaxResults: aws.Int32(100), Include: []string{"all"}},
	)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list clusters failed: %w", err)
		}
		seq = append(seq, page.Clusters...)
	}

	return seq, nil
}

func (r *Runner) listNodegroups(ctx context.Context, cluster string) ([]string, error) {
	seq := []string{}
	pages := eks.NewListNodegroupsPaginator(r.eks,
		&eks.ListNodegroupsInput{ClusterName: aws.String(cluster), MaxResults: aws.Int32(50)},
	)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list node groups of %s failed: %w", cluster, err)
		}
		seq = append(seq, page.Nodegroups...)
	}

	return seq, nil
}

func (r *Runner) describeNodegroup(ctx context.Context, cluster, nodegroup string) (*types.Nodegroup, error) {
	val, err := r.eks.DescribeNodegroup(ctx,
		&eks.DescribeNodegroupInput{ClusterName: aws.String(cluster), NodegroupName: aws.String(nodegroup)},
	)
	if err != nil {
		return nil, fmt.Errorf("describe node group %s failed: %w", nodegroup, err)
	}

	return val.Nodegroup, nil
}

func (r *Runner) listAddons(ctx context.Context, cluster string) ([]string, error) {
	seq := []string{}
	pages := eks.NewListAddonsPaginator(r.eks,
		&eks.ListAddonsInput{ClusterName: aws.String(cluster), MaxResults: aws.Int32(50)},
	)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list addons of %s failed: %w", cluster, err)
		}
		seq = append(seq, page.Addons...)
	}

	return seq, nil
}

func (r *Runner) describeAddon(ctx context.Context, cluster, addon string) (*types.Addon, error) {
	val, err := r.eks.DescribeAddon(ctx,
		&eks.DescribeAddonInput{ClusterName: aws.String(cluster), AddonName: aws.String(addon)},
	)
	if err != nil {
		return nil, fmt.Errorf("describe addon %s failed: %w", addon, err)
	}

	return val.Addon, nil
}

// AddonVersion compatible with Kubernetes version
type AddonVersion struct {
	Version string
	Default bool
}

func (r *Runner) addonVersions(ctx context.Context, addon, k8s string) ([]AddonVersion, error) {
	seq := []AddonVersion{}
	pages := eks.NewDescribeAddonVersionsPaginator(r.eks,
		&eks.DescribeAddonVersionsInput{AddonName: aws.String(addon), KubernetesVersion: aws.String(k8s)},
	)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe versions of %s failed: %w", addon, err)
		}

		for _, info := range page.Addons {
			for _, v := range info.AddonVersions {
				for _, c := range v.Compatibilities {
					if aws.ToString(c.ClusterVersion) == k8s {
						seq = append(seq, AddonVersion{Version: aws.ToString(v.AddonVersion), Default: c.DefaultVersion})
					}
				}
			}
		}
	}

	return seq, nil
}

// DefaultAddonVersion is the version EKS installs by default, empty if none
func DefaultAddonVersion(seq []AddonVersion) string {
	for _, v := range seq {
		if v.Default {
			return v.Version
		}
	}

	return ""
}

// NextMinorAddonVersion selects the version of next minor release. It is
// the default version if it belongs to the release, otherwise the lowest
// one. The current version is returned if next release is not available.
func NextMinorAddonVersion(current string, seq []AddonVersion) string {
	vsn, err := semver.NewVersion(current)
	if err != nil {
		slog.Warn("invalid addon version", "version", current, "err", err)
		return current
	}

	next := vsn.Minor() + 1
	candidates := []*semver.Version{}
	for _, v := range seq {
		x, err := semver.NewVersion(v.Version)
		if err != nil || x.Major() != vsn.Major() || x.Minor() != next {
			continue
		}

		if v.Default {
			return v.Version
		}
		candidates = append(candidates, x)
	}

	if len(candidates) == 0 {
		return current
	}

	slices.SortFunc(candidates, func(a, b *semver.Version) int { return a.Compare(b) })
	return candidates[0].Original()
}

// Upgradable versions of Kubernetes differ by one minor release
func Upgradable(current, desired string) bool {
	a, err := semver.NewVersion(current)
	if err != nil {
		return false
	}

	b, err := semver.NewVersion(desired)
	if err != nil {
		return false
	}

	return a.Major() == b.Major() && a.Minor()+1 == b.Minor()
}

// PreviousVersions of Kubernetes from desired down to current, excluding
// desired one. The desired version is returned if cluster runs it already.
func PreviousVersions(current, desired string) []string {
	a, err := semver.NewVersion(current)
	if err != nil {
		return []string{desired}
	}

	b, err := semver.NewVersion(desired)
	if err != nil || a.Major() != b.Major() || a.Minor() >= b.Minor() {
		return []string{desired}
	}

	seq := []string{}
	for minor := b.Minor() - 1; minor >= a.Minor(); minor-- {
		seq = append(seq, fmt.Sprintf("%d.%d", b.Major(), minor))
		if minor == 0 {
			break
		}
	}

	return seq
}

func (r *Runner) listFargateProfiles(ctx context.Context, cluster string) ([]string, error) {
	seq := []string{}
	pages := eks.NewListFargateProfilesPaginator(r.eks,
		&eks.ListFargateProfilesInput{ClusterName: aws.String(cluster), MaxResults: aws.Int32(50)},
	)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list fargate profiles of %s failed: %w", cluster, err)
		}
		seq = append(seq, page.FargateProfileNames...)
	}

	return seq, nil
}

func (r *Runner) describeFargateProfile(ctx context.Context, cluster, profile string) (*types.FargateProfile, error) {
	val, err := r.eks.DescribeFargateProfile(ctx,
		&eks.DescribeFargateProfileInput{ClusterName: aws.String(cluster), FargateProfileName: aws.String(profile)},
	)
	if err != nil {
		return nil, fmt.Errorf("describe fargate profile %s failed: %w", profile, err)
	}

	return val.FargateProfile, nil
}

// FargateReady checks that pods of namespace are schedulable. A cluster
// without node groups must have an active fargate profile selecting
// the namespace.
func (r *Runner) FargateReady(ctx context.Context, cluster, namespace string) (bool, error) {
	nodegroups, err := r.listNodegroups(ctx, cluster)
	if err != nil {
		return false, err
	}

	profiles, err := r.listFargateProfiles(ctx, cluster)
	if err != nil {
		return false, err
	}

	if len(nodegroups) != 0 || len(profiles) == 0 {
		return true, nil
	}

	for _, name := range profiles {
		profile, err := r.describeFargateProfile(ctx, cluster, name)
		if err != nil {
			return false, err
		}

		if profile.Status != types.FargateProfileStatusActive {
			continue
		}

		for _, selector := range profile.Selectors {
			if aws.ToString(selector.Namespace) == namespace {
				return true, nil
			}
		}
	}

	slog.Warn("namespace is not selected by fargate profiles", "cluster", cluster, "namespace", namespace)
	return false, nil
}

type update struct {
	Cluster   string
	Id        string
	Nodegroup string
	Addon     string
}

// await EKS update until it leaves InProgress state
func (r *Runner) await(ctx context.Context, u update) (types.UpdateStatus, error) {
	req := &eks.DescribeUpdateInput{Name: aws.String(u.Cluster), UpdateId: aws.String(u.Id)}
	if u.Nodegroup != "" {
		req.NodegroupName = aws.String(u.Nodegroup)
	}
	if u.Addon != "" {
		req.AddonName = aws.String(u.Addon)
	}

	var status types.UpdateStatus
	err := wait.PollUntilContextTimeout(ctx, r.poll, r.timeout, true,
		func(ctx context.Context) (bool, error) {
			val, err := r.eks.DescribeUpdate(ctx, req)
			if err != nil {
				return false, err
			}

			status = val.Update.Status
			if status == types.UpdateStatusInProgress {
				slog.Debug("update in progress", "cluster", u.Cluster, "update", u.Id)
				return false, nil
			}

			if status != types.UpdateStatusSuccessful {
				for _, e := range val.Update.Errors {
					slog.Error("update failed", "cluster", u.Cluster, "update", u.Id,
						"code", e.ErrorCode, "message", aws.ToString(e.ErrorMessage))
				}
			}

			return true, nil
		},
	)
	if err != nil {
		return status, fmt.Errorf("await update %s of %s failed: %w", u.Id, u.Cluster, err)
	}

	return status, nil
}

func lastOf(s, sep string) string {
	if i := strings.LastIndex(s, sep); i != -1 {
		return s[i+len(sep):]
	}
	return s
}
