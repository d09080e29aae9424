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
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/fogfish/eksfleet/internal/fleet"
	"github.com/fogfish/eksfleet/internal/reports"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ktypes "k8s.io/apimachinery/pkg/types"
)

var (
	// Addons updated by the automation, others are updated manually
	SupportedAddons = []string{
		"vpc-cni",
		"coredns",
		"kube-proxy",
		"aws-ebs-csi-driver",
		"aws-efs-csi-driver",
		"snapshot-controller",
		"adot",
		"aws-guardduty-agent",
		"amazon-cloudwatch-observability",
		"eks-pod-identity-agent",
		"aws-mountpoint-s3-csi-driver",
	}

	// Addons updated if the input does not list any
	DefaultAddons = []string{"vpc-cni", "coredns", "kube-proxy"}

	// Addons updated one minor release at a time
	MinorVersionAddons = []string{"vpc-cni", "eks-pod-identity-agent"}
)

// Annotation triggering rollout of deployment
const RestartedAtAnnotation = "kubectl.kubernetes.io/restartedAt"

// Upgrade steps write into clusterupgrade report, components are
// detailed by own reports.
func (r *Runner) ControlPlane(ctx context.Context) error {
	return r.ForEach(ctx,
		Each{Name: "control-plane", Report: reports.TableClusterUpgrade, Required: true, CheckStatus: true},
		r.controlPlane,
	)
}

func (r *Runner) AddonsUpgrade(ctx context.Context) error {
	return r.ForEach(ctx,
		Each{Name: "addons", Report: reports.TableClusterUpgrade, Required: true, CheckStatus: true},
		r.addonsUpgrade,
	)
}

func (r *Runner) Nodegroups(ctx context.Context) error {
	return r.ForEach(ctx,
		Each{Name: "nodegroups", Report: reports.TableClusterUpgrade, Required: true, CheckStatus: true},
		r.nodegroups,
	)
}

func (r *Runner) PostUpgrade(ctx context.Context) error {
	return r.ForEach(ctx,
		Each{Name: "post-upgrade", Report: reports.TableClusterUpgrade, Required: true},
		r.postUpgrade,
	)
}

func (r *Runner) RestartFargate(ctx context.Context) error {
	return r.ForEach(ctx,
		Each{Name: "restart-fargate", Report: reports.TableClusterUpgrade, Required: true, CheckStatus: true},
		r.restartFargate,
	)
}

//------------------------------------------------------------------------------

func upgradeOptions(c fleet.Cluster, current string) fleet.UpgradeOptions {
	opts := fleet.UpgradeOptions{}
	if c.UpgradeOptions != nil {
		opts = *c.UpgradeOptions
	}

	if opts.DesiredEKSVersion == "" {
		opts.DesiredEKSVersion = current
	}

	if len(opts.AddonsToUpdate) == 0 {
		opts.AddonsToUpdate = DefaultAddons
	}

	return opts
}

func appendMessage(doc Doc, message string) {
	if prev, ok := doc["Message"].(string); ok && prev != "" {
		doc["Message"] = prev + " " + message
		return
	}
	doc["Message"] = message
}

func (r *Runner) controlPlane(ctx context.Context, c fleet.Cluster) error {
	path, err := r.JSONReport(c.ClusterName, reports.TableClusterUpgrade)
	if err != nil {
		return err
	}

	doc, err := ReadJSON(path)
	if err != nil {
		return err
	}

	info, err := r.describeCluster(ctx, c.ClusterName)
	if err != nil {
		return err
	}

	desired := upgradeOptions(c, info.Version).DesiredEKSVersion

	switch {
	case info.Version == desired:
		slog.Info("cluster runs desired version", "cluster", c.ClusterName, "version", desired)
		doc["ClusterUpdateStatus"] = StatusNoAction
		doc["Message"] = fmt.Sprintf("Cluster already running %s", desired)
		return WriteJSON(path, doc)

	case !Upgradable(info.Version, desired):
		doc["ClusterUpdateStatus"] = "Not supported"
		doc["Message"] = "Upgrading more than one version at a time is not supported."
		return errors.Join(
			fmt.Errorf("cluster %s cannot be upgraded from %s to %s", c.ClusterName, info.Version, desired),
			WriteJSON(path, doc),
		)
	}

	slog.Info("upgrading cluster", "cluster", c.ClusterName, "version", info.Version, "desired", desired)
	val, err := r.eks.UpdateClusterVersion(ctx, &eks.UpdateClusterVersionInput{
		Name:    aws.String(c.ClusterName),
		Version: aws.String(desired),
	})
	if err == nil {
		var status types.UpdateStatus
		status, err = r.await(ctx, update{Cluster: c.ClusterName, Id: aws.ToString(val.Update.Id)})
		if err == nil && status != types.UpdateStatusSuccessful {
			err = fmt.Errorf("update is %s", status)
		}
	}

	if err != nil {
		doc["ClusterUpdateStatus"] = StatusFailure
		doc["Message"] = fmt.Sprintf("Update failed for %s", c.ClusterName)
		return errors.Join(err, WriteJSON(path, doc))
	}

	doc["ClusterUpdateStatus"] = StatusSuccess
	doc["Message"] = fmt.Sprintf("Cluster upgraded to %s", desired)
	return WriteJSON(path, doc)
}

//------------------------------------------------------------------------------

func (r *Runner) addonsUpgrade(ctx context.Context, c fleet.Cluster) error {
	defer func() {
		if err := r.Upload(c.ClusterName, reports.TableAddonsUpgrade); err != nil {
			slog.Error("upload failed", "cluster", c.ClusterName, "report", reports.TableAddonsUpgrade, "err", err)
		}
	}()

	info, err := r.describeCluster(ctx, c.ClusterName)
	if err != nil {
		return err
	}

	opts := upgradeOptions(c, info.Version)

	names, err := r.listAddons(ctx, c.ClusterName)
	if err != nil {
		return err
	}

	t := NewTable("Name", "Version", "UpdatedVersion", "UpdateStatus", "Message").
		WithEmpty(DataNotAvailable, DataNotAvailable, DataNotAvailable, DataNotAvailable, "No addons present")

	progress := Progress{}
	for _, name := range names {
		addon, err := r.describeAddon(ctx, c.ClusterName, name)
		if err != nil {
			return err
		}

		t.Add(r.upgradeAddon(ctx, c.ClusterName, info.Version, addon, opts, &progress)...)
	}

	if err := r.WriteCSV(c.ClusterName, reports.TableAddonsUpgrade, t); err != nil {
		return err
	}

	path, err := r.JSONReport(c.ClusterName, reports.TableClusterUpgrade)
	if err != nil {
		return err
	}

	err = r.UpdateJSON(path, func(doc Doc) {
		doc["TotalAddons"] = len(names)
		doc["AddonsUpgraded"] = progress.Updated
		doc["AddonsFailed"] = progress.Failed
		doc["AddonsNotActive"] = progress.NotActive
		doc["AddonsNotSupported"] = progress.NotSupported
		doc["AddonsNotInInput"] = progress.NotRequested
		doc["AddonsRunningLatest"] = progress.NoAction
		appendMessage(doc, fmt.Sprintf("Addons updated:- %d; Check %s table.", progress.Updated, reports.TableAddonsUpgrade))
	})
	return err
}

// upgradeAddon returns the report row of addon
func (r *Runner) upgradeAddon(ctx context.Context, cluster, k8s string, addon *types.Addon, opts fleet.UpgradeOptions, progress *Progress) []string {
	name := aws.ToString(addon.AddonName)
	current := aws.ToString(addon.AddonVersion)

	row := func(updated, status, message string) []string {
		return []string{name, current, updated, status, message}
	}

	if !slices.Contains(opts.AddonsToUpdate, name) {
		progress.NotRequested++
		return row(DataNotAvailable, StatusNoAction, "Not present in the input addons to update")
	}

	if !slices.Contains(SupportedAddons, name) {
		progress.NotSupported++
		return row(DataNotAvailable, StatusNoAction, "Not supported. Update manually")
	}

	if addon.Status != types.AddonStatusActive {
		progress.NotActive++
		return row(DataNotAvailable, StatusNoAction, "Status is not ACTIVE. Manually update the addon")
	}

	versions, err := r.addonVersions(ctx, name, k8s)
	if err != nil {
		slog.Error("addon versions failed", "cluster", cluster, "addon", name, "err", err)
		progress.Failed++
		return row(DataNotAvailable, StatusFailure, "Update addon failed")
	}

	desired := DefaultAddonVersion(versions)
	if slices.Contains(MinorVersionAddons, name) {
		desired = NextMinorAddonVersion(current, versions)
	}

	if desired == "" {
		progress.NotSupported++
		return row(DataNotAvailable, StatusNoAction, fmt.Sprintf("No version compatible with Kubernetes %s", k8s))
	}

	if desired == current {
		progress.NoAction++
		return row(current, StatusNoAction, "Running with latest version")
	}

	slog.Info("updating addon", "cluster", cluster, "addon", name, "version", current, "desired", desired)
	req := &eks.UpdateAddonInput{
		ClusterName:      aws.String(cluster),
		AddonName:        aws.String(name),
		AddonVersion:     aws.String(desired),
		ResolveConflicts: types.ResolveConflictsPreserve,
	}
	if addon.ServiceAccountRoleArn != nil {
		req.ServiceAccountRoleArn = addon.ServiceAccountRoleArn
	}

	val, err := r.eks.UpdateAddon(ctx, req)
	if err == nil {
		var status types.UpdateStatus
		status, err = r.await(ctx, update{Cluster: cluster, Id: aws.ToString(val.Update.Id), Addon: name})
		if err == nil && status != types.UpdateStatusSuccessful {
			err = fmt.Errorf("update is %s", status)
		}
	}

	if err != nil {
		slog.Error("addon update failed", "cluster", cluster, "addon", name, "err", err)
		progress.Failed++
		return row(desired, StatusFailure, "Update addon failed")
	}

	progress.Updated++
	return row(desired, StatusSuccess, "Updated")
}

//------------------------------------------------------------------------------

func (r *Runner) nodegroups(ctx context.Context, c fleet.Cluster) error {
	defer func() {
		if err := r.Upload(c.ClusterName, reports.TableNodegroupUpgrade); err != nil {
			slog.Error("upload failed", "cluster", c.ClusterName, "report", reports.TableNodegroupUpgrade, "err", err)
		}
	}()

	info, err := r.describeCluster(ctx, c.ClusterName)
	if err != nil {
		return err
	}

	opts := upgradeOptions(c, info.Version)

	names, err := r.listNodegroups(ctx, c.ClusterName)
	if err != nil {
		return err
	}

	t := NewTable("Name", "DesiredVersion", "UpdateStatus", "Message").
		WithEmpty(DataNotAvailable, DataNotAvailable, DataNotAvailable, "No NodeGroups present")

	// node groups are aligned with control plane
	desired := info.Version
	progress := Progress{}
	for _, name := range names {
		requested, launchTemplate := requestedNodegroup(opts, name)
		if !requested {
			progress.NotRequested++
			t.Add(name, desired, StatusNoAction, "Not present in the input node groups to update")
			continue
		}

		ng, err := r.describeNodegroup(ctx, c.ClusterName, name)
		if err != nil {
			return err
		}

		t.Add(r.upgradeNodegroup(ctx, c.ClusterName, desired, launchTemplate, ng, &progress)...)
	}

	if err := r.WriteCSV(c.ClusterName, reports.TableNodegroupUpgrade, t); err != nil {
		return err
	}

	path, err := r.JSONReport(c.ClusterName, reports.TableClusterUpgrade)
	if err != nil {
		return err
	}

	err = r.UpdateJSON(path, func(doc Doc) {
		doc["TotalNodeGroups"] = len(names)
		doc["NodeGroupsUpgraded"] = progress.Updated
		doc["NodeGroupsFailed"] = progress.Failed
		doc["NodeGroupsRunningDesired"] = progress.NoAction
		doc["NodeGroupsNotActive"] = progress.NotActive
		appendMessage(doc, fmt.Sprintf("Node groups updated:- %d; Check %s table.", progress.Updated, reports.TableNodegroupUpgrade))
	})
	return err
}

// requestedNodegroup checks if node group is requested for upgrade and
// resolves its launch template version. All node groups are requested if
// input does not list any.
func requestedNodegroup(opts fleet.UpgradeOptions, name string) (bool, string) {
	if len(opts.ManagedNodeGroups) == 0 {
		return true, opts.CommonLaunchTemplateVersion
	}

	i := slices.IndexFunc(opts.ManagedNodeGroups,
		func(ng fleet.ManagedNodeGroup) bool { return ng.Name == name },
	)
	if i == -1 {
		return false, ""
	}

	if vsn := opts.ManagedNodeGroups[i].LaunchTemplateVersion; vsn != "" {
		return true, vsn
	}

	return true, opts.CommonLaunchTemplateVersion
}

func (r *Runner) upgradeNodegroup(ctx context.Context, cluster, desired, launchTemplate string, ng *types.Nodegroup, progress *Progress) []string {
	name := aws.ToString(ng.NodegroupName)

	if ng.Status != types.NodegroupStatusActive {
		progress.NotActive++
		return []string{name, desired, "Update Manually", "NodeGroup status is not ACTIVE"}
	}

	if aws.ToString(ng.Version) == desired {
		progress.NoAction++
		return []string{name, desired, StatusNoAction, "Already running desired version"}
	}

	req := &eks.UpdateNodegroupVersionInput{
		ClusterName:   aws.String(cluster),
		NodegroupName: aws.String(name),
		Version:       aws.String(desired),
	}
	if launchTemplate != "" && ng.LaunchTemplate != nil {
		req.LaunchTemplate = &types.LaunchTemplateSpecification{
			Id:      ng.LaunchTemplate.Id,
			Version: aws.String(launchTemplate),
		}
	}

	slog.Info("updating node group", "cluster", cluster, "nodegroup", name, "version", aws.ToString(ng.Version), "desired", desired)
	val, err := r.eks.UpdateNodegroupVersion(ctx, req)
	if err == nil {
		var status types.UpdateStatus
		status, err = r.await(ctx, update{Cluster: cluster, Id: aws.ToString(val.Update.Id), Nodegroup: name})
		if err == nil && status != types.UpdateStatusSuccessful {
			err = fmt.Errorf("update is %s", status)
		}
	}

	if err != nil {
		slog.Error("node group update failed", "cluster", cluster, "nodegroup", name, "err", err)
		progress.Failed++
		return []string{name, desired, StatusFailure, "Update node group failed"}
	}

	progress.Updated++
	return []string{name, desired, StatusSuccess, "Updated"}
}

//------------------------------------------------------------------------------

func (r *Runner) postUpgrade(ctx context.Context, c fleet.Cluster) error {
	defer func() {
		if err := r.Upload(c.ClusterName, reports.TablePostUpgrade); err != nil {
			slog.Error("upload failed", "cluster", c.ClusterName, "report", reports.TablePostUpgrade, "err", err)
		}
	}()

	info, err := r.describeCluster(ctx, c.ClusterName)
	if err != nil {
		return err
	}

	t := NewTable("CurrentClusterVersion", "Type", "Name", "CurrentVersion", "Status", "Message").
		WithEmpty(info.Version, DataNotAvailable, DataNotAvailable, DataNotAvailable, DataNotAvailable, "No NodeGroups and Addons present")

	nodegroups, err := r.listNodegroups(ctx, c.ClusterName)
	if err != nil {
		return err
	}

	for _, name := range nodegroups {
		ng, err := r.describeNodegroup(ctx, c.ClusterName, name)
		if err != nil {
			return err
		}

		message := "Desired EKS Version running"
		if aws.ToString(ng.Version) != info.Version {
			message = "NodeGroup is not on the desired EKS version"
		}

		t.Add(info.Version, "NodeGroup", name, aws.ToString(ng.Version), string(ng.Status), message)
	}

	addons, err := r.listAddons(ctx, c.ClusterName)
	if err != nil {
		return err
	}

	for _, name := range addons {
		addon, err := r.describeAddon(ctx, c.ClusterName, name)
		if err != nil {
			return err
		}

		versions, err := r.addonVersions(ctx, name, info.Version)
		if err != nil {
			return err
		}

		message := "Default Version is being used"
		if aws.ToString(addon.AddonVersion) != DefaultAddonVersion(versions) {
			message = fmt.Sprintf("Addon is not on the default version for Kubernetes version %s", info.Version)
		}

		t.Add(info.Version, "Addon", name, aws.ToString(addon.AddonVersion), string(addon.Status), message)
	}

	if err := r.WriteCSV(c.ClusterName, reports.TablePostUpgrade, t); err != nil {
		return err
	}

	path, err := r.JSONReport(c.ClusterName, reports.TableClusterUpgrade)
	if err != nil {
		return err
	}

	return r.UpdateJSON(path, func(doc Doc) {
		doc["PostUpdateClusterVersion"] = info.Version
	})
}

//------------------------------------------------------------------------------

// restartFargate rolls out deployments scheduled by fargate so that pods
// run on nodes of new version.
func (r *Runner) restartFargate(ctx context.Context, c fleet.Cluster) error {
	profiles, err := r.listFargateProfiles(ctx, c.ClusterName)
	if err != nil {
		return err
	}

	kube, err := r.kube.Clientset(c.ClusterName)
	if err != nil {
		return err
	}

	patch := fmt.Sprintf(`{"spec":{"template":{"metadata":{"annotations":{%q:%q}}}}}`,
		RestartedAtAnnotation, r.clock().Format(time.RFC3339),
	)

	restarted := 0
	for _, name := range profiles {
		profile, err := r.describeFargateProfile(ctx, c.ClusterName, name)
		if err != nil {
			return err
		}

		if profile.Status != types.FargateProfileStatusActive {
			slog.Warn("fargate profile is not active", "cluster", c.ClusterName, "profile", name)
			continue
		}

		for _, selector := range profile.Selectors {
			namespace := aws.ToString(selector.Namespace)
			opts := metav1.ListOptions{}
			if len(selector.Labels) != 0 {
				opts.LabelSelector = labels(selector.Labels)
			}

			deployments, err := kube.AppsV1().Deployments(namespace).List(ctx, opts)
			if err != nil {
				return fmt.Errorf("list deployments of %s failed: %w", namespace, err)
			}

			for _, d := range deployments.Items {
				_, err := kube.AppsV1().Deployments(namespace).Patch(ctx, d.Name, ktypes.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
				if err != nil {
					return fmt.Errorf("restart deployment %s/%s failed: %w", namespace, d.Name, err)
				}
				slog.Info("deployment restarted", "cluster", c.ClusterName, "namespace", namespace, "deployment", d.Name)
			}
		}
		restarted++
	}

	path, err := r.JSONReport(c.ClusterName, reports.TableClusterUpgrade)
	if err != nil {
		return err
	}

	return r.UpdateJSON(path, func(doc Doc) {
		doc["TotalFargateProfiles"] = len(profiles)
		appendMessage(doc, fmt.Sprintf("Restarted Fargate profiles: %d.", restarted))
	})
}

func labels(seq map[string]string) string {
	keys := make([]string, 0, len(seq))
	for k := range seq {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + seq[k]
	}

	return strings.Join(pairs, ",")
}
