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
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/fogfish/eksfleet/internal/fleet"
	"github.com/fogfish/eksfleet/internal/reports"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes"
)

// Namespaces excluded from singleton checks
var RestrictedNamespaces = []string{"kube-system"}

// Summary steps, each one is a report
func (r *Runner) Metadata(ctx context.Context) error {
	return r.ForEach(ctx, Each{Name: "metadata", Report: reports.TableMetadata}, r.metadata)
}

func (r *Runner) Addons(ctx context.Context) error {
	return r.ForEach(ctx, Each{Name: "addons", Report: reports.TableAddons}, r.addons)
}

func (r *Runner) CertificateSigningRequests(ctx context.Context) error {
	return r.ForEach(ctx, Each{Name: "csr", Report: reports.TableCSR}, r.csr)
}

func (r *Runner) UnhealthyPods(ctx context.Context) error {
	return r.ForEach(ctx, Each{Name: "unhealthy-pods", Report: reports.TableUnhealthyPods}, r.unhealthyPods)
}

func (r *Runner) Singleton(ctx context.Context) error {
	return r.ForEach(ctx, Each{Name: "singleton", Report: reports.TableSingleton}, r.singleton)
}

func (r *Runner) PodSecurityPolicies(ctx context.Context) error {
	return r.ForEach(ctx, Each{Name: "psp", Report: reports.TablePSP}, r.psp)
}

func (r *Runner) DeprecatedAPIs(ctx context.Context) error {
	return r.ForEach(ctx, Each{Name: "deprecated-apis", Report: reports.TableDeprecatedAPIs}, r.deprecatedAPIs)
}

//------------------------------------------------------------------------------

func (r *Runner) metadata(ctx context.Context, c fleet.Cluster) error {
	info, err := r.describeCluster(ctx, c.ClusterName)
	if err != nil {
		return err
	}

	kube, err := r.kube.Clientset(c.ClusterName)
	if err != nil {
		return err
	}

	nodes, err := kube.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list nodes failed: %w", err)
	}

	workers := NewTable("Name", "KubeletVersion", "Data").
		WithEmpty("", "", DataNotAvailable)
	for _, node := range nodes.Items {
		workers.Add(node.Name, node.Status.NodeInfo.KubeletVersion, DataAvailable)
	}

	if err := r.WriteCSV(c.ClusterName, reports.TableWorkerNodes, workers); err != nil {
		return err
	}

	if err := r.Upload(c.ClusterName, reports.TableWorkerNodes); err != nil {
		return err
	}

	path, err := r.JSONReport(c.ClusterName, reports.TableMetadata)
	if err != nil {
		return err
	}

	return WriteJSON(path, Doc{
		"ClusterVersion":                 info.Version,
		"AddonDetails_CoreDns_Details":   imageTag(ctx, kube, "Deployment", "coredns"),
		"AddonDetails_KubeProxy_Details": imageTag(ctx, kube, "DaemonSet", "kube-proxy"),
		"AddonDetails_AWSNode_Details":   imageTag(ctx, kube, "DaemonSet", "aws-node"),
		"TotalWorkerNodes":               len(nodes.Items),
	})
}

// imageTag of core component deployed at kube-system, nil if component
// is missing.
func imageTag(ctx context.Context, kube kubernetes.Interface, kind, name string) any {
	var containers []corev1.Container

	switch kind {
	case "Deployment":
		obj, err := kube.AppsV1().Deployments(metav1.NamespaceSystem).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			slog.Warn("component not found", "kind", kind, "name", name, "err", err)
			return nil
		}
		containers = obj.Spec.Template.Spec.Containers
	case "DaemonSet":
		obj, err := kube.AppsV1().DaemonSets(metav1.NamespaceSystem).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			slog.Warn("component not found", "kind", kind, "name", name, "err", err)
			return nil
		}
		containers = obj.Spec.Template.Spec.Containers
	}

	for _, container := range containers {
		if container.Name == name {
			return lastOf(container.Image, ":")
		}
	}

	if len(containers) != 0 {
		return lastOf(containers[0].Image, ":")
	}

	return nil
}

func (r *Runner) addons(ctx context.Context, c fleet.Cluster) error {
	addons, err := r.listAddons(ctx, c.ClusterName)
	if err != nil {
		return err
	}

	t := NewTable("Name", "Version", "Status", "Data").
		WithEmpty("", "", "", DataNotAvailable)
	for _, addon := range addons {
		detail, err := r.describeAddon(ctx, c.ClusterName, addon)
		if err != nil {
			return err
		}
		t.Add(addon, aws.ToString(detail.AddonVersion), string(detail.Status), DataAvailable)
	}

	slog.Info("addons", "cluster", c.ClusterName, "count", t.Len())
	return r.WriteCSV(c.ClusterName, reports.TableAddons, t)
}

func (r *Runner) csr(ctx context.Context, c fleet.Cluster) error {
	kube, err := r.kube.Clientset(c.ClusterName)
	if err != nil {
		return err
	}

	seq, err := kube.CertificatesV1().CertificateSigningRequests().List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list certificate signing requests failed: %w", err)
	}

	t := NewTable("CSRName", "SignerName", "CurrentStatus", "Data").
		WithEmpty("", "", "", DataNotAvailable)
	for _, csr := range seq.Items {
		switch {
		case len(csr.Status.Conditions) == 0:
			slog.Info("csr pending approval", "cluster", c.ClusterName, "csr", csr.Name)
			t.Add(csr.Name, csr.Spec.SignerName, "Pending Approval", DataAvailable)
		case csr.Status.Conditions[0].Type == "Approved":
			t.Add(csr.Name, csr.Spec.SignerName, "Approved Already", DataAvailable)
		}
	}

	return r.WriteCSV(c.ClusterName, reports.TableCSR, t)
}

func (r *Runner) unhealthyPods(ctx context.Context, c fleet.Cluster) error {
	kube, err := r.kube.Clientset(c.ClusterName)
	if err != nil {
		return err
	}

	namespaces, err := kube.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list namespaces failed: %w", err)
	}

	t := NewTable("Namespace", "PodName", "PodStatus", "ErrorReason", "Data").
		WithEmpty("", "", "", "", DataNotAvailable)
	for _, ns := range namespaces.Items {
		pods, err := kube.CoreV1().Pods(ns.Name).List(ctx, metav1.ListOptions{})
		if err != nil {
			return fmt.Errorf("list pods of %s failed: %w", ns.Name, err)
		}

		for _, pod := range pods.Items {
			if pod.Status.Phase == corev1.PodRunning || pod.Status.Phase == corev1.PodSucceeded {
				continue
			}
			t.Add(ns.Name, pod.Name, string(pod.Status.Phase), podErrorReason(pod), DataAvailable)
		}
	}

	slog.Info("unhealthy pods", "cluster", c.ClusterName, "count", t.Len())
	return r.WriteCSV(c.ClusterName, reports.TableUnhealthyPods, t)
}

func podErrorReason(pod corev1.Pod) string {
	if len(pod.Status.ContainerStatuses) == 0 {
		return "unknown"
	}

	state := pod.Status.ContainerStatuses[0].State
	switch {
	case state.Waiting != nil:
		return state.Waiting.Reason
	case state.Terminated != nil:
		return state.Terminated.Reason
	default:
		return "unknown"
	}
}

func (r *Runner) singleton(ctx context.Context, c fleet.Cluster) error {
	kube, err := r.kube.Clientset(c.ClusterName)
	if err != nil {
		return err
	}

	namespaces, err := kube.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list namespaces failed: %w", err)
	}

	singleReplica := map[string][]string{}
	singleStatefulSet := map[string][]string{}
	singleNode := map[string][]string{}

	for _, ns := range namespaces.Items {
		restricted := slices.Contains(RestrictedNamespaces, ns.Name)

		deployments, err := kube.AppsV1().Deployments(ns.Name).List(ctx, metav1.ListOptions{})
		if err != nil {
			return fmt.Errorf("list deployments of %s failed: %w", ns.Name, err)
		}

		for _, d := range deployments.Items {
			replicas := int32(1)
			if d.Spec.Replicas != nil {
				replicas = *d.Spec.Replicas
			}

			if replicas == 1 && !restricted {
				singleReplica[ns.Name] = append(singleReplica[ns.Name], d.Name)
			}

			if replicas > 1 {
				pods, err := kube.CoreV1().Pods(ns.Name).List(ctx, metav1.ListOptions{LabelSelector: "app=" + d.Name})
				if err != nil {
					return fmt.Errorf("list pods of %s failed: %w", d.Name, err)
				}

				if sameNode(pods.Items) {
					singleNode[ns.Name] = append(singleNode[ns.Name], d.Name)
				}
			}
		}

		if restricted {
			continue
		}

		statefulsets, err := kube.AppsV1().StatefulSets(ns.Name).List(ctx, metav1.ListOptions{})
		if err != nil {
			return fmt.Errorf("list statefulsets of %s failed: %w", ns.Name, err)
		}

		for _, s := range statefulsets.Items {
			if s.Spec.Replicas != nil && *s.Spec.Replicas == 1 {
				singleStatefulSet[ns.Name] = append(singleStatefulSet[ns.Name], s.Name)
			}
		}
	}

	t := NewTable("Resource", "Namespace", "Name", "Data").
		WithEmpty("", "", "", DataNotAvailable)
	group(t, "DeploymentsWithSingleReplica", singleReplica)
	group(t, "StatefulSetsWithSingleReplica", singleStatefulSet)
	group(t, "DeploymentsWithSingleNode", singleNode)

	return r.WriteCSV(c.ClusterName, reports.TableSingleton, t)
}

func sameNode(pods []corev1.Pod) bool {
	if len(pods) == 0 {
		return false
	}

	node := pods[0].Spec.NodeName
	for _, pod := range pods[1:] {
		if pod.Spec.NodeName != node {
			return false
		}
	}

	return true
}

// group resources per namespace into rows of table
func group(t *Table, resource string, seq map[string][]string) {
	namespaces := make([]string, 0, len(seq))
	for ns := range seq {
		namespaces = append(namespaces, ns)
	}
	slices.Sort(namespaces)

	for _, ns := range namespaces {
		slices.Sort(seq[ns])
		t.Add(resource, ns, strings.Join(seq[ns], "\n"), DataAvailable)
	}
}

// Pod security policies are removed from Kubernetes 1.25, they are
// accessed as unstructured resources.
var podSecurityPolicies = schema.GroupVersionResource{
	Group:    "policy",
	Version:  "v1beta1",
	Resource: "podsecuritypolicies",
}

func (r *Runner) psp(ctx context.Context, c fleet.Cluster) error {
	kube, err := r.kube.Dynamic(c.ClusterName)
	if err != nil {
		return err
	}

	t := NewTable("Name", "FsGroup", "RunAsUser", "SupplementalGroups", "Data").
		WithEmpty("", "", "", "", DataNotAvailable)

	seq, err := kube.Resource(podSecurityPolicies).List(ctx, metav1.ListOptions{})
	switch {
	case apierrors.IsNotFound(err):
		slog.Info("pod security policies are not supported", "cluster", c.ClusterName)
	case err != nil:
		return fmt.Errorf("list pod security policies failed: %w", err)
	default:
		for _, obj := range seq.Items {
			t.Add(obj.GetName(),
				rule(obj, "fsGroup"),
				rule(obj, "runAsUser"),
				rule(obj, "supplementalGroups"),
				DataAvailable,
			)
		}
	}

	return r.WriteCSV(c.ClusterName, reports.TablePSP, t)
}

func rule(obj unstructured.Unstructured, field string) string {
	val, _, _ := unstructured.NestedString(obj.Object, "spec", field, "rule")
	return val
}

func (r *Runner) deprecatedAPIs(ctx context.Context, c fleet.Cluster) error {
	info, err := r.describeCluster(ctx, c.ClusterName)
	if err != nil {
		return err
	}

	desired := r.EKSVersion
	if desired == "" {
		desired = info.Version
	}

	insights := []types.InsightSummary{}
	pages := eks.NewListInsightsPaginator(r.eks,
		&eks.ListInsightsInput{
			ClusterName: aws.String(c.ClusterName),
			Filter: &types.InsightsFilter{
				Categories:         []types.Category{types.CategoryUpgradeReadiness},
				KubernetesVersions: PreviousVersions(info.Version, desired),
				Statuses: []types.InsightStatusValue{
					types.InsightStatusValuePassing,
					types.InsightStatusValueWarning,
					types.InsightStatusValueError,
					types.InsightStatusValueUnknown,
				},
			},
			MaxResults: aws.Int32(100),
		},
	)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list insights failed: %w", err)
		}
		insights = append(insights, page.Insights...)
	}

	t := NewTable("Name", "ApiVersion", "RuleSet", "ReplaceWith", "SinceVersion", "StopVersion",
		"RequestsInLast30Days", "InsightStatus", "Message", "Data").
		WithEmpty("", "", "", "", "", "", "0", "", "No deprecated API found", DataNotAvailable)

	for _, summary := range insights {
		val, err := r.eks.DescribeInsight(ctx,
			&eks.DescribeInsightInput{ClusterName: aws.String(c.ClusterName), Id: summary.Id},
		)
		if err != nil {
			return fmt.Errorf("describe insight %s failed: %w", aws.ToString(summary.Id), err)
		}

		insight := val.Insight
		if insight == nil || insight.CategorySpecificSummary == nil {
			continue
		}

		status := ""
		if insight.InsightStatus != nil {
			status = string(insight.InsightStatus.Status)
		}

		for _, d := range insight.CategorySpecificSummary.DeprecationDetails {
			requests := 0
			for _, stat := range d.ClientStats {
				requests += int(stat.NumberOfRequestsLast30Days)
			}

			name, version := usage(aws.ToString(d.Usage))
			t.Add(
				name,
				version,
				aws.ToString(insight.Name),
				aws.ToString(d.ReplacedWith),
				aws.ToString(d.StartServingReplacementVersion),
				aws.ToString(d.StopServingVersion),
				strconv.Itoa(requests),
				status,
				aws.ToString(insight.Recommendation),
				DataAvailable,
			)
		}
	}

	return r.WriteCSV(c.ClusterName, reports.TableDeprecatedAPIs, t)
}

// usage is the path of deprecated api, e.g. /apis/group/version/resource
func usage(path string) (string, string) {
	seq := strings.Split(path, "/")
	name := seq[len(seq)-1]

	if len(seq) < 4 {
		return name, ""
	}

	return name, seq[2] + "/" + seq[3]
}
