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
	"strings"
	"time"

	velerov1 "github.com/vmware-tanzu/velero/pkg/apis/velero/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
)

var (
	GroupVersionBackups  = velerov1.SchemeGroupVersion.WithResource("backups")
	GroupVersionRestores = velerov1.SchemeGroupVersion.WithResource("restores")
)

// Terminal phases of velero backup and restore
const (
	PhaseCompleted        = "Completed"
	PhasePartiallyFailed  = "PartiallyFailed"
	PhaseFailed           = "Failed"
	PhaseFailedValidation = "FailedValidation"
)

func terminal(phase string) bool {
	switch phase {
	case PhaseCompleted, PhasePartiallyFailed, PhaseFailed, PhaseFailedValidation:
		return true
	default:
		return false
	}
}

// Policy is IAM policy document
type Policy struct {
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

type Statement struct {
	Effect    string                       `json:"Effect"`
	Principal map[string]string            `json:"Principal,omitempty"`
	Action    []string                     `json:"Action"`
	Resource  []string                     `json:"Resource,omitempty"`
	Condition map[string]map[string]string `json:"Condition,omitempty"`
}

// TrustPolicy allows service account to assume the role via OIDC provider
// of the cluster.
func TrustPolicy(account, issuer, namespace, serviceAccount string) Policy {
	oidc := strings.TrimPrefix(issuer, "https://")

	return Policy{
		Version: "2012-10-17",
		Statement: []Statement{
			{
				Effect:    "Allow",
				Principal: map[string]string{"Federated": fmt.Sprintf("arn:aws:iam::%s:oidc-provider/%s", account, oidc)},
				Action:    []string{"sts:AssumeRoleWithWebIdentity"},
				Condition: map[string]map[string]string{
					"StringEquals": {
						oidc + ":sub": fmt.Sprintf("system:serviceaccount:%s:%s", namespace, serviceAccount),
						oidc + ":aud": "sts.amazonaws.com",
					},
				},
			},
		},
	}
}

// VeleroPolicy grants access to volume snapshots and backup bucket
func VeleroPolicy(bucket string) Policy {
	return Policy{
		Version: "2012-10-17",
		Statement: []Statement{
			{
				Effect: "Allow",
				Action: []string{
					"ec2:DescribeVolumes",
					"ec2:DescribeSnapshots",
					"ec2:CreateTags",
					"ec2:CreateVolume",
					"ec2:CreateSnapshot",
					"ec2:DeleteSnapshot",
				},
				Resource: []string{"*"},
			},
			{
				Effect: "Allow",
				Action: []string{
					"s3:GetObject",
					"s3:DeleteObject",
					"s3:PutObject",
					"s3:AbortMultipartUpload",
					"s3:ListMultipartUploadParts",
				},
				Resource: []string{fmt.Sprintf("arn:aws:s3:::%s/*", bucket)},
			},
			{
				Effect:   "Allow",
				Action:   []string{"s3:ListBucket"},
				Resource: []string{fmt.Sprintf("arn:aws:s3:::%s", bucket)},
			},
		},
	}
}

//------------------------------------------------------------------------------

// BackupSpec builds velero backup from arguments of velero cli
//
//	include-namespaces, exclude-namespaces, include-resources,
//	exclude-resources, include-cluster-resources, snapshot-volumes,
//	default-volumes-to-fs-backup, storage-location, ttl, selector
func BackupSpec(args map[string]any) (velerov1.BackupSpec, error) {
	spec := velerov1.BackupSpec{}

	for key, val := range args {
		var err error
		switch strings.TrimPrefix(key, "--") {
		case "include-namespaces":
			spec.IncludedNamespaces, err = asStrings(val)
		case "exclude-namespaces":
			spec.ExcludedNamespaces, err = asStrings(val)
		case "include-resources":
			spec.IncludedResources, err = asStrings(val)
		case "exclude-resources":
			spec.ExcludedResources, err = asStrings(val)
		case "include-cluster-resources":
			spec.IncludeClusterResources, err = asBool(val)
		case "snapshot-volumes":
			spec.SnapshotVolumes, err = asBool(val)
		case "default-volumes-to-fs-backup":
			spec.DefaultVolumesToFsBackup, err = asBool(val)
		case "storage-location":
			spec.StorageLocation, err = asString(val)
		case "ttl":
			spec.TTL, err = asDuration(val)
		case "selector":
			spec.LabelSelector, err = asSelector(val)
		default:
			err = fmt.Errorf("not supported")
		}

		if err != nil {
			return spec, fmt.Errorf("velero argument %s: %w", key, err)
		}
	}

	return spec, nil
}

// RestoreSpec builds velero restore from arguments of velero cli
//
//	include-namespaces, exclude-namespaces, include-resources,
//	exclude-resources, include-cluster-resources, restore-volumes,
//	namespace-mappings, existing-resource-policy, selector
func RestoreSpec(backup string, args map[string]any) (velerov1.RestoreSpec, error) {
	spec := velerov1.RestoreSpec{BackupName: backup}

	for key, val := range args {
		var err error
		switch strings.TrimPrefix(key, "--") {
		case "include-namespaces":
			spec.IncludedNamespaces, err = asStrings(val)
		case "exclude-namespaces":
			spec.ExcludedNamespaces, err = asStrings(val)
		case "include-resources":
			spec.IncludedResources, err = asStrings(val)
		case "exclude-resources":
			spec.ExcludedResources, err = asStrings(val)
		case "include-cluster-resources":
			spec.IncludeClusterResources, err = asBool(val)
		case "restore-volumes":
			spec.RestorePVs, err = asBool(val)
		case "namespace-mappings":
			spec.NamespaceMapping, err = asMapping(val)
		case "existing-resource-policy":
			var policy string
			policy, err = asString(val)
			spec.ExistingResourcePolicy = velerov1.PolicyType(policy)
		case "selector":
			spec.LabelSelector, err = asSelector(val)
		default:
			err = fmt.Errorf("not supported")
		}

		if err != nil {
			return spec, fmt.Errorf("velero argument %s: %w", key, err)
		}
	}

	return spec, nil
}

func asString(val any) (string, error) {
	switch v := val.(type) {
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("string is expected, got %T", val)
	}
}

// lists are either JSON arrays or comma separated strings
func asStrings(val any) ([]string, error) {
	switch v := val.(type) {
	case string:
		seq := []string{}
		for _, x := range strings.Split(v, ",") {
			if x = strings.TrimSpace(x); x != "" {
				seq = append(seq, x)
			}
		}
		return seq, nil
	case []string:
		return v, nil
	case []any:
		seq := make([]string, 0, len(v))
		for _, x := range v {
			s, err := asString(x)
			if err != nil {
				return nil, err
			}
			seq = append(seq, s)
		}
		return seq, nil
	default:
		return nil, fmt.Errorf("list is expected, got %T", val)
	}
}

func asBool(val any) (*bool, error) {
	switch v := val.(type) {
	case bool:
		return &v, nil
	case string:
		switch strings.ToLower(v) {
		case "true":
			b := true
			return &b, nil
		case "false":
			b := false
			return &b, nil
		}
	}

	return nil, fmt.Errorf("boolean is expected, got %v", val)
}

func asDuration(val any) (metav1.Duration, error) {
	s, err := asString(val)
	if err != nil {
		return metav1.Duration{}, err
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return metav1.Duration{}, err
	}

	return metav1.Duration{Duration: d}, nil
}

// selector is key=value pairs separated by comma
func asSelector(val any) (*metav1.LabelSelector, error) {
	s, err := asString(val)
	if err != nil {
		return nil, err
	}

	return metav1.ParseToLabelSelector(s)
}

// mappings are src:dst pairs separated by comma
func asMapping(val any) (map[string]string, error) {
	seq, err := asStrings(val)
	if err != nil {
		return nil, err
	}

	mapping := map[string]string{}
	for _, pair := range seq {
		src, dst, ok := strings.Cut(pair, ":")
		if !ok || src == "" || dst == "" {
			return nil, fmt.Errorf("invalid mapping %s", pair)
		}
		mapping[src] = dst
	}

	return mapping, nil
}

//------------------------------------------------------------------------------

func (r *Runner) createBackup(ctx context.Context, cluster, namespace, name string, spec velerov1.BackupSpec) (string, error) {
	obj := &velerov1.Backup{
		TypeMeta:   metav1.TypeMeta{APIVersion: velerov1.SchemeGroupVersion.String(), Kind: "Backup"},
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec:       spec,
	}

	return r.createVelero(ctx, cluster, GroupVersionBackups, obj)
}

func (r *Runner) createRestore(ctx context.Context, cluster, namespace, backup string, spec velerov1.RestoreSpec) (string, error) {
	obj := &velerov1.Restore{
		TypeMeta: metav1.TypeMeta{APIVersion: velerov1.SchemeGroupVersion.String(), Kind: "Restore"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("%s-%s", backup, r.clock().Format("20060102150405")),
			Namespace: namespace,
		},
		Spec: spec,
	}

	return r.createVelero(ctx, cluster, GroupVersionRestores, obj)
}

// createVelero creates velero resource and waits until it reaches terminal phase
func (r *Runner) createVelero(ctx context.Context, cluster string, gvr schema.GroupVersionResource, obj metav1.Object) (string, error) {
	raw, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return "", err
	}

	kube, err := r.kube.Dynamic(cluster)
	if err != nil {
		return "", err
	}

	api := kube.Resource(gvr).Namespace(obj.GetNamespace())
	if _, err := api.Create(ctx, &unstructured.Unstructured{Object: raw}, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("create %s %s failed: %w", gvr.Resource, obj.GetName(), err)
	}
	slog.Info("velero resource created", "cluster", cluster, "resource", gvr.Resource, "name", obj.GetName())

	var phase string
	err = wait.PollUntilContextTimeout(ctx, r.poll, r.timeout, true,
		func(ctx context.Context) (bool, error) {
			val, err := api.Get(ctx, obj.GetName(), metav1.GetOptions{})
			if err != nil {
				return false, err
			}

			phase, _, err = unstructured.NestedString(val.Object, "status", "phase")
			if err != nil {
				return false, err
			}

			slog.Debug("velero resource phase", "cluster", cluster, "name", obj.GetName(), "phase", phase)
			return terminal(phase), nil
		},
	)
	if err != nil {
		return phase, fmt.Errorf("await %s %s failed: %w", gvr.Resource, obj.GetName(), err)
	}

	return phase, nil
}
