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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/fogfish/eksfleet/internal/clusters"
	"github.com/fogfish/eksfleet/internal/config"
	"github.com/fogfish/eksfleet/internal/fleet"
	"github.com/fogfish/eksfleet/internal/reports"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Annotation binding service account with IAM role
const RoleArnAnnotation = "eks.amazonaws.com/role-arn"

// Cluster role granted to velero service account
const VeleroClusterRole = "cluster-admin"

// Status of backup and restore steps
const (
	StatusNoAction = "No Action"
	StatusFailure  = "Failure"
	StatusFailed   = "Failed"
	StatusSuccess  = "Success"
)

// Backup steps write into single report
func (r *Runner) ServiceAccount(ctx context.Context) error {
	return r.ForEach(ctx,
		Each{Name: "service-account", Report: reports.TableBackupAndRestore, Required: true},
		r.serviceAccount,
	)
}

func (r *Runner) InstallVelero(ctx context.Context) error {
	return r.ForEach(ctx,
		Each{Name: "install-velero", Report: reports.TableBackupAndRestore, Required: true},
		r.installVelero,
	)
}

func (r *Runner) Backup(ctx context.Context) error {
	return r.ForEach(ctx,
		Each{Name: "backup", Report: reports.TableBackupAndRestore, Required: true},
		r.backup,
	)
}

func (r *Runner) Restore(ctx context.Context) error {
	return r.ForEach(ctx,
		Each{Name: "restore", Report: reports.TableBackupAndRestore, Required: true},
		r.restore,
	)
}

//------------------------------------------------------------------------------

func (r *Runner) backupOptions(c fleet.Cluster) fleet.BackupOptions {
	return clusters.BackupOptions(
		clusters.Options{Prefix: config.DefaultPrefix, Date: r.clock()},
		c,
	)
}

func (r *Runner) serviceAccount(ctx context.Context, c fleet.Cluster) error {
	path, err := r.JSONReport(c.ClusterName, reports.TableBackupAndRestore)
	if err != nil {
		return err
	}

	opts := r.backupOptions(c)

	if c.Action != fleet.ActionBackup {
		return WriteJSON(path, Doc{
			"ServiceAccount":       opts.ServiceAccount,
			"ServiceAccountStatus": StatusNoAction,
			"Message":              fmt.Sprintf("Backup action is not present in input for %s.", c.ClusterName),
		})
	}

	kube, err := r.kube.Clientset(c.ClusterName)
	if err != nil {
		return err
	}

	if err := ensureNamespace(ctx, kube, opts.VeleroNamespace); err != nil {
		return err
	}

	if err := ensureRoleBinding(ctx, kube, opts); err != nil {
		return err
	}

	_, err = kube.CoreV1().ServiceAccounts(opts.VeleroNamespace).Get(ctx, opts.ServiceAccount, metav1.GetOptions{})
	switch {
	case err == nil:
		slog.Info("service account already present", "cluster", c.ClusterName, "account", opts.ServiceAccount)
		return WriteJSON(path, Doc{
			"ServiceAccount":       opts.ServiceAccount,
			"ServiceAccountStatus": "Already present",
			"Message":              "Service Account already created",
		})
	case !apierrors.IsNotFound(err):
		return fmt.Errorf("get service account failed: %w", err)
	}

	if err := r.createServiceAccount(ctx, kube, c, opts); err != nil {
		werr := WriteJSON(path, Doc{
			"ServiceAccount":       opts.ServiceAccount,
			"ServiceAccountStatus": StatusFailed,
			"Message":              "Service Account creation failed",
		})
		return errors.Join(err, werr)
	}

	return WriteJSON(path, Doc{
		"ServiceAccount":       opts.ServiceAccount,
		"ServiceAccountStatus": "Created",
		"Message":              "Service Account created",
	})
}

// binding is named after service account
func ensureRoleBinding(ctx context.Context, kube kubernetes.Interface, opts fleet.BackupOptions) error {
	_, err := kube.RbacV1().ClusterRoleBindings().Get(ctx, opts.ServiceAccount, metav1.GetOptions{})
	switch {
	case err == nil:
		return nil
	case !apierrors.IsNotFound(err):
		return fmt.Errorf("get cluster role binding %s failed: %w", opts.ServiceAccount, err)
	}

	_, err = kube.RbacV1().ClusterRoleBindings().Create(ctx,
		&rbacv1.ClusterRoleBinding{
			ObjectMeta: metav1.ObjectMeta{Name: opts.ServiceAccount},
			RoleRef: rbacv1.RoleRef{
				APIGroup: rbacv1.GroupName,
				Kind:     "ClusterRole",
				Name:     VeleroClusterRole,
			},
			Subjects: []rbacv1.Subject{
				{
					Kind:      rbacv1.ServiceAccountKind,
					Name:      opts.ServiceAccount,
					Namespace: opts.VeleroNamespace,
				},
			},
		},
		metav1.CreateOptions{},
	)
	if err != nil {
		return fmt.Errorf("create cluster role binding %s failed: %w", opts.ServiceAccount, err)
	}

	return nil
}

func ensureNamespace(ctx context.Context, kube kubernetes.Interface, namespace string) error {
	_, err := kube.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{})
	switch {
	case err == nil:
		return nil
	case !apierrors.IsNotFound(err):
		return fmt.Errorf("get namespace %s failed: %w", namespace, err)
	}

	_, err = kube.CoreV1().Namespaces().Create(ctx,
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: namespace}},
		metav1.CreateOptions{},
	)
	if err != nil {
		return fmt.Errorf("create namespace %s failed: %w", namespace, err)
	}

	slog.Info("namespace created", "namespace", namespace)
	return nil
}

// service account of velero assumes IAM role through OIDC provider of cluster
func (r *Runner) createServiceAccount(ctx context.Context, kube kubernetes.Interface, c fleet.Cluster, opts fleet.BackupOptions) error {
	info, err := r.describeCluster(ctx, c.ClusterName)
	if err != nil {
		return err
	}

	if info.Issuer == "" {
		return fmt.Errorf("cluster %s has no OIDC issuer", c.ClusterName)
	}

	arn, err := r.ensureRole(ctx, opts.ServiceAccountRoleName, TrustPolicy(r.account, info.Issuer, opts.VeleroNamespace, opts.ServiceAccount))
	if err != nil {
		return err
	}

	policy, err := json.Marshal(VeleroPolicy(r.backupBucket()))
	if err != nil {
		return err
	}

	_, err = r.iam.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(opts.ServiceAccountRoleName),
		PolicyName:     aws.String(opts.ServiceAccountPolicyName),
		PolicyDocument: aws.String(string(policy)),
	})
	if err != nil {
		return fmt.Errorf("put role policy to %s failed: %w", opts.ServiceAccountRoleName, err)
	}

	_, err = kube.CoreV1().ServiceAccounts(opts.VeleroNamespace).Create(ctx,
		&corev1.ServiceAccount{
			ObjectMeta: metav1.ObjectMeta{
				Name:        opts.ServiceAccount,
				Namespace:   opts.VeleroNamespace,
				Annotations: map[string]string{RoleArnAnnotation: arn},
			},
		},
		metav1.CreateOptions{},
	)
	if err != nil {
		return fmt.Errorf("create service account failed: %w", err)
	}

	slog.Info("service account created", "cluster", c.ClusterName, "account", opts.ServiceAccount, "role", arn)
	return nil
}

func (r *Runner) ensureRole(ctx context.Context, role string, trust Policy) (string, error) {
	val, err := r.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(role)})
	if err == nil {
		slog.Info("role already exists", "role", role)
		return aws.ToString(val.Role.Arn), nil
	}

	var notFound *iamtypes.NoSuchEntityException
	if !errors.As(err, &notFound) {
		return "", fmt.Errorf("get role %s failed: %w", role, err)
	}

	doc, err := json.Marshal(trust)
	if err != nil {
		return "", err
	}

	created, err := r.iam.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(role),
		AssumeRolePolicyDocument: aws.String(string(doc)),
	})
	if err != nil {
		return "", fmt.Errorf("create role %s failed: %w", role, err)
	}

	slog.Info("role created", "role", role)
	return aws.ToString(created.Role.Arn), nil
}

func (r *Runner) installVelero(ctx context.Context, c fleet.Cluster) error {
	path, err := r.JSONReport(c.ClusterName, reports.TableBackupAndRestore)
	if err != nil {
		return err
	}

	doc, err := ReadJSON(path)
	if err != nil {
		return err
	}

	opts := r.backupOptions(c)

	if c.Action != fleet.ActionBackup {
		doc["PodStatus"] = StatusNoAction
		doc["Message"] = fmt.Sprintf("Backup action is not present in input for %s.", c.ClusterName)
		return WriteJSON(path, doc)
	}

	ready, err := r.FargateReady(ctx, c.ClusterName, opts.VeleroNamespace)
	if err != nil {
		return err
	}

	if !ready {
		doc["PodStatus"] = StatusFailure
		doc["Message"] = fmt.Sprintf("Fargate profile with %s namespace selector is required for %s", opts.VeleroNamespace, c.ClusterName)
		return errors.Join(errors.New(doc["Message"].(string)), WriteJSON(path, doc))
	}

	kube, err := r.kube.Clientset(c.ClusterName)
	if err != nil {
		return err
	}

	pods, err := kube.CoreV1().Pods(opts.VeleroNamespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list velero pods failed: %w", err)
	}

	if len(pods.Items) != 0 {
		doc["PodStatus"] = string(pods.Items[0].Status.Phase)
		doc["Message"] = "Velero Plugin already installed"
		return WriteJSON(path, doc)
	}

	if err := r.command.Run(ctx, "velero", r.veleroInstall(c, opts)...); err != nil {
		doc["PodStatus"] = StatusFailure
		doc["Message"] = "Velero Plugin installation failed."
		return errors.Join(fmt.Errorf("velero install failed: %w", err), WriteJSON(path, doc))
	}

	pods, err = kube.CoreV1().Pods(opts.VeleroNamespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list velero pods failed: %w", err)
	}

	doc["PodStatus"] = StatusFailure
	if len(pods.Items) != 0 {
		doc["PodStatus"] = string(pods.Items[0].Status.Phase)
	}
	doc["Message"] = "Velero Plugin installation completed"

	return WriteJSON(path, doc)
}

func (r *Runner) veleroInstall(c fleet.Cluster, opts fleet.BackupOptions) []string {
	return []string{
		"install",
		"--provider", "aws",
		"--plugins", "velero/velero-plugin-for-aws:" + opts.VeleroPluginVersion,
		"--bucket", r.backupBucket(),
		"--prefix", strings.ToLower(c.ClusterName),
		"--backup-location-config", "region=" + r.region,
		"--snapshot-location-config", "region=" + r.region,
		"--namespace", opts.VeleroNamespace,
		"--service-account-name", opts.ServiceAccount,
		"--no-secret",
		"--wait",
		"--kubeconfig", r.KubeconfigPath(c.ClusterName),
	}
}

func (r *Runner) backupLocation(c fleet.Cluster, name string) string {
	return fmt.Sprintf("s3://%s/%s/backups/%s", r.backupBucket(), strings.ToLower(c.ClusterName), name)
}

func (r *Runner) backup(ctx context.Context, c fleet.Cluster) error {
	path, err := r.JSONReport(c.ClusterName, reports.TableBackupAndRestore)
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
	doc["ClusterVersion"] = info.Version

	if c.Action != fleet.ActionBackup {
		doc["BackupStatus"] = StatusNoAction
		doc["BackupName"] = DataNotAvailable
		doc["BackupLocation"] = DataNotAvailable
		doc["Message"] = fmt.Sprintf("Backup action is not present in input for %s.", c.ClusterName)
		return WriteJSON(path, doc)
	}

	opts := r.backupOptions(c)
	name := strings.ToLower(opts.BackupName)
	doc["BackupName"] = name
	doc["BackupLocation"] = DataNotAvailable

	fail := func(status, message string) error {
		doc["BackupStatus"] = status
		doc["Message"] = message
		return errors.Join(errors.New(message), WriteJSON(path, doc))
	}

	ready, err := r.FargateReady(ctx, c.ClusterName, opts.VeleroNamespace)
	if err != nil {
		return err
	}

	if !ready {
		return fail(StatusFailure,
			fmt.Sprintf("Fargate profile with %s namespace selector is required for %s", opts.VeleroNamespace, c.ClusterName))
	}

	spec, err := BackupSpec(opts.VeleroArguments)
	if err != nil {
		return fail(StatusFailed, err.Error())
	}

	phase, err := r.createBackup(ctx, c.ClusterName, opts.VeleroNamespace, name, spec)
	if err != nil {
		return fail(StatusFailed, fmt.Sprintf("Backup creation failed: %s", err))
	}

	if phase != PhaseCompleted {
		return fail(phase, fmt.Sprintf("Backup %s of %s is %s", name, c.ClusterName, phase))
	}

	location := r.backupLocation(c, name)
	doc["BackupStatus"] = phase
	doc["BackupLocation"] = location
	doc["Message"] = fmt.Sprintf("Backup creation completed. Check the BackupLocation: %s", location)

	return WriteJSON(path, doc)
}

func (r *Runner) restore(ctx context.Context, c fleet.Cluster) error {
	path, err := r.JSONReport(c.ClusterName, reports.TableBackupAndRestore)
	if err != nil {
		return err
	}

	doc, err := ReadJSON(path)
	if err != nil {
		return err
	}

	if c.Action != fleet.ActionRestore || c.RestoreOptions == nil {
		doc["RestoreStatus"] = StatusNoAction
		doc["RestoreBackupLocation"] = DataNotAvailable
		doc["Message"] = "Restore action not present in input."
		return WriteJSON(path, doc)
	}

	opts := *c.RestoreOptions
	name := strings.ToLower(opts.BackupName)
	namespace := r.backupOptions(c).VeleroNamespace

	doc["BackupName"] = name
	doc["RestoreBackupLocation"] = DataNotAvailable

	fail := func(status, message string) error {
		doc["RestoreStatus"] = status
		doc["Message"] = message
		return errors.Join(errors.New(message), WriteJSON(path, doc))
	}

	spec, err := RestoreSpec(name, opts.VeleroArguments)
	if err != nil {
		return fail(StatusFailed, err.Error())
	}

	phase, err := r.createRestore(ctx, c.ClusterName, namespace, name, spec)
	if err != nil {
		return fail(StatusFailed, fmt.Sprintf("Restore creation failed for %s: %s", c.ClusterName, err))
	}

	doc["RestoreStatus"] = phase
	doc["RestoreBackupLocation"] = r.backupLocation(c, name)

	if phase == PhaseFailed || phase == PhaseFailedValidation {
		return fail(phase, "Restore creation failed")
	}

	doc["Message"] = fmt.Sprintf("Restore of %s from %s is %s", c.ClusterName, name, phase)
	return WriteJSON(path, doc)
}
