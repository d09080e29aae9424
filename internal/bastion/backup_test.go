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
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/fogfish/eksfleet/internal/fleet"
	"github.com/fogfish/eksfleet/internal/reports"
	"github.com/fogfish/it/v2"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	k8stesting "k8s.io/client-go/testing"
)

const veleroBucket = "eksmanagement-automation-velero-backup-123456789012-eu-west-1"

// phase reactor completes velero resources on creation
func phase(resource, value string) (string, string, k8stesting.ReactionFunc) {
	return "create", resource, func(action k8stesting.Action) (bool, runtime.Object, error) {
		obj := action.(k8stesting.CreateAction).GetObject().(*unstructured.Unstructured)
		if err := unstructured.SetNestedField(obj.Object, value, "status", "phase"); err != nil {
			return true, nil, err
		}
		return false, nil, nil
	}
}

func backupFixture(t *testing.T, input ...fleet.Cluster) *fixture {
	t.Helper()
	api := newMockEKS().withCluster("a", "1.29", types.ClusterStatusActive)
	return newFixture(t, api, newMockKube(), input...)
}

func TestServiceAccount(t *testing.T) {
	t.Run("Created", func(t *testing.T) {
		f := backupFixture(t, cluster("a", fleet.ActionBackup))

		err := f.ServiceAccount(context.Background())
		doc := f.doc(t, "a", reports.TableBackupAndRestore)

		sa, exx := f.kube.clientset.CoreV1().ServiceAccounts("velero").
			Get(context.Background(), "eks-management-velero-service-account", metav1.GetOptions{})

		crb, exy := f.kube.clientset.RbacV1().ClusterRoleBindings().
			Get(context.Background(), "eks-management-velero-service-account", metav1.GetOptions{})

		var trust Policy
		it.Then(t).Should(
			it.Nil(err),
			it.Nil(exx),
			it.Nil(exy),
			it.Equal(crb.RoleRef.Name, VeleroClusterRole),
			it.Equal(crb.RoleRef.Kind, "ClusterRole"),
			it.Equal(len(crb.Subjects), 1),
			it.Equal(crb.Subjects[0].Kind, "ServiceAccount"),
			it.Equal(crb.Subjects[0].Name, "eks-management-velero-service-account"),
			it.Equal(crb.Subjects[0].Namespace, "velero"),
			it.Equal(doc["ServiceAccountStatus"], any("Created")),
			it.Equal(sa.Annotations[RoleArnAnnotation], "arn:aws:iam::123456789012:role/eks-management-sa-a-Role"),
			it.Equal(aws.ToString(f.iam.created.RoleName), "eks-management-sa-a-Role"),
			it.Nil(json.Unmarshal([]byte(aws.ToString(f.iam.created.AssumeRolePolicyDocument)), &trust)),
			it.Equal(trust.Statement[0].Principal["Federated"],
				"arn:aws:iam::123456789012:oidc-provider/oidc.eks.eu-west-1.amazonaws.com/id/ABC"),
			it.Equal(trust.Statement[0].Condition["StringEquals"]["oidc.eks.eu-west-1.amazonaws.com/id/ABC:sub"],
				"system:serviceaccount:velero:eks-management-velero-service-account"),
			it.Equal(len(f.iam.policies), 1),
			it.Equal(aws.ToString(f.iam.policies[0].PolicyName), "eks-management-backup-location-policy"),
			it.True(strings.Contains(aws.ToString(f.iam.policies[0].PolicyDocument), "arn:aws:s3:::"+veleroBucket+"/*")),
		)
	})

	t.Run("AlreadyPresent", func(t *testing.T) {
		f := backupFixture(t, cluster("a", fleet.ActionBackup))
		_, err := f.kube.clientset.CoreV1().ServiceAccounts("velero").Create(context.Background(),
			&corev1.ServiceAccount{ObjectMeta: metav1.ObjectMeta{Namespace: "velero", Name: "eks-management-velero-service-account"}},
			metav1.CreateOptions{},
		)
		it.Then(t).Should(it.Nil(err))

		err = f.ServiceAccount(context.Background())
		doc := f.doc(t, "a", reports.TableBackupAndRestore)

		it.Then(t).Should(
			it.Nil(err),
			it.Equal(doc["ServiceAccountStatus"], any("Already present")),
			it.True(f.iam.created == nil),
		)
	})

	t.Run("Restore", func(t *testing.T) {
		f := backupFixture(t, cluster("a", fleet.ActionRestore))

		err := f.ServiceAccount(context.Background())
		doc := f.doc(t, "a", reports.TableBackupAndRestore)

		it.Then(t).Should(
			it.Nil(err),
			it.Equal(doc["ServiceAccountStatus"], any(StatusNoAction)),
		)
	})
}

func TestInstallVelero(t *testing.T) {
	t.Run("Install", func(t *testing.T) {
		f := backupFixture(t, cluster("a", fleet.ActionBackup))
		f.command.after = func() {
			p := pod("velero", "velero-1", "n1", corev1.PodRunning, nil)
			f.kube.clientset.CoreV1().Pods("velero").Create(context.Background(), p, metav1.CreateOptions{})
		}

		err := f.InstallVelero(context.Background())
		doc := f.doc(t, "a", reports.TableBackupAndRestore)

		it.Then(t).Should(
			it.Nil(err),
			it.Equal(doc["PodStatus"], any("Running")),
			it.Equal(len(f.command.calls), 1),
			it.Equal(f.command.calls[0][0], "velero"),
			it.Equal(strings.Join(f.command.calls[0][1:], " "),
				"install --provider aws --plugins velero/velero-plugin-for-aws:v1.10.1"+
					" --bucket "+veleroBucket+" --prefix a"+
					" --backup-location-config region=eu-west-1 --snapshot-location-config region=eu-west-1"+
					" --namespace velero --service-account-name eks-management-velero-service-account"+
					" --no-secret --wait --kubeconfig "+f.KubeconfigPath("a"),
			),
		)
	})

	t.Run("Installed", func(t *testing.T) {
		f := backupFixture(t, cluster("a", fleet.ActionBackup))
		f.kube.clientset.CoreV1().Pods("velero").Create(context.Background(),
			pod("velero", "velero-1", "n1", corev1.PodRunning, nil), metav1.CreateOptions{},
		)

		err := f.InstallVelero(context.Background())
		doc := f.doc(t, "a", reports.TableBackupAndRestore)

		it.Then(t).Should(
			it.Nil(err),
			it.Equal(doc["Message"], any("Velero Plugin already installed")),
			it.Equal(len(f.command.calls), 0),
		)
	})

	t.Run("FargateNotReady", func(t *testing.T) {
		api := newMockEKS().
			withCluster("a", "1.29", types.ClusterStatusActive).
			withProfile("fp", types.FargateProfileStatusActive, "default")
		f := newFixture(t, api, newMockKube(), cluster("a", fleet.ActionBackup))

		err := f.InstallVelero(context.Background())
		doc := f.doc(t, "a", reports.TableBackupAndRestore)

		it.Then(t).Should(
			it.True(err != nil),
			it.Equal(doc["PodStatus"], any(StatusFailure)),
			it.Equal(len(f.command.calls), 0),
		)
	})
}

func TestBackup(t *testing.T) {
	t.Run("Completed", func(t *testing.T) {
		c := cluster("a", fleet.ActionBackup)
		c.BackupOptions = &fleet.BackupOptions{
			VeleroArguments: map[string]any{"include-namespaces": "default,app", "ttl": "72h"},
		}

		f := backupFixture(t, c)
		f.kube.dynamic.PrependReactor(phase("backups", PhaseCompleted))

		err := f.Backup(context.Background())
		doc := f.doc(t, "a", reports.TableBackupAndRestore)

		obj, exx := f.kube.dynamic.Resource(GroupVersionBackups).Namespace("velero").
			Get(context.Background(), "2024-06-01-eu-west-1-a", metav1.GetOptions{})
		namespaces, _, _ := unstructured.NestedStringSlice(obj.Object, "spec", "includedNamespaces")

		it.Then(t).Should(
			it.Nil(err),
			it.Nil(exx),
			it.Equiv(namespaces, []string{"default", "app"}),
			it.Equal(doc["BackupStatus"], any(PhaseCompleted)),
			it.Equal(doc["BackupName"], any("2024-06-01-eu-west-1-a")),
			it.Equal(doc["BackupLocation"], any("s3://"+veleroBucket+"/a/backups/2024-06-01-eu-west-1-a")),
			it.Equal(doc["ClusterVersion"], any("1.29")),
		)
	})

	t.Run("Failed", func(t *testing.T) {
		f := backupFixture(t, cluster("a", fleet.ActionBackup))
		f.kube.dynamic.PrependReactor(phase("backups", PhasePartiallyFailed))

		err := f.Backup(context.Background())
		doc := f.doc(t, "a", reports.TableBackupAndRestore)

		it.Then(t).Should(
			it.True(err != nil),
			it.Equal(doc["BackupStatus"], any(PhasePartiallyFailed)),
			it.Equal(doc["BackupLocation"], any(DataNotAvailable)),
		)
	})

	t.Run("InvalidArguments", func(t *testing.T) {
		c := cluster("a", fleet.ActionBackup)
		c.BackupOptions = &fleet.BackupOptions{VeleroArguments: map[string]any{"wait": true}}
		f := backupFixture(t, c)

		err := f.Backup(context.Background())
		doc := f.doc(t, "a", reports.TableBackupAndRestore)

		it.Then(t).Should(
			it.True(err != nil),
			it.Equal(doc["BackupStatus"], any(StatusFailed)),
		)
	})

	t.Run("Restore", func(t *testing.T) {
		f := backupFixture(t, cluster("a", fleet.ActionRestore))

		err := f.Backup(context.Background())
		doc := f.doc(t, "a", reports.TableBackupAndRestore)

		it.Then(t).Should(
			it.Nil(err),
			it.Equal(doc["BackupStatus"], any(StatusNoAction)),
		)
	})
}

func TestRestore(t *testing.T) {
	c := cluster("a", fleet.ActionRestore)
	c.RestoreOptions = &fleet.RestoreOptions{
		BackupName:      "Nightly",
		VeleroArguments: map[string]any{"namespace-mappings": "app:app-restored"},
	}

	t.Run("Completed", func(t *testing.T) {
		f := backupFixture(t, c)
		f.kube.dynamic.PrependReactor(phase("restores", PhaseCompleted))

		err := f.Restore(context.Background())
		doc := f.doc(t, "a", reports.TableBackupAndRestore)

		obj, exx := f.kube.dynamic.Resource(GroupVersionRestores).Namespace("velero").
			Get(context.Background(), "nightly-20240601100000", metav1.GetOptions{})
		backup, _, _ := unstructured.NestedString(obj.Object, "spec", "backupName")
		mapping, _, _ := unstructured.NestedStringMap(obj.Object, "spec", "namespaceMapping")

		it.Then(t).Should(
			it.Nil(err),
			it.Nil(exx),
			it.Equal(backup, "nightly"),
			it.Equal(mapping["app"], "app-restored"),
			it.Equal(doc["RestoreStatus"], any(PhaseCompleted)),
			it.Equal(doc["RestoreBackupLocation"], any("s3://"+veleroBucket+"/a/backups/nightly")),
		)
	})

	t.Run("Failed", func(t *testing.T) {
		f := backupFixture(t, c)
		f.kube.dynamic.PrependReactor(phase("restores", PhaseFailedValidation))

		err := f.Restore(context.Background())
		doc := f.doc(t, "a", reports.TableBackupAndRestore)

		it.Then(t).Should(
			it.True(err != nil),
			it.Equal(doc["RestoreStatus"], any(PhaseFailedValidation)),
		)
	})

	t.Run("Backup", func(t *testing.T) {
		f := backupFixture(t, cluster("a", fleet.ActionBackup))

		err := f.Restore(context.Background())
		doc := f.doc(t, "a", reports.TableBackupAndRestore)

		it.Then(t).Should(
			it.Nil(err),
			it.Equal(doc["RestoreStatus"], any(StatusNoAction)),
		)
	})
}

func TestBackupSpec(t *testing.T) {
	spec, err := BackupSpec(map[string]any{
		"--include-namespaces":         []any{"a", "b"},
		"exclude-resources":            "secrets",
		"snapshot-volumes":             "false",
		"default-volumes-to-fs-backup": true,
		"storage-location":             "default",
		"ttl":                          "24h",
		"selector":                     "app=web",
	})

	it.Then(t).Should(
		it.Nil(err),
		it.Equiv(spec.IncludedNamespaces, []string{"a", "b"}),
		it.Equiv(spec.ExcludedResources, []string{"secrets"}),
		it.Equal(*spec.SnapshotVolumes, false),
		it.Equal(*spec.DefaultVolumesToFsBackup, true),
		it.Equal(spec.StorageLocation, "default"),
		it.Equal(spec.TTL.Duration, 24*time.Hour),
		it.Equal(spec.LabelSelector.MatchLabels["app"], "web"),
	)

	_, err = BackupSpec(map[string]any{"ttl": 10})
	it.Then(t).ShouldNot(it.Nil(err))

	_, err = RestoreSpec("b", map[string]any{"namespace-mappings": "broken"})
	it.Then(t).ShouldNot(it.Nil(err))
}
