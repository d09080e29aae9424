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
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/fogfish/eksfleet/internal/fleet"
	"gopkg.in/yaml.v3"
)

type IMDS interface {
	GetRegion(ctx context.Context, params *imds.GetRegionInput, optFns ...func(*imds.Options)) (*imds.GetRegionOutput, error)
}

// ConfigRegion writes region of bastion host, the region is discovered
// from instance metadata.
func ConfigRegion(ctx context.Context, api IMDS, dir string) (string, error) {
	val, err := api.GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return "", fmt.Errorf("instance metadata region failed: %w", err)
	}

	if val.Region == "" {
		return "", errors.New("region not found at instance metadata")
	}

	path := filepath.Join(dir, RegionFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}

	if err := os.WriteFile(path, []byte(val.Region), 0644); err != nil {
		return "", err
	}

	slog.Info("region configured", "region", val.Region, "file", path)
	return val.Region, nil
}

// Region of bastion host written by config step
func Region(dir string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, RegionFile))
	if err != nil {
		return "", fmt.Errorf("region is not configured: %w", err)
	}

	region := strings.TrimSpace(string(b))
	if region == "" {
		return "", errors.New("region is not configured")
	}

	return region, nil
}

type accountClusters struct {
	Clusters []string `json:"clusters"`
}

// ConfigClusters writes clusters of account/region accessible by bastion
func (r *Runner) ConfigClusters(ctx context.Context) ([]string, error) {
	all, err := r.listClusters(ctx)
	if err != nil {
		return nil, err
	}

	seq := []string{}
	for _, cluster := range all {
		if _, err := r.describeCluster(ctx, cluster); err != nil {
			slog.Warn("cluster is not accessible", "cluster", cluster, "err", err)
			continue
		}

		slog.Info("cluster is accessible", "cluster", cluster)
		seq = append(seq, cluster)
	}
	slices.Sort(seq)

	b, err := json.Marshal(accountClusters{Clusters: seq})
	if err != nil {
		return nil, err
	}

	path := r.path(ClustersFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, b, 0644); err != nil {
		return nil, err
	}

	return seq, nil
}

// AccountClusters written by config step, account without clusters is
// an error.
func (r *Runner) AccountClusters() ([]string, error) {
	b, err := os.ReadFile(r.path(ClustersFile))
	if err != nil {
		return nil, fmt.Errorf("clusters are not configured: %w", err)
	}

	var val accountClusters
	if err := json.Unmarshal(b, &val); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ClustersFile, err)
	}

	if len(val.Clusters) == 0 {
		return nil, fmt.Errorf("no clusters found at %s", r.region)
	}

	return val.Clusters, nil
}

// ConfigReports recreates report directory of relevant clusters
func (r *Runner) ConfigReports(ctx context.Context) error {
	seq, err := r.Relevant(false)
	if err != nil {
		return err
	}

	for _, c := range seq {
		dir := r.path(r.ReportBasePath, c.ClusterName)
		if err := os.RemoveAll(dir); err != nil {
			return err
		}

		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		slog.Info("reports cleaned up", "cluster", c.ClusterName, "dir", dir)
	}

	return nil
}

// ConfigFilter writes to stdout the number of relevant clusters of
// account/region, all clusters are relevant if input is empty.
func (r *Runner) ConfigFilter(ctx context.Context, w io.Writer) error {
	relevant, err := r.Relevant(false)
	if err != nil {
		return err
	}

	status := "Not Present"
	if n := len(relevant); n != 0 {
		status = fmt.Sprintf("%d EKS Clusters Found", n)
	}

	return json.NewEncoder(w).Encode(map[string]string{"AccountClustersInInput": status})
}

// ConfigKubeconfig writes kubeconfig of relevant clusters and checks
// access to Kubernetes API.
func (r *Runner) ConfigKubeconfig(ctx context.Context) error {
	return r.ForEachConfig(ctx, func(ctx context.Context, c fleet.Cluster) error {
		path := r.KubeconfigPath(c.ClusterName)

		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			info, err := r.describeCluster(ctx, c.ClusterName)
			if err != nil {
				return err
			}

			if err := r.writeKubeconfig(path, info); err != nil {
				return err
			}
			slog.Info("kubeconfig created", "cluster", c.ClusterName, "file", path)
		}

		kube, err := r.kube.Clientset(c.ClusterName)
		if err != nil {
			return err
		}

		vsn, err := kube.Discovery().ServerVersion()
		if err != nil {
			return fmt.Errorf("not able to access %s, check RBAC of the cluster: %w", c.ClusterName, err)
		}

		slog.Info("cluster is accessible", "cluster", c.ClusterName, "version", vsn.String())
		return nil
	})
}

// ForEachConfig runs configuration for relevant clusters, no reports
func (r *Runner) ForEachConfig(ctx context.Context, f func(context.Context, fleet.Cluster) error) error {
	seq, err := r.Relevant(false)
	if err != nil {
		return err
	}

	for _, c := range seq {
		if err := f(ctx, c); err != nil {
			return err
		}
	}

	return nil
}

type kubeconfig struct {
	ApiVersion     string         `yaml:"apiVersion"`
	Kind           string         `yaml:"kind"`
	CurrentContext string         `yaml:"current-context"`
	Clusters       []namedCluster `yaml:"clusters"`
	Contexts       []namedContext `yaml:"contexts"`
	Users          []namedUser    `yaml:"users"`
}

type namedCluster struct {
	Name    string `yaml:"name"`
	Cluster struct {
		Server                   string `yaml:"server"`
		CertificateAuthorityData string `yaml:"certificate-authority-data"`
	} `yaml:"cluster"`
}

type namedContext struct {
	Name    string `yaml:"name"`
	Context struct {
		Cluster string `yaml:"cluster"`
		User    string `yaml:"user"`
	} `yaml:"context"`
}

type namedUser struct {
	Name string `yaml:"name"`
	User struct {
		Exec struct {
			ApiVersion string   `yaml:"apiVersion"`
			Command    string   `yaml:"command"`
			Args       []string `yaml:"args"`
		} `yaml:"exec"`
	} `yaml:"user"`
}

// kubeconfig authenticates with token issued by aws cli
func (r *Runner) writeKubeconfig(path string, info clusterInfo) error {
	c := namedCluster{Name: info.Name}
	c.Cluster.Server = info.Endpoint
	c.Cluster.CertificateAuthorityData = info.CA

	x := namedContext{Name: info.Name}
	x.Context.Cluster = info.Name
	x.Context.User = info.Name

	u := namedUser{Name: info.Name}
	u.User.Exec.ApiVersion = "client.authentication.k8s.io/v1beta1"
	u.User.Exec.Command = "aws"
	u.User.Exec.Args = []string{"--region", r.region, "eks", "get-token", "--cluster-name", info.Name, "--output", "json"}

	b, err := yaml.Marshal(kubeconfig{
		ApiVersion:     "v1",
		Kind:           "Config",
		CurrentContext: info.Name,
		Clusters:       []namedCluster{c},
		Contexts:       []namedContext{x},
		Users:          []namedUser{u},
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	return os.WriteFile(path, b, 0600)
}
