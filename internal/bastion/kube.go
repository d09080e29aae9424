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
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Kubeconfig connects to clusters using kubeconfig files written by
// config step into working directory.
type Kubeconfig struct {
	dir string
}

func NewKubeconfig(workingDirectory string) Kubeconfig {
	return Kubeconfig{dir: filepath.Join(workingDirectory, ConfigFolder)}
}

func (k Kubeconfig) config(cluster string) (*rest.Config, error) {
	return clientcmd.BuildConfigFromFlags("", filepath.Join(k.dir, cluster))
}

func (k Kubeconfig) Clientset(cluster string) (kubernetes.Interface, error) {
	cfg, err := k.config(cluster)
	if err != nil {
		return nil, err
	}

	return kubernetes.NewForConfig(cfg)
}

func (k Kubeconfig) Dynamic(cluster string) (dynamic.Interface, error) {
	cfg, err := k.config(cluster)
	if err != nil {
		return nil, err
	}

	return dynamic.NewForConfig(cfg)
}

// Shell runs commands at bastion host, output goes to the run command log
type Shell struct{}

func (Shell) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	slog.Info("running command", "command", cmd.String())
	return cmd.Run()
}
