/*
Copyright 2024 The PREvant Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/aixigo/prevant/pkg/apps"
	"github.com/aixigo/prevant/pkg/apps/queue"
	"github.com/aixigo/prevant/pkg/config"
	"github.com/aixigo/prevant/pkg/deployment"
	"github.com/aixigo/prevant/pkg/infrastructure"
	"github.com/aixigo/prevant/pkg/registry"
	"github.com/aixigo/prevant/pkg/rest"
)

type server struct {
	configPath string
	bindAddr   string
}

func newServerCommand() *cobra.Command {
	s := &server{}

	cmd := &cobra.Command{
		Use:   "prevant",
		Short: "PREvant reviews your application previews.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.run()
		},
	}

	cmd.Flags().StringVar(&s.configPath, "config", "config.toml", "Path to the server configuration file.")
	cmd.Flags().StringVar(&s.bindAddr, "bind", ":8000", "Address the HTTP API listens on.")
	return cmd
}

func (s *server) run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(s.configPath)
	if err != nil {
		if !os.IsNotExist(errorCause(err)) {
			return err
		}
		klog.Warningf("no configuration at %s, using defaults", s.configPath)
		cfg, err = config.Parse(``)
		if err != nil {
			return err
		}
	}

	infra, err := newInfrastructure(cfg)
	if err != nil {
		return err
	}

	var hook *deployment.Hook
	if cfg.Hooks.Deployment != "" {
		hook, err = deployment.LoadHook(cfg.Hooks.Deployment)
		if err != nil {
			return err
		}
	}

	var taskQueue queue.Queue
	var backups apps.BackupRepository
	if cfg.Queue.URL != "" {
		postgresQueue, err := queue.NewPostgresQueue(ctx, cfg.Queue.URL)
		if err != nil {
			return err
		}
		taskQueue = postgresQueue
		backups = postgresQueue.Backups()
	} else {
		taskQueue = queue.NewMemoryQueue()
	}
	defer taskQueue.Close()

	builder := deployment.NewBuilder(cfg, registry.NewImagesService(cfg), infra, hook)
	appsService := apps.NewAppsService(cfg, infra, builder, taskQueue, backups)
	go appsService.Run(ctx)

	return rest.NewServer(s.bindAddr, rest.NewAppsWebService(appsService)).Run(ctx)
}

func newInfrastructure(cfg *config.Config) (infrastructure.Infrastructure, error) {
	switch cfg.Runtime.Type {
	case config.RuntimeTypeKubernetes:
		return infrastructure.NewKubernetesInfrastructure(cfg)
	case config.RuntimeTypeDocker:
		return infrastructure.NewDockerInfrastructure()
	}
	return nil, fmt.Errorf("unsupported runtime type %q", cfg.Runtime.Type)
}

func errorCause(err error) error {
	type causer interface {
		Cause() error
	}
	if c, ok := err.(causer); ok {
		return c.Cause()
	}
	return err
}

func main() {
	cmd := newServerCommand()
	if err := cmd.Execute(); err != nil {
		klog.Errorf("%s", err)
		os.Exit(1)
	}
}
