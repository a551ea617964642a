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

package apps

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/aixigo/prevant/pkg/config"
	"github.com/aixigo/prevant/pkg/models"
)

const backupMaintenanceInterval = 10 * time.Minute

// runBackupMaintenance periodically expires old backups and, when an
// automated clean-up policy is configured, parks idle applications.
func (s *AppsService) runBackupMaintenance(ctx context.Context) {
	ticker := time.NewTicker(backupMaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.backupMaintenanceTick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *AppsService) backupMaintenanceTick(ctx context.Context) {
	policy := s.cfg.Applications.Backups
	if policy == nil {
		return
	}

	if ttl := policy.TimeToRestore.AsDuration(); ttl > 0 {
		removed, err := s.backups.DeleteBackupsOlderThan(ctx, time.Now().Add(-ttl))
		if err != nil {
			klog.Errorf("expiring application backups failed: %s", err)
		} else if removed > 0 {
			klog.Infof("dropped %d expired application backups", removed)
		}
	}

	cleanUp := policy.Automated
	if cleanUp == nil || cleanUp.MetricsProvider.PrometheusURL == "" {
		return
	}
	idle, err := s.idleApps(ctx, cleanUp)
	if err != nil {
		klog.Errorf("cannot determine idle applications: %s", err)
		return
	}
	for _, appName := range idle {
		if _, err := s.EnqueueBackUp(ctx, appName); err != nil {
			klog.Errorf("cannot back up idle application %s: %s", appName, err)
			continue
		}
		klog.Infof("backing up idle application %s", appName)
	}
}

// idleApps lists the deployed applications that received no router traffic
// over the configured idle window and are not exempt from clean-up.
func (s *AppsService) idleApps(ctx context.Context, cleanUp *config.CleanUp) ([]models.AppName, error) {
	apps, err := s.infra.FetchApps(ctx)
	if err != nil {
		return nil, err
	}
	rates, err := routerRequestRates(ctx, cleanUp)
	if err != nil {
		return nil, err
	}

	var idle []models.AppName
	for appName := range apps {
		if cleanUp.IsPermanent(appName.String(), s.cfg.Applications.DefaultApp) {
			continue
		}
		total := 0.0
		// router names follow the "<app>-<service>" convention of the
		// ingress routes, with a provider suffix added by Traefik
		prefix := appName.String() + "-"
		for router, rate := range rates {
			if strings.HasPrefix(router, prefix) {
				total += rate
			}
		}
		if total == 0 {
			idle = append(idle, appName)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i] < idle[j] })
	return idle, nil
}

type prometheusResponse struct {
	Status string `json:"status"`
	Data   struct {
		Result []struct {
			Metric struct {
				Router string `json:"router"`
			} `json:"metric"`
			Value []any `json:"value"`
		} `json:"result"`
	} `json:"data"`
}

// routerRequestRates asks Prometheus for the per router request increase
// over the idle window.
func routerRequestRates(ctx context.Context, cleanUp *config.CleanUp) (map[string]float64, error) {
	query := fmt.Sprintf("max by (router) (increase(traefik_router_requests_total[%s]))",
		cleanUp.TimeToUse.AsDuration().String())

	result := &prometheusResponse{}
	response, err := resty.New().
		SetBaseURL(cleanUp.MetricsProvider.PrometheusURL).
		R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"query": query,
			"time":  time.Now().Format(time.RFC3339),
		}).
		SetResult(result).
		Get("/api/v1/query")
	if err != nil {
		return nil, errors.Wrap(err, "cannot query metrics provider")
	}
	if response.IsError() {
		return nil, errors.Errorf("metrics provider returned %s", response.Status())
	}

	rates := map[string]float64{}
	for _, sample := range result.Data.Result {
		if len(sample.Value) < 2 {
			continue
		}
		raw, ok := sample.Value[1].(string)
		if !ok {
			continue
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		rates[sample.Metric.Router] += value
	}
	return rates, nil
}
