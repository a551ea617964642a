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
	"encoding/json"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/aixigo/prevant/pkg/infrastructure"
	"github.com/aixigo/prevant/pkg/models"
)

const (
	hostMetaPath = "/.well-known/host-meta.json"

	// probeTimeout bounds one host-meta request end to end.
	probeTimeout = 750 * time.Millisecond

	crawlInterval = 5 * time.Second

	// serviceGracePeriod and processGracePeriod together decide whether a
	// failed probe is retried later: services that just started while
	// PREvant itself just started get more attempts before the crawler
	// gives up on them.
	serviceGracePeriod = 5 * time.Minute
	processGracePeriod = time.Minute
)

type cacheKey struct {
	appName   models.AppName
	serviceID string
}

type cacheEntry struct {
	timestamp time.Time
	meta      models.WebHostMeta
}

// HostMetaCache holds the crawled host-meta documents. A single writer
// publishes batches by swapping a copied map; readers are lock free.
type HostMetaCache struct {
	current atomic.Pointer[map[cacheKey]cacheEntry]
}

// NewHostMetaCache creates an empty cache.
func NewHostMetaCache() *HostMetaCache {
	cache := &HostMetaCache{}
	empty := map[cacheKey]cacheEntry{}
	cache.current.Store(&empty)
	return cache
}

// Lookup returns the cached host-meta of a service instance. The second
// return value is false when the service has not been probed yet.
func (c *HostMetaCache) Lookup(appName models.AppName, serviceID string) (models.WebHostMeta, bool) {
	entries := *c.current.Load()
	entry, ok := entries[cacheKey{appName: appName, serviceID: serviceID}]
	if !ok {
		return models.EmptyWebHostMeta(), false
	}
	return entry.meta, true
}

// publish replaces the cache content.
func (c *HostMetaCache) publish(entries map[cacheKey]cacheEntry) {
	c.current.Store(&entries)
}

// Crawler keeps the host-meta cache in sync with the deployed
// applications. It wakes on every app-set change notification and at least
// every crawl interval.
type Crawler struct {
	infra     infrastructure.Infrastructure
	cache     *HostMetaCache
	changes   chan struct{}
	startedAt time.Time
}

// NewCrawler wires a crawler against the backend.
func NewCrawler(infra infrastructure.Infrastructure, cache *HostMetaCache) *Crawler {
	return &Crawler{
		infra:     infra,
		cache:     cache,
		changes:   make(chan struct{}, 1),
		startedAt: time.Now(),
	}
}

// NotifyAppsChanged wakes the crawler outside its regular interval.
func (c *Crawler) NotifyAppsChanged() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

// Run crawls until ctx is cancelled.
func (c *Crawler) Run(ctx context.Context) {
	ticker := time.NewTicker(crawlInterval)
	defer ticker.Stop()

	for {
		if err := c.crawl(ctx); err != nil {
			klog.Errorf("host-meta crawl failed: %s", err)
		}
		select {
		case <-ticker.C:
		case <-c.changes:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Crawler) crawl(ctx context.Context) error {
	apps, err := c.infra.FetchApps(ctx)
	if err != nil {
		return err
	}

	previous := *c.cache.current.Load()
	next := make(map[cacheKey]cacheEntry, len(previous))

	type probeTarget struct {
		key     cacheKey
		service models.Service
	}
	var targets []probeTarget

	for appName, app := range apps {
		for _, service := range app.Services {
			if service.Status != models.ServiceStatusRunning {
				continue
			}
			key := cacheKey{appName: appName, serviceID: service.ID}
			entry, cached := previous[key]
			// a restart invalidates the cached document
			if cached && !service.StartedAt.After(entry.timestamp) {
				next[key] = entry
				continue
			}
			targets = append(targets, probeTarget{key: key, service: service})
		}
	}

	if len(targets) == 0 {
		c.cache.publish(next)
		return nil
	}

	results := make([]*cacheEntry, len(targets))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for i := range targets {
		i := i
		group.Go(func() error {
			results[i] = c.probe(groupCtx, targets[i].key.appName, &targets[i].service)
			return nil
		})
	}
	_ = group.Wait()

	for i, target := range targets {
		if results[i] != nil {
			next[target.key] = *results[i]
		}
	}
	c.cache.publish(next)
	return nil
}

// probe fetches one host-meta document. A nil return leaves the service
// without a cache entry so that a later crawl retries.
func (c *Crawler) probe(ctx context.Context, appName models.AppName, service *models.Service) *cacheEntry {
	now := time.Now()
	status, body, err := c.infra.HTTPForwarder().ForwardGet(ctx, appName, service, hostMetaPath, probeTimeout)

	if err != nil || status < 200 || status >= 300 {
		withinGrace := now.Sub(service.StartedAt) < serviceGracePeriod &&
			now.Sub(c.startedAt) < processGracePeriod
		if withinGrace {
			klog.V(4).Infof("host-meta of %s/%s unavailable, retrying later", appName, service.ServiceName)
			return nil
		}
		return &cacheEntry{timestamp: now, meta: models.EmptyWebHostMeta()}
	}

	meta := models.WebHostMeta{}
	if err := json.Unmarshal(body, &meta); err != nil {
		klog.V(4).Infof("unparseable host-meta of %s/%s: %s", appName, service.ServiceName, err)
		return &cacheEntry{timestamp: now, meta: models.EmptyWebHostMeta()}
	}
	return &cacheEntry{timestamp: now, meta: meta}
}
