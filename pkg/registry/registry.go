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

// Package registry resolves image references against their registries to
// learn the exposed port, declared volumes and digest of an image.
package registry

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/aixigo/prevant/pkg/config"
	"github.com/aixigo/prevant/pkg/models"
)

// ImageInfo is the resolved metadata of one image.
type ImageInfo struct {
	// ExposedPort is the numerically smallest port the image declares,
	// or zero when the image declares none.
	ExposedPort int
	Digest      string
	// DeclaredVolumes lists the mount paths the image declares.
	DeclaredVolumes []string
}

// AuthError reports failed registry authentication for an image.
type AuthError struct {
	Image  models.Image
	Detail string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("registry authentication failed for %s: %s", e.Image, e.Detail)
}

// NotFoundError reports an image unknown to its registry.
type NotFoundError struct {
	Image models.Image
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("image %s not found", e.Image)
}

// Fetcher fetches the metadata of a single named image.
type Fetcher func(ctx context.Context, image models.Image) (*ImageInfo, error)

// ImagesService resolves sets of images concurrently, caching results for a
// short while to spare registries repeated manifest fetches during rapid
// redeployments.
type ImagesService struct {
	config *config.Config
	cache  gcache.Cache
	fetch  Fetcher
}

// NewImagesService creates a resolver using the registry credentials and
// mirrors of cfg.
func NewImagesService(cfg *config.Config) *ImagesService {
	s := &ImagesService{
		config: cfg,
		cache:  gcache.New(256).LRU().Expiration(5 * time.Minute).Build(),
	}
	s.fetch = s.fetchImageInfo
	return s
}

// NewImagesServiceWithFetcher creates a resolver with a custom fetcher.
// Tests use this to avoid network access.
func NewImagesServiceWithFetcher(cfg *config.Config, fetch Fetcher) *ImagesService {
	s := NewImagesService(cfg)
	s.fetch = fetch
	return s
}

// ResolveImageInfos fetches manifest and config blob for every named image
// in images. Digest references are skipped because registries cannot be
// derived from them. The result maps the normalized image string to its
// info.
func (s *ImagesService) ResolveImageInfos(ctx context.Context, images []models.Image) (map[string]*ImageInfo, error) {
	var mu sync.Mutex
	infos := map[string]*ImageInfo{}

	group, groupCtx := errgroup.WithContext(ctx)
	seen := map[string]struct{}{}
	for _, image := range images {
		if image.IsDigest() {
			continue
		}
		key := image.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		image := image
		group.Go(func() error {
			info, err := s.resolve(groupCtx, image)
			if err != nil {
				return err
			}
			mu.Lock()
			infos[key] = info
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return infos, nil
}

func (s *ImagesService) resolve(ctx context.Context, image models.Image) (*ImageInfo, error) {
	key := image.String()
	if cached, err := s.cache.Get(key); err == nil {
		return cached.(*ImageInfo), nil
	}

	info, err := s.fetch(ctx, image)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(key, info); err != nil {
		klog.Warningf("cannot cache image info of %s: %s", key, err)
	}
	return info, nil
}

func (s *ImagesService) fetchImageInfo(ctx context.Context, image models.Image) (*ImageInfo, error) {
	reference := fmt.Sprintf("%s/%s:%s", image.RegistryHost(), image.Name(), image.TagOrDefault())

	var options []remote.Option
	if registry, ok := s.config.RegistryCredentials(image.RegistryHost()); ok {
		if registry.Mirror != "" {
			reference = fmt.Sprintf("%s/%s:%s", registry.Mirror, image.Name(), image.TagOrDefault())
		}
		if registry.Username != "" || registry.Password != "" {
			options = append(options, remote.WithAuth(&authn.Basic{
				Username: registry.Username,
				Password: registry.Password,
			}))
		}
	}
	options = append(options, remote.WithContext(ctx))

	ref, err := name.ParseReference(reference)
	if err != nil {
		return nil, err
	}

	descriptor, err := remote.Get(ref, options...)
	if err != nil {
		return nil, classifyRegistryError(image, err)
	}

	img, err := imageForCurrentPlatform(descriptor)
	if err != nil {
		return nil, classifyRegistryError(image, err)
	}

	configFile, err := img.ConfigFile()
	if err != nil {
		return nil, classifyRegistryError(image, err)
	}
	digest, err := img.Digest()
	if err != nil {
		return nil, classifyRegistryError(image, err)
	}

	info := &ImageInfo{
		ExposedPort: smallestExposedPort(configFile.Config.ExposedPorts),
		Digest:      digest.String(),
	}
	for path := range configFile.Config.Volumes {
		info.DeclaredVolumes = append(info.DeclaredVolumes, path)
	}
	sort.Strings(info.DeclaredVolumes)
	return info, nil
}

// imageForCurrentPlatform picks the current platform's manifest from an
// index, falling back to the first entry. The cluster may run a different
// architecture than this process; a wrong port guess is preferable to a
// failed deployment.
func imageForCurrentPlatform(descriptor *remote.Descriptor) (v1.Image, error) {
	if !descriptor.MediaType.IsIndex() {
		return descriptor.Image()
	}

	index, err := descriptor.ImageIndex()
	if err != nil {
		return nil, err
	}
	manifest, err := index.IndexManifest()
	if err != nil {
		return nil, err
	}
	if len(manifest.Manifests) == 0 {
		return descriptor.Image()
	}

	selected := manifest.Manifests[0]
	for _, m := range manifest.Manifests {
		if m.Platform == nil {
			continue
		}
		if m.Platform.OS == runtime.GOOS && m.Platform.Architecture == runtime.GOARCH {
			selected = m
			break
		}
	}
	return index.Image(selected.Digest)
}

// smallestExposedPort picks the numerically smallest TCP or UDP port from
// the image config's "port/proto" keys.
func smallestExposedPort(exposed map[string]struct{}) int {
	smallest := 0
	for key := range exposed {
		portPart, _, _ := strings.Cut(key, "/")
		port, err := strconv.Atoi(portPart)
		if err != nil {
			continue
		}
		if smallest == 0 || port < smallest {
			smallest = port
		}
	}
	return smallest
}

func classifyRegistryError(image models.Image, err error) error {
	var terr *transport.Error
	if asTransportError(err, &terr) {
		switch terr.StatusCode {
		case 401, 403:
			return &AuthError{Image: image, Detail: terr.Error()}
		case 404:
			return &NotFoundError{Image: image}
		}
	}
	return err
}

func asTransportError(err error, target **transport.Error) bool {
	for err != nil {
		if terr, ok := err.(*transport.Error); ok {
			*target = terr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
