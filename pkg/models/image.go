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

package models

import (
	"encoding/json"
	"fmt"
	"regexp"
)

const (
	defaultRegistry  = "docker.io"
	defaultImageUser = "library"
	defaultImageTag  = "latest"
)

var (
	imageDigestRegexp = regexp.MustCompile(`^(sha256:)?([a-fA-F0-9]+)$`)
	imageNamedRegexp  = regexp.MustCompile(`^(((?P<registry>.+)/)?(?P<user>[\w-]+)/)?(?P<repo>[\w-]+)(:(?P<tag>[\w.-]+))?$`)
)

// Image references a container image either by name or by digest. The empty
// registry, user and tag fields of a named image default to docker.io,
// library and latest.
type Image struct {
	// Hash is set for digest references, e.g. "sha256:abc…". All other
	// fields are empty then.
	Hash string

	Repository string
	Registry   string
	User       string
	Tag        string
}

// InvalidImageError reports an unparsable image reference.
type InvalidImageError struct {
	InvalidString string
}

func (e *InvalidImageError) Error() string {
	return fmt.Sprintf("invalid image reference: %q", e.InvalidString)
}

// ParseImage parses docker image references of the forms "sha256:…", bare
// hex digests, "name[:tag]", "user/name[:tag]" and
// "host[:port]/user/name[:tag]".
func ParseImage(s string) (Image, error) {
	if imageDigestRegexp.MatchString(s) {
		return Image{Hash: s}, nil
	}

	m := imageNamedRegexp.FindStringSubmatch(s)
	if m == nil {
		return Image{}, &InvalidImageError{InvalidString: s}
	}
	img := Image{}
	for i, name := range imageNamedRegexp.SubexpNames() {
		switch name {
		case "registry":
			img.Registry = m[i]
		case "user":
			img.User = m[i]
		case "repo":
			img.Repository = m[i]
		case "tag":
			img.Tag = m[i]
		}
	}
	return img, nil
}

// IsDigest reports whether the image is referenced by digest only. Such
// references cannot be resolved against a registry.
func (i Image) IsDigest() bool {
	return i.Hash != ""
}

// RegistryHost returns the registry host, defaulted to docker.io.
func (i Image) RegistryHost() string {
	if i.IsDigest() {
		return ""
	}
	if i.Registry == "" {
		return defaultRegistry
	}
	return i.Registry
}

// Name returns "user/repository" with the user defaulted to library.
func (i Image) Name() string {
	if i.IsDigest() {
		return ""
	}
	user := i.User
	if user == "" {
		user = defaultImageUser
	}
	return fmt.Sprintf("%s/%s", user, i.Repository)
}

// TagOrDefault returns the tag, defaulted to latest.
func (i Image) TagOrDefault() string {
	if i.IsDigest() {
		return ""
	}
	if i.Tag == "" {
		return defaultImageTag
	}
	return i.Tag
}

// String renders the normalized reference, e.g.
// "docker.io/library/nginx:latest" for "nginx".
func (i Image) String() string {
	if i.IsDigest() {
		return i.Hash
	}
	return fmt.Sprintf("%s/%s:%s", i.RegistryHost(), i.Name(), i.TagOrDefault())
}

// Equal compares images with registry, user and tag defaults normalized, so
// "nginx" equals "docker.io/library/nginx:latest".
func (i Image) Equal(other Image) bool {
	if i.IsDigest() || other.IsDigest() {
		return i.Hash == other.Hash
	}
	return i.Repository == other.Repository &&
		i.RegistryHost() == other.RegistryHost() &&
		i.Name() == other.Name() &&
		i.TagOrDefault() == other.TagOrDefault()
}

// MarshalJSON renders the normalized string form.
func (i Image) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.String())
}

// UnmarshalJSON parses an image reference string.
func (i *Image) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	img, err := ParseImage(raw)
	if err != nil {
		return err
	}
	*i = img
	return nil
}
