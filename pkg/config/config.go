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

package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"

	"github.com/aixigo/prevant/pkg/models"
)

// Config is the root of PREvant's TOML configuration file.
type Config struct {
	Runtime      Runtime                    `toml:"runtime"`
	Containers   Containers                 `toml:"containers"`
	Companions   map[string]Companion       `toml:"companions"`
	Services     map[string]ServiceSettings `toml:"services"`
	Hooks        Hooks                      `toml:"hooks"`
	Registries   map[string]Registry        `toml:"registries"`
	Applications Applications               `toml:"applications"`
	APIAccess    APIAccess                  `toml:"apiAccess"`
	Queue        Queue                      `toml:"queue"`
}

// RuntimeType selects the container backend.
type RuntimeType string

const (
	// RuntimeTypeDocker reconciles against a Docker daemon.
	RuntimeTypeDocker RuntimeType = "Docker"
	// RuntimeTypeKubernetes reconciles against a Kubernetes cluster.
	RuntimeTypeKubernetes RuntimeType = "Kubernetes"
)

// Runtime configures the container backend.
type Runtime struct {
	Type RuntimeType `toml:"type"`

	// Kubernetes specific connection settings. Empty values fall back to
	// in-cluster configuration.
	Endpoint string `toml:"endpoint"`
	Token    string `toml:"token"`
	CertPath string `toml:"certPath"`
}

// UnmarshalText validates the runtime type.
func (t *RuntimeType) UnmarshalText(text []byte) error {
	switch RuntimeType(text) {
	case RuntimeTypeDocker, RuntimeTypeKubernetes:
		*t = RuntimeType(text)
		return nil
	}
	return fmt.Errorf("invalid runtime type %q, expected Docker or Kubernetes", text)
}

// Containers holds per workload resource settings.
type Containers struct {
	MemoryLimit MemoryLimit `toml:"memoryLimit"`
}

// MemoryLimit is a byte count parsed from human readable sizes like "512M".
type MemoryLimit int64

// UnmarshalText parses sizes via docker's go-units.
func (m *MemoryLimit) UnmarshalText(text []byte) error {
	bytes, err := units.RAMInBytes(string(text))
	if err != nil {
		return fmt.Errorf("invalid memory limit %q: %w", text, err)
	}
	*m = MemoryLimit(bytes)
	return nil
}

// ServiceSettings carries per service configuration, currently secrets.
type ServiceSettings struct {
	Secrets []Secret `toml:"secrets"`
}

// Secret is a file mounted into matching services of matching applications.
type Secret struct {
	Name        string      `toml:"name"`
	Data        SecretData  `toml:"data"`
	AppSelector AppSelector `toml:"appSelector"`
	Path        string      `toml:"path"`
}

// MountPath returns the container path the secret is mounted at,
// defaulting to /run/secrets/<name>.
func (s *Secret) MountPath() string {
	if s.Path != "" {
		return path.Join(s.Path, s.Name)
	}
	return path.Join("/run/secrets", s.Name)
}

// SecretData is base64 in the config file, plain text in memory.
type SecretData string

// UnmarshalText decodes the base64 payload.
func (d *SecretData) UnmarshalText(text []byte) error {
	decoded, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid base64 secret data: %w", err)
	}
	*d = SecretData(decoded)
	return nil
}

// Hooks references JavaScript files evaluated during deployments.
type Hooks struct {
	Deployment string `toml:"deployment"`
}

// Registry holds credentials and an optional mirror for one registry host.
type Registry struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
	Mirror   string `toml:"mirror"`
}

// ReplicationCondition controls when deployments implicitly replicate from
// the default application.
type ReplicationCondition string

const (
	// ReplicationAlwaysFromDefaultApp replicates every new application
	// from the default application unless requested otherwise.
	ReplicationAlwaysFromDefaultApp ReplicationCondition = "always-from-default-app"
	// ReplicationOnlyWhenRequested replicates only when the client names
	// a source application.
	ReplicationOnlyWhenRequested ReplicationCondition = "replicate-only-when-requested"
	// ReplicationNever disables replication entirely.
	ReplicationNever ReplicationCondition = "never"
)

// UnmarshalText validates the replication condition.
func (c *ReplicationCondition) UnmarshalText(text []byte) error {
	switch ReplicationCondition(text) {
	case ReplicationAlwaysFromDefaultApp, ReplicationOnlyWhenRequested, ReplicationNever:
		*c = ReplicationCondition(text)
		return nil
	}
	return fmt.Errorf("invalid replication condition %q", text)
}

// Applications configures application wide policies.
type Applications struct {
	Max                  int                  `toml:"max"`
	DefaultApp           string               `toml:"defaultApp"`
	ReplicationCondition ReplicationCondition `toml:"replicationCondition"`
	UserDefinedSchema    string               `toml:"userDefinedSchema"`
	Backups              *BackUps             `toml:"backups"`
}

// Duration is a time.Duration TOML can decode from strings like "2h".
type Duration time.Duration

// UnmarshalText parses the duration.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// AsDuration returns the plain time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// BackUps configures parking of applications: their service configurations
// are stored and the infrastructure payload removed until a restore.
type BackUps struct {
	// TimeToRestore bounds how long a backed up application stays
	// restorable. Zero keeps backups forever.
	TimeToRestore Duration `toml:"timeToRestore"`
	// Automated enables backing up idle applications based on router
	// traffic metrics.
	Automated *CleanUp `toml:"automated"`
}

// CleanUp configures the automated back-up of idle applications.
type CleanUp struct {
	// TimeToUse is the window without any router traffic after which an
	// application counts as idle.
	TimeToUse       Duration        `toml:"timeToUse"`
	MetricsProvider MetricsProvider `toml:"metricsProvider"`
	PermanentApps   []AppSelector   `toml:"permanentApps"`
}

// IsPermanent reports whether appName is exempt from automated back-ups.
// Without configured selectors only the default application is exempt.
func (c *CleanUp) IsPermanent(appName, defaultApp string) bool {
	if len(c.PermanentApps) == 0 {
		return appName == defaultApp
	}
	for _, selector := range c.PermanentApps {
		if selector.Matches(appName) {
			return true
		}
	}
	return false
}

// MetricsProvider points to the Prometheus instance scraping the Traefik
// routers.
type MetricsProvider struct {
	PrometheusURL string `toml:"prometheusUrl"`
}

// APIAccessMode controls whether requests must carry an authenticated user.
type APIAccessMode string

const (
	// APIAccessAny allows anonymous access.
	APIAccessAny APIAccessMode = "any"
	// APIAccessRequireAuth requires an authenticated user.
	APIAccessRequireAuth APIAccessMode = "requireAuth"
)

// APIAccess configures authentication requirements of the HTTP API.
type APIAccess struct {
	Mode            APIAccessMode `toml:"mode"`
	OpenidProviders []string      `toml:"openidProviders"`
}

// Queue selects the task queue backend. An empty URL selects the
// in-memory queue; a postgres:// URL selects the persistent queue.
type Queue struct {
	URL string `toml:"url"`
}

// ImageRef is a models.Image that TOML can decode from a string.
type ImageRef models.Image

// UnmarshalText parses the image reference.
func (i *ImageRef) UnmarshalText(text []byte) error {
	img, err := models.ParseImage(string(text))
	if err != nil {
		return err
	}
	*i = ImageRef(img)
	return nil
}

// Load reads and validates the TOML configuration at configPath.
func Load(configPath string) (*Config, error) {
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config file %s", configPath)
	}
	return Parse(string(raw))
}

// Parse decodes a TOML configuration string.
func Parse(raw string) (*Config, error) {
	var config Config
	if _, err := toml.Decode(raw, &config); err != nil {
		return nil, errors.Wrap(err, "invalid server configuration")
	}
	if config.Runtime.Type == "" {
		config.Runtime.Type = RuntimeTypeDocker
	}
	if config.Applications.DefaultApp == "" {
		config.Applications.DefaultApp = models.DefaultAppName.String()
	}
	if config.Applications.ReplicationCondition == "" {
		config.Applications.ReplicationCondition = ReplicationAlwaysFromDefaultApp
	}
	if config.APIAccess.Mode == "" {
		config.APIAccess.Mode = APIAccessAny
	}
	if backups := config.Applications.Backups; backups != nil {
		if backups.TimeToRestore == 0 {
			backups.TimeToRestore = Duration(14 * 24 * time.Hour)
		}
		if backups.Automated != nil && backups.Automated.TimeToUse == 0 {
			backups.Automated.TimeToUse = Duration(2 * time.Hour)
		}
	}
	return &config, nil
}

// ApplicationCompanions returns the application companions whose selector
// matches appName, in a stable order.
func (c *Config) ApplicationCompanions(appName models.AppName) []Companion {
	return c.companionsOfType(appName, CompanionTypeApplication)
}

// ServiceCompanions returns the service companions whose selector matches
// appName, in a stable order.
func (c *Config) ServiceCompanions(appName models.AppName) []Companion {
	return c.companionsOfType(appName, CompanionTypeService)
}

func (c *Config) companionsOfType(appName models.AppName, companionType CompanionType) []Companion {
	var matching []Companion
	for _, id := range sortedKeys(c.Companions) {
		companion := c.Companions[id]
		if companion.Type != companionType {
			continue
		}
		if !companion.AppSelector.Matches(appName.String()) {
			continue
		}
		matching = append(matching, companion)
	}
	return matching
}

// ServiceSecrets returns the secret file mounts for serviceName within
// appName as path to payload.
func (c *Config) ServiceSecrets(appName models.AppName, serviceName string) map[string]string {
	settings, ok := c.Services[serviceName]
	if !ok {
		return nil
	}
	var files map[string]string
	for _, secret := range settings.Secrets {
		if !secret.AppSelector.Matches(appName.String()) {
			continue
		}
		if files == nil {
			files = map[string]string{}
		}
		files[secret.MountPath()] = string(secret.Data)
	}
	return files
}

// RegistryCredentials returns the configured credentials for a registry
// host.
func (c *Config) RegistryCredentials(host string) (Registry, bool) {
	registry, ok := c.Registries[host]
	return registry, ok
}

// UserDefinedSchema loads the configured JSON schema for user defined
// parameters, or nil when none is configured.
func (c *Config) UserDefinedSchema() (*gojsonschema.Schema, error) {
	if c.Applications.UserDefinedSchema == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(c.Applications.UserDefinedSchema)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read user defined parameter schema")
	}
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
