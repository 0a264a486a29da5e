package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// RuntimeEnvironment represents the execution environment
type RuntimeEnvironment string

const (
	RuntimeKubernetes RuntimeEnvironment = "kubernetes"
	RuntimeContainer  RuntimeEnvironment = "container"
	RuntimeVM         RuntimeEnvironment = "vm"
)

// DiscoveryMode represents backend discovery strategy
type DiscoveryMode string

const (
	DiscoveryKubernetes DiscoveryMode = "kubernetes"
	DiscoveryStatic     DiscoveryMode = "static"
)

// TLSMode represents TLS certificate source
type TLSMode string

const (
	TLSModeFile       TLSMode = "file"
	TLSModeKubernetes TLSMode = "kubernetes"
	TLSModeMemory     TLSMode = "memory"
)

// Config holds all application configuration
type Config struct {
	// Core
	Debug        bool
	DatabaseType string // postgresql, mysql, mongodb

	// Runtime
	Runtime   RuntimeEnvironment
	Namespace string // Only for Kubernetes runtime

	// Server
	HealthServerPort string
	ProxyStartPort   string

	// Handler construction
	LazyInit     bool          // Build the proxy pipeline on the first connection instead of at startup
	BuildTimeout time.Duration // Upper bound for one pipeline build (discovery sync, certificate load)

	// Backend Discovery
	DiscoveryMode      DiscoveryMode
	StaticBackends     string
	StaticBackendsFile string // YAML file with a "backends" map
	KubeConfigPath     string
	KubeContext    string

	// TLS Configuration
	TLSEnabled              bool
	TLSMode                 TLSMode
	TLSCertFile             string
	TLSKeyFile              string
	TLSSecretName           string
	TLSAutoGenerate         bool // Generate self-signed if cert doesn't exist
	TLSAutoRenew            bool // Regenerate if cert is invalid/expired
	TLSRenewalThresholdDays int  // Days before expiry to trigger renewal
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		// Core
		Debug:        getEnvBool("DEBUG", false),
		DatabaseType: getEnv("DATABASE_TYPE", "postgresql"),

		// Runtime - Auto-detect or explicit
		Runtime:   determineRuntime(),
		Namespace: determineNamespace(),

		// Server
		HealthServerPort: getEnv("HEALTH_SERVER_PORT", "8080"),
		ProxyStartPort:   getEnv("PROXY_START_PORT", "5432"),

		// Handler construction
		LazyInit:     getEnvBool("LAZY_INIT", true),
		BuildTimeout: getEnvDuration("BUILD_TIMEOUT", 30*time.Second),

		// Backend Discovery
		DiscoveryMode:      determineDiscoveryMode(),
		StaticBackends:     getEnv("STATIC_BACKENDS", ""),
		StaticBackendsFile: getEnv("STATIC_BACKENDS_FILE", ""),
		KubeConfigPath:     getEnv("KUBECONFIG", ""),
		KubeContext:        getEnv("KUBE_CONTEXT", ""),

		// TLS
		TLSEnabled:              getEnvBool("TLS_ENABLED", true),
		TLSMode:                 determineTLSMode(),
		TLSCertFile:             getEnv("TLS_CERT_FILE", ""),
		TLSKeyFile:              getEnv("TLS_KEY_FILE", ""),
		TLSSecretName:           getEnv("TLS_SECRET_NAME", ""),
		TLSAutoGenerate:         getEnvBool("TLS_AUTO_GENERATE", true),
		TLSAutoRenew:            getEnvBool("TLS_AUTO_RENEW", true),
		TLSRenewalThresholdDays: getEnvInt("TLS_RENEWAL_THRESHOLD_DAYS", 30),
	}

	// Legacy support
	cfg.applyLegacySupport()

	// Validation
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures configuration is coherent. LoadFromEnv calls it; callers
// that change fields afterwards (CLI flags) should call it again.
func (c *Config) Validate() error {
	return c.validate()
}

func (c *Config) validate() error {
	if err := validatePort("PROXY_START_PORT", c.ProxyStartPort); err != nil {
		return err
	}
	if err := validatePort("HEALTH_SERVER_PORT", c.HealthServerPort); err != nil {
		return err
	}

	if c.BuildTimeout <= 0 {
		return fmt.Errorf("BUILD_TIMEOUT must be positive, got %s", c.BuildTimeout)
	}

	// Validate database type
	validDatabases := []string{"postgresql", "mysql", "mongodb"}
	if !slices.Contains(validDatabases, c.DatabaseType) {
		return fmt.Errorf("unsupported DATABASE_TYPE: %s (supported: %s)",
			c.DatabaseType, strings.Join(validDatabases, ", "))
	}

	// TLS validation only if TLS is enabled
	if c.TLSEnabled {
		if c.TLSMode == TLSModeFile {
			if c.TLSCertFile == "" || c.TLSKeyFile == "" {
				return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set when using file-based TLS")
			}
		}

		if c.TLSMode == TLSModeKubernetes {
			if c.TLSSecretName == "" {
				return fmt.Errorf("TLS_SECRET_NAME must be set when using kubernetes TLS mode")
			}
			if c.DiscoveryMode == DiscoveryStatic {
				return fmt.Errorf("kubernetes TLS mode requires kubernetes discovery (cannot use STATIC_BACKENDS)")
			}
		}
	}

	// Validate discovery mode
	if c.DiscoveryMode == DiscoveryKubernetes && c.Runtime == RuntimeContainer && c.KubeConfigPath == "" {
		return fmt.Errorf("kubernetes discovery in container runtime requires KUBECONFIG path")
	}

	return nil
}

// applyLegacySupport handles backward compatibility
func (c *Config) applyLegacySupport() {
	// Legacy: POSTGRESQL_PROXY_ENABLED
	if getEnvBool("POSTGRESQL_PROXY_ENABLED", false) {
		c.DatabaseType = "postgresql"
	}

	// Legacy: POSTGRESQL_PROXY_START_PORT
	if legacyPort := getEnv("POSTGRESQL_PROXY_START_PORT", ""); legacyPort != "" {
		c.ProxyStartPort = legacyPort
	}

	// Legacy: TLS_ENABLE_SELF_SIGNED
	if getEnvBool("TLS_ENABLE_SELF_SIGNED", false) {
		c.TLSAutoGenerate = true
	}

	// Legacy: POD_NAMESPACE
	if podNS := getEnv("POD_NAMESPACE", ""); podNS != "" && c.Namespace == "" {
		c.Namespace = podNS
	}
}

// Helper functions

func validatePort(name, port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("%s must be a port in [1, 65535], got %q", name, port)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

// Accepted spellings for RUNTIME and TLS_MODE.
var (
	runtimeAliases = map[string]RuntimeEnvironment{
		"kubernetes":      RuntimeKubernetes,
		"k8s":             RuntimeKubernetes,
		"container":       RuntimeContainer,
		"docker":          RuntimeContainer,
		"vm":              RuntimeVM,
		"virtual-machine": RuntimeVM,
		"bare-metal":      RuntimeVM,
	}
	tlsModeAliases = map[string]TLSMode{
		"file":       TLSModeFile,
		"filesystem": TLSModeFile,
		"kubernetes": TLSModeKubernetes,
		"k8s":        TLSModeKubernetes,
		"secret":     TLSModeKubernetes,
		"memory":     TLSModeMemory,
		"in-memory":  TLSModeMemory,
	}
)

const (
	serviceAccountDir = "/var/run/secrets/kubernetes.io/serviceaccount"
	dockerEnvFile     = "/.dockerenv"
)

func determineRuntime() RuntimeEnvironment {
	if rt, ok := runtimeAliases[strings.ToLower(os.Getenv("RUNTIME"))]; ok {
		return rt
	}
	if fileExists(serviceAccountDir) {
		return RuntimeKubernetes
	}
	if fileExists(dockerEnvFile) {
		return RuntimeContainer
	}
	return RuntimeVM
}

// determineNamespace prefers NAMESPACE, then the downward API, then the
// mounted service account.
func determineNamespace() string {
	for _, key := range []string{"NAMESPACE", "POD_NAMESPACE"} {
		if ns := os.Getenv(key); ns != "" {
			return ns
		}
	}
	if data, err := os.ReadFile(filepath.Join(serviceAccountDir, "namespace")); err == nil {
		return strings.TrimSpace(string(data))
	}
	return "default"
}

func determineDiscoveryMode() DiscoveryMode {
	if mode := os.Getenv("DISCOVERY_MODE"); mode != "" {
		if strings.EqualFold(mode, "static") {
			return DiscoveryStatic
		}
		return DiscoveryKubernetes
	}
	if os.Getenv("STATIC_BACKENDS") != "" || os.Getenv("STATIC_BACKENDS_FILE") != "" {
		return DiscoveryStatic
	}
	return DiscoveryKubernetes
}

func determineTLSMode() TLSMode {
	if mode, ok := tlsModeAliases[strings.ToLower(os.Getenv("TLS_MODE"))]; ok {
		return mode
	}
	switch {
	case os.Getenv("TLS_CERT_FILE") != "":
		return TLSModeFile
	case os.Getenv("TLS_SECRET_NAME") != "":
		return TLSModeKubernetes
	default:
		return TLSModeMemory
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
