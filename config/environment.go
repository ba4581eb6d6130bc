package config

import (
	"os"
	"strings"
)

const appEnvVar = "APP_ENV"

const (
	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
	EnvironmentStaging     = "staging"
)

var environmentAliases = map[string]string{
	"dev":  EnvironmentDevelopment,
	"prod": EnvironmentProduction,
	"stag": EnvironmentStaging,
	"stg":  EnvironmentStaging,
}

// AppEnvironment returns the normalised APP_ENV value, defaulting to
// development.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return EnvironmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// resolveEnvSpecificPath swaps the default path for the file registered for
// the current environment. An explicit non-default path always wins.
func resolveEnvSpecificPath(path, defaultPath string, envPaths map[string]string) string {
	if path == "" {
		path = defaultPath
	}
	envPath, ok := envPaths[AppEnvironment()]
	if !ok || path != defaultPath {
		return path
	}
	if _, err := os.Stat(envPath); err != nil {
		return path
	}
	return envPath
}

// IsProductionLike reports whether env should fail fast on configuration
// problems, for example a missing archive bucket.
func IsProductionLike(env string) bool {
	switch env {
	case EnvironmentProduction, EnvironmentStaging:
		return true
	default:
		return false
	}
}
