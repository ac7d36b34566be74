// Package config provides unified configuration loading from the
// settings file, environment variables, and CLI flags using viper and
// pflag.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix AGENTKUBE_)
//  3. Settings file ($HOME/.agentkube/settings.json)
//  4. Compiled defaults
package config

// Viper keys for daemon configuration.
const (
	keyPort             = "port"
	keyListenAddr       = "listen_addr"
	keyKubeconfig       = "kubeconfig"
	keyInCluster        = "in_cluster"
	keyKubeconfigPaths  = "kubeconfig.externalPaths"
	keyImageScansEnable = "imageScans.enable"
)
