package config

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// Options defines the CLI-overridable configuration entries. The
// settings-file-only keys (kubeconfig.externalPaths, imageScans.enable)
// are intentionally absent here: they're settings-file fields, not flags.
var Options = []Option{
	{Key: keyPort, Flag: "port", Default: 9090, Description: "HTTP listen port (not applied to the listen address; the server binds to listen-addr)"},
	{Key: keyListenAddr, Flag: "listen-addr", Default: ":9090", Description: "HTTP listen address"},
	{Key: keyKubeconfig, Flag: "kubeconfig", Default: "", Description: "Path to a kubeconfig file to load as the primary context source"},
	{Key: keyInCluster, Flag: "in-cluster", Default: false, Description: "Use the in-cluster service account instead of a kubeconfig file"},
}
