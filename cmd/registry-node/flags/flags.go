// Package flags defines the command line flags of the registry node binary.
package flags

import (
	"github.com/urfave/cli/v2"
)

var (
	// DataDirFlag sets the directory holding the node's database.
	DataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Directory for the registry databases and keystore",
		Value: defaultDataDir(),
	}
	// ConfigFileFlag points at a YAML file overriding default parameters.
	ConfigFileFlag = &cli.StringFlag{
		Name:  "config-file",
		Usage: "Path to a YAML file with registry parameter overrides",
	}
	// RegistryIDFlag overrides the federation identity of this node.
	RegistryIDFlag = &cli.StringFlag{
		Name:  "registry-id",
		Usage: "Identifier of this registry inside the federation",
	}
	// HTTPHostFlag is the API listen host.
	HTTPHostFlag = &cli.StringFlag{
		Name:  "http-host",
		Usage: "Host on which the HTTP API listens",
		Value: "127.0.0.1",
	}
	// HTTPPortFlag is the API listen port.
	HTTPPortFlag = &cli.IntFlag{
		Name:  "http-port",
		Usage: "Port on which the HTTP API listens",
		Value: 8787,
	}
	// CORSDomainFlag lists origins accepted by the HTTP API.
	CORSDomainFlag = &cli.StringSliceFlag{
		Name:  "http-cors-domain",
		Usage: "Origins to accept cross-origin requests from",
		Value: cli.NewStringSlice("*"),
	}
	// DisableMonitoringFlag turns the metrics endpoint off.
	DisableMonitoringFlag = &cli.BoolFlag{
		Name:  "disable-monitoring",
		Usage: "Disable the Prometheus metrics endpoint",
	}
	// MonitoringHostFlag is the metrics listen host.
	MonitoringHostFlag = &cli.StringFlag{
		Name:  "monitoring-host",
		Usage: "Host on which the metrics endpoint listens",
		Value: "127.0.0.1",
	}
	// MonitoringPortFlag is the metrics listen port.
	MonitoringPortFlag = &cli.IntFlag{
		Name:  "monitoring-port",
		Usage: "Port on which the metrics endpoint listens",
		Value: 8687,
	}
	// BatchSizeFlag overrides the Merkle batcher seal threshold.
	BatchSizeFlag = &cli.IntFlag{
		Name:  "batch-size",
		Usage: "Number of pending proofs that triggers sealing a batch",
	}
	// EnableAnchoringFlag turns automatic anchoring of sealed batches on.
	EnableAnchoringFlag = &cli.BoolFlag{
		Name:  "enable-anchoring",
		Usage: "Automatically anchor sealed batches on the enabled chains",
	}
	// PeerFlag seeds the federation peer list, repeatable.
	PeerFlag = &cli.StringSliceFlag{
		Name:  "peer",
		Usage: "Seed federation peer as registryID=endpoint, repeatable",
	}
	// ForceClearDBFlag wipes the database without prompting.
	ForceClearDBFlag = &cli.BoolFlag{
		Name:  "force-clear-db",
		Usage: "Clear any existing registry database without confirmation",
	}
	// VerbosityFlag sets the logging level.
	VerbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info, warn, error, fatal)",
		Value: "info",
	}
	// LogFileFlag mirrors logs into a file.
	LogFileFlag = &cli.StringFlag{
		Name:  "log-file",
		Usage: "Write logs to the given file as well as stderr",
	}
	// LogFormatFlag selects the log output format.
	LogFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Log format (text, fluentd, json)",
		Value: "text",
	}
)

// Flags is the complete flag set of the registry node command.
var Flags = []cli.Flag{
	DataDirFlag,
	ConfigFileFlag,
	RegistryIDFlag,
	HTTPHostFlag,
	HTTPPortFlag,
	CORSDomainFlag,
	DisableMonitoringFlag,
	MonitoringHostFlag,
	MonitoringPortFlag,
	BatchSizeFlag,
	EnableAnchoringFlag,
	PeerFlag,
	ForceClearDBFlag,
	VerbosityFlag,
	LogFileFlag,
	LogFormatFlag,
}
