package main

import (
	"strings"

	altsrc "github.com/urfave/cli-altsrc/v3"
	yaml "github.com/urfave/cli-altsrc/v3/yaml"
	"github.com/urfave/cli/v3"
)

var (
	fConfig    = "config"
	fURL       = "url"
	fUsername  = "username"
	fPassword  = "password"
	fTLSVerify = "tls_verify"
	fTimeout   = "timeout"
	fRPCPath   = "rpc_path"
	fRateLimit = "rate_limit"
	fRateBurst = "rate_burst"
	fDebug     = "debug"
	fOutput    = "output"

	fParams = "params"
	fShape  = "shape"
)

const envPrefix = "RPCDIGEST_"

// profile is the YAML file read for flags missing from the command line and
// the environment. It is filled in while parsing, before any flag's sources
// are looked up.
var profile string

func getFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "profile",
			Usage:       "YAML file with flag values, keyed by flag name",
			TakesFile:   true,
			Sources:     cli.EnvVars(envPrefix + "PROFILE"),
			Destination: &profile,
		},
		&cli.StringFlag{
			Name:      fConfig,
			Usage:     "Client config file. Defaults to ./rpcdigest.yml or ~/.rpcdigest/rpcdigest.yml if present",
			TakesFile: true,
			Sources:   flagSources(fConfig),
		},
		&cli.StringFlag{
			Name:    fURL,
			Usage:   "Base URL of the RPC endpoint, e.g. http://127.0.0.1:18081",
			Sources: flagSources(fURL),
		},
		&cli.StringFlag{
			Name:    fUsername,
			Usage:   "Digest username",
			Sources: flagSources(fUsername),
		},
		&cli.StringFlag{
			Name:    fPassword,
			Usage:   "Digest password",
			Sources: flagSources(fPassword),
		},
		&cli.BoolFlag{
			Name:    fTLSVerify,
			Usage:   "Verify the server's TLS certificate",
			Value:   true,
			Sources: flagSources(fTLSVerify),
		},
		&cli.DurationFlag{
			Name:    fTimeout,
			Usage:   "Timeout for each HTTP round trip",
			Sources: flagSources(fTimeout),
		},
		&cli.StringFlag{
			Name:    fRPCPath,
			Usage:   "Path of the JSON-RPC endpoint",
			Sources: flagSources(fRPCPath),
		},
		&cli.FloatFlag{
			Name:    fRateLimit,
			Usage:   "Maximum calls per second, 0 for no limit",
			Sources: flagSources(fRateLimit),
		},
		&cli.IntFlag{
			Name:    fRateBurst,
			Usage:   "Calls allowed in a burst when rate limited",
			Sources: flagSources(fRateBurst),
		},
		&cli.BoolFlag{
			Name:    fDebug,
			Usage:   "Enable debug mode",
			Sources: flagSources(fDebug),
		},
		&cli.StringFlag{
			Name:    fOutput,
			Usage:   "Output format, json or yaml",
			Value:   "json",
			Sources: flagSources(fOutput),
		},
	}
}

func callFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  fParams,
			Usage: "Parameters as a JSON object or array",
		},
		&cli.StringSliceFlag{
			Name:  fShape,
			Usage: "Check a parameter before sending, as name=Tag (e.g. address=Address). Repeatable",
		},
	}
}

// flagSources looks a flag up in RPCDIGEST_<NAME>, then in the profile.
func flagSources(name string) cli.ValueSourceChain {
	return cli.NewValueSourceChain(
		cli.EnvVar(envPrefix+strings.ToUpper(name)),
		yaml.YAML(name, altsrc.NewStringPtrSourcer(&profile)),
	)
}
