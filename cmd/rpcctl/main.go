package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/eagraf/digestrpc/internal/config"
	"github.com/eagraf/digestrpc/internal/logging"
	"github.com/eagraf/digestrpc/pkg/rpcclient"
	"github.com/eagraf/digestrpc/pkg/validate"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "rpcctl",
		Usage: "Call a JSON-RPC endpoint protected by Digest authentication",
		Flags: getFlags(),
		Commands: []*cli.Command{
			callCommand(),
			postCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Msg("error running command")
	}
}

func callCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "Invoke a JSON-RPC method",
		ArgsUsage: "<method>",
		Flags:     callFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			method := cmd.Args().First()
			if method == "" {
				return errors.New("a method name is required")
			}
			params, err := parseParams(cmd.String(fParams))
			if err != nil {
				return err
			}
			if err := checkShape(cmd.StringSlice(fShape), params); err != nil {
				return err
			}

			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			result, err := client.Call(ctx, method, params)
			if err != nil {
				return err
			}
			return printResult(os.Stdout, cmd.String(fOutput), result)
		},
	}
}

func postCommand() *cli.Command {
	return &cli.Command{
		Name:      "post",
		Usage:     "POST to a path outside the JSON-RPC interface, e.g. get_height",
		ArgsUsage: "<command>",
		Flags:     callFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			command := cmd.Args().First()
			if command == "" {
				return errors.New("a command path is required")
			}
			params, err := parseParams(cmd.String(fParams))
			if err != nil {
				return err
			}
			if err := checkShape(cmd.StringSlice(fShape), params); err != nil {
				return err
			}

			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			result, err := client.CallPath(ctx, command, params)
			if err != nil {
				return err
			}
			return printResult(os.Stdout, cmd.String(fOutput), result)
		},
	}
}

// loadConfig merges the config file and env with flags given on the command
// line or in a profile.
func loadConfig(cmd *cli.Command) (*config.ClientConfig, error) {
	cfg, err := config.NewClientConfig(cmd.String(fConfig))
	if err != nil {
		return nil, err
	}

	overrides := map[string]func() any{
		fURL:       func() any { return cmd.String(fURL) },
		fUsername:  func() any { return cmd.String(fUsername) },
		fPassword:  func() any { return cmd.String(fPassword) },
		fTLSVerify: func() any { return cmd.Bool(fTLSVerify) },
		fTimeout:   func() any { return cmd.Duration(fTimeout) },
		fRPCPath:   func() any { return cmd.String(fRPCPath) },
		fRateLimit: func() any { return cmd.Float(fRateLimit) },
		fRateBurst: func() any { return cmd.Int(fRateBurst) },
		fDebug:     func() any { return cmd.Bool(fDebug) },
	}
	for name, value := range overrides {
		if cmd.IsSet(name) {
			cfg.Set(name, value())
		}
	}
	return cfg, nil
}

func newClient(cmd *cli.Command) (*rpcclient.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cfg.LogLevel())

	settings, err := cfg.Settings()
	if err != nil {
		return nil, err
	}
	log.Debug().Msgf("running with flags: %s", strings.Join(cmd.FlagNames(), ", "))

	limit, burst := cfg.RateLimit()
	opts := []rpcclient.Option{
		rpcclient.WithLogger(logger),
		rpcclient.WithRPCPath(settings.RPCPath),
		rpcclient.WithTimeout(settings.Timeout),
		rpcclient.WithTLSVerification(settings.TLSVerify),
		rpcclient.WithRateLimit(limit, burst),
	}
	if cfg.HasCredentials() {
		opts = append(opts, rpcclient.WithCredentials(settings.Username, settings.Password))
	}
	return rpcclient.New(settings.URL, opts...)
}

func parseParams(raw string) (any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var params any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("failed to parse params: %w", err)
	}
	switch params.(type) {
	case map[string]any, []any:
		return params, nil
	default:
		return nil, errors.New("params must be a JSON object or array")
	}
}

// checkShape validates params against name=Tag pairs.
func checkShape(pairs []string, params any) error {
	if len(pairs) == 0 {
		return nil
	}
	shape := validate.Shape{}
	for _, pair := range pairs {
		name, tag, ok := strings.Cut(pair, "=")
		if !ok || name == "" || tag == "" {
			return fmt.Errorf("invalid shape %q, expected name=Tag", pair)
		}
		shape[name] = validate.Tag(tag)
	}
	return validate.Validate(shape, params)
}

func printResult(w io.Writer, format string, result json.RawMessage) error {
	switch format {
	case "json", "":
		if len(result) == 0 {
			return nil
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, result, "", "  "); err != nil {
			return err
		}
		buf.WriteByte('\n')
		_, err := buf.WriteTo(w)
		return err
	case "yaml":
		var value any
		if len(result) > 0 {
			if err := json.Unmarshal(result, &value); err != nil {
				return err
			}
		}
		out, err := yaml.Marshal(value)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
