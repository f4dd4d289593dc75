/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command extension-host runs extension processes described by an
// extensions file and exposes their health and metrics.
package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/srediag/extension-host/internal/logging"
	"github.com/srediag/extension-host/pkg/config"
)

const version = "0.1.0"

type rootOptions struct {
	logLevel string
	flags    *config.Flags
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "extension-host",
		Short:         "Run and supervise extension processes",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	opts.flags = config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newServeCommand(opts),
		newListCommand(opts),
		newValidateCommand(opts),
	)
	return cmd
}

// load builds the effective configuration and the root logger.
func (o *rootOptions) load() (*config.ExtensionConfig, hclog.Logger, error) {
	logger := logging.New("extension-host", o.logLevel, os.Stderr)
	cfg := config.DefaultConfig()
	warnings, err := o.flags.Apply(cfg)
	if err != nil {
		return nil, nil, err
	}
	for _, w := range warnings {
		logger.Warn("flag value adjusted", "detail", w)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func main() {
	cmd := newRootCommand()
	cmd.SetArgs(config.NormalizeArgs(os.Args[1:]))
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
