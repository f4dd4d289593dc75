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

package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/srediag/extension-host/pkg/config"
	"github.com/srediag/extension-host/pkg/transport"
)

func newListCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the extensions of the extensions file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			file, err := config.LoadFile(cfg.ConfigPath)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tDOCUMENT TYPES\tFORMATS\tTRANSPORTS\tCOMMAND")
			for _, def := range file.Definitions(logger) {
				command := "-"
				if def.HasCommand() {
					command = def.Command.Executable
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", def.ID, joinOrAny(def.SupportedDocumentTypes),
					joinOrAny(def.InputFormats), strings.Join(def.TransportModes, ","), command)
			}
			return tw.Flush()
		},
	}
}

func joinOrAny(values []string) string {
	if len(values) == 0 {
		return "*"
	}
	return strings.Join(values, ",")
}

func newValidateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and the extensions file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			file, err := config.LoadFile(cfg.ConfigPath)
			if err != nil {
				return err
			}
			var problems []string
			for _, def := range file.Definitions(logger) {
				_, warnings := def.Capabilities.Resolve(cfg)
				for _, w := range warnings {
					problems = append(problems, def.ID+": "+w)
				}
				for _, mode := range def.TransportModes {
					if _, err := transport.ParseMode(mode); err != nil {
						problems = append(problems, def.ID+": "+err.Error())
					}
				}
			}
			out := cmd.OutOrStdout()
			for _, p := range problems {
				fmt.Fprintln(out, "warning:", p)
			}
			fmt.Fprintf(out, "%s: %d extensions\n", cfg.ConfigPath, len(file.Extensions))
			return nil
		},
	}
}
