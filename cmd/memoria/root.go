// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Memoria Contributors

package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/memoria-dev/memoria/internal/config"
	memerr "github.com/memoria-dev/memoria/pkg/errors"
)

// NewRootCmd creates the root memoria command with all subcommands
// registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "memoria",
		Short:         "Memoria — persistent per-user semantic memory engine",
		Long:          "Memoria extracts durable memories from chat turns, indexes them for hybrid retrieval, and assembles bounded context packs for LLM prompts.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initViper(cmd)
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().String("data-dir", "", "path to data directory")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newStartCmd(),
		newChatCmd(),
		newVersionCmd(),
	)

	return root
}

// initViper sets up the global viper with defaults, env bindings, flag
// bindings, and optional config file so the standard precedence
// (flag > env > file > defaults) is handled uniformly.
func initViper(cmd *cobra.Command) error {
	v := viper.GetViper()

	config.SetDefaults(v)
	config.SetupEnv(v)

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return memerr.Wrapf(err, memerr.CodeConfigLoadFailure, "reading config file")
		}
	} else {
		v.SetConfigName("memoria")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/memoria")
		v.AddConfigPath("/etc/memoria")
		// No config file is fine — defaults and env vars still apply.
		// Parse or permission errors must surface.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return memerr.Wrapf(err, memerr.CodeConfigLoadFailure, "reading config")
			}
		}
	}

	if err := v.BindPFlag("data_dir", cmd.Root().PersistentFlags().Lookup("data-dir")); err != nil {
		return memerr.Wrapf(err, memerr.CodeCLISetupFailure, "binding data-dir flag")
	}

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	return nil
}
