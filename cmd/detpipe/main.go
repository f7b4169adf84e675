// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// detpipe trains object detection models on datasets of an annotation registry, tracks the experiments and
// publishes the trained models. It also splits local datasets, runs inference and reports on training runs.
//
// See `detpipe --help` for the commands.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gomlx/detpipe/internal/config"
	"github.com/gomlx/detpipe/pkg/registry"
	"github.com/gomlx/detpipe/pkg/registry/client"
	"github.com/gomlx/detpipe/pkg/registry/localstore"
	"github.com/knadh/koanf/providers/file"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

// app holds the global flags, and the mapping of flags to configuration keys.
type app struct {
	configFile string
	envFile    string
	settings   string

	// flagKeys maps flags to the configuration key they override, when set.
	flagKeys map[*pflag.Flag]string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newApp().rootCommand().ExecuteContext(ctx)
	stop()
	klog.Flush()
	if err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func newApp() *app {
	return &app{flagKeys: make(map[*pflag.Flag]string)}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "detpipe",
		Short:         "Object detection training pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	goFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(goFlags)
	root.PersistentFlags().AddGoFlagSet(goFlags)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "",
		"YAML configuration file. Default is "+config.DefaultFile+" if it exists.")
	flags.StringVar(&a.envFile, "env-file", "",
		"File with environment variables. Default is "+config.DefaultEnvFile+" if it exists.")
	flags.StringVar(&a.settings, "set", "",
		"Configuration settings separated by \";\", e.g. \"train.epochs=50;split.seed=7\". "+
			"Use \"file:<path>\" to read settings from a file.")
	flags.Bool("offline", false, "Use the local store instead of the registry service.")
	flags.String("store", "", "Directory of the local store used in offline mode.")
	flags.Bool("progress", true, "Display progress bars.")
	a.bind(flags, "offline", "offline")
	a.bind(flags, "store", "store.dir")
	a.bind(flags, "progress", "progress")

	root.AddCommand(a.trainCommand(), a.splitCommand(), a.inferCommand(), a.reportCommand(),
		a.registerCommand(), a.modelCommand(), a.configCommand())
	return root
}

// bind the flag to a configuration key: its value overrides the configuration if the flag is set.
func (a *app) bind(flags *pflag.FlagSet, flagName, key string) {
	a.flagKeys[flags.Lookup(flagName)] = key
}

// loadConfig loads the configuration, with the flags set in the command line overriding it.
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	overrides, err := config.ParseSettings(a.settings)
	if err != nil {
		return nil, err
	}
	loader := &config.Loader{EnvFile: a.envFile, Overrides: overrides}
	if a.configFile != "" {
		loader.File = file.Provider(a.configFile)
	}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if key, found := a.flagKeys[f]; found {
			loader.Overrides[key] = f.Value.String()
		}
	})
	return loader.Load()
}

// openService connects to the registry, or opens the local store in offline mode.
// The returned function releases the service.
func openService(cfg *config.Config) (registry.Service, func(), error) {
	if cfg.Offline {
		store, err := localstore.Open(cfg.Store.Dir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	svc, err := client.New(cfg.ClientConfig())
	if err != nil {
		return nil, nil, err
	}
	return svc, func() {}, nil
}

// openStore opens the local store, for the commands that only work offline.
func openStore(cfg *config.Config) (*localstore.Store, error) {
	if !cfg.Offline {
		return nil, errors.New("this command only works with the local store, use --offline")
	}
	return localstore.Open(cfg.Store.Dir)
}
