package cmd

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/logbus/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// Used for flags.
	cfgFile string

	v = config.NewViper()

	rootCmd = &cobra.Command{
		Use:   "logbus",
		Short: "Broadcast build output events to console, file and log listeners",
		Long:  ``,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, hclog.Logger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}

	L := hclog.New(&hclog.LoggerOptions{
		Name:   "logbus",
		Level:  hclog.LevelFromString(cfg.LogLevel),
		Output: os.Stderr,
	})

	return cfg, L, nil
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()

	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.logbus.yaml)")
	flags.String("log-level", "warn", "level for logbus' own diagnostics")
	flags.Bool("async", false, "deliver to each listener from its own goroutine")
	flags.Int("queue-size", 256, "per listener queue size in async mode")
	flags.Int("max-failures", 0, "evict a listener after this many failures in a row (0 never evicts)")
	flags.String("metrics-addr", "", "serve prometheus metrics on this address")

	bindFlags(flags, map[string]string{
		"log_level":           "log-level",
		"bus.async":           "async",
		"bus.queue_size":      "queue-size",
		"bus.max_failures":    "max-failures",
		"metrics.listen_addr": "metrics-addr",
	})

	rootCmd.AddCommand(pipeCmd)
	rootCmd.AddCommand(versionCmd)
}

// bindFlags maps config keys onto flags so a flag given on the command line
// overrides the config file and environment.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		err := v.BindPFlag(key, fs.Lookup(name))
		if err != nil {
			panic(err)
		}
	}
}

func er(msg interface{}) {
	fmt.Println("Error:", msg)
	os.Exit(1)
}

func initConfig() {
	found, err := config.FindConfigFile(v, cfgFile)
	if err != nil {
		er(err)
	}

	if found {
		fmt.Fprintln(os.Stderr, "Using config file:", v.ConfigFileUsed())
	}
}
