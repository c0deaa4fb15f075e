package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"valx.pw/shroud/internal/config"
	"valx.pw/shroud/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:          "shroud",
	Short:        "PSK tunnel that dresses its handshake up as HTTP",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("log-level", "debug", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text or json")

	rootCmd.AddCommand(serverCmd, clientCmd, genpskCmd)
}

// bindFlags returns a viper instance with the persistent flags and the
// given command flags bound to their config keys.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) *viper.Viper {
	v := config.NewViper()
	_ = v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	for key, flag := range keys {
		_ = v.BindPFlag(key, fs.Lookup(flag))
	}
	return v
}

func newLogger(c config.Log) (*logrus.Logger, error) {
	return logging.New(os.Stderr, c.Level, c.Format)
}

// waitForSignal blocks until SIGINT or SIGTERM and then runs stop.
func waitForSignal(logger *logrus.Logger, stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)

	logger.WithField("signal", sig.String()).Info("Shutting down")
	stop()
}
