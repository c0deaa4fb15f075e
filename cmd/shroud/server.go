package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"valx.pw/shroud/internal/config"
	"valx.pw/shroud/internal/server"
)

var serverCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"s"},
	Short:   "Run the tunnel server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd)
	},
}

func init() {
	fs := serverCmd.Flags()
	fs.StringP("listen", "l", "0.0.0.0:8080", "listen address")
	fs.StringP("psk", "k", "psk", "pre-shared key file")
	fs.String("header", "", "fake response header file, built-in when empty")
	fs.Duration("handshake-timeout", defaultTimeout, "handshake deadline")
	fs.Duration("dial-timeout", defaultTimeout, "upstream dial timeout")
	fs.String("resolver", "", "DNS server for upstream hosts, system resolver when empty")
	fs.Float64("rate-limit", 0, "handshakes per second per source IP, 0 disables")
	fs.Int("rate-burst", 8, "handshake burst per source IP")
}

func runServer(cmd *cobra.Command) error {
	v := bindFlags(cmd.Flags(), map[string]string{
		"listen":           "listen",
		"psk":              "psk",
		"header":           "header",
		"handshakeTimeout": "handshake-timeout",
		"dialTimeout":      "dial-timeout",
		"resolver":         "resolver",
		"rateLimit":        "rate-limit",
		"rateBurst":        "rate-burst",
	})

	var cfg config.Server
	if err := config.Load(v, &cfg); err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	s, err := server.New(opts)
	if err != nil {
		return err
	}
	s.SetLogger(logger)

	if err := s.Listen(); err != nil {
		return err
	}
	go func() {
		if err := s.Serve(); err != nil {
			logger.WithError(err).Fatal("Server terminated")
		}
	}()

	waitForSignal(logger, s.Stop)
	st := s.Stats()
	logger.WithFields(logrus.Fields{
		"accepted":    st.Accepted,
		"established": st.Established,
		"failed":      st.Failed,
	}).Info("Server exited")
	return nil
}
