package main

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"valx.pw/shroud/internal/client"
	"valx.pw/shroud/internal/config"
)

const defaultTimeout = 10 * time.Second

var clientCmd = &cobra.Command{
	Use:     "client",
	Aliases: []string{"c"},
	Short:   "Run the local SOCKS5 proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runClient(cmd)
	},
}

func init() {
	fs := clientCmd.Flags()
	fs.StringP("listen", "l", "0.0.0.0:1080", "SOCKS5 listen address")
	fs.StringP("upstream", "u", "127.0.0.1:8080", "tunnel server address")
	fs.StringP("psk", "k", "psk", "pre-shared key file")
	fs.String("header", "", "fake request header file, built-in when empty")
	fs.Duration("handshake-timeout", defaultTimeout, "handshake deadline")
	fs.Duration("dial-timeout", defaultTimeout, "server dial timeout")
}

func runClient(cmd *cobra.Command) error {
	v := bindFlags(cmd.Flags(), map[string]string{
		"listen":           "listen",
		"upstream":         "upstream",
		"psk":              "psk",
		"header":           "header",
		"handshakeTimeout": "handshake-timeout",
		"dialTimeout":      "dial-timeout",
	})

	var cfg config.Client
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
	c, err := client.New(opts)
	if err != nil {
		return err
	}
	c.SetLogger(logger)

	if err := c.Start(); err != nil {
		return err
	}

	waitForSignal(logger, c.Stop)
	st := c.Stats()
	logger.WithFields(logrus.Fields{
		"accepted":    st.Accepted,
		"established": st.Established,
		"failed":      st.Failed,
	}).Info("Client exited")
	return nil
}
