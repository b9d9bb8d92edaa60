// Copyright © 2024 The Remchan Authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/remchan/remchan/pkg/daemon"
)

var (
	log        *logrus.Logger
	disableTLS bool
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the remchand server",
	Run:   runServer,
}

func init() {
	RootCmd.AddCommand(startCmd)

	startCmd.Flags().StringP("bind", "b", "127.0.0.1:7620", "Bind the server to host:port. Leave host empty to bind to all interfaces.")
	viper.BindPFlag("server.bind", startCmd.Flags().Lookup("bind"))
	startCmd.Flags().IntP("heartbeat-interval", "t", 30, "How often the control channel's heartbeat event fires in seconds (0 disables)")
	viper.BindPFlag("server.heartbeatInterval", startCmd.Flags().Lookup("heartbeat-interval"))
	startCmd.Flags().BoolVarP(&disableTLS, "disable-tls", "d", false, "Overrides config option to enable TLS")

	viper.SetDefault("server.statsPassword", "")
	viper.SetDefault("tls.useTls", false)
}

func runServer(cmd *cobra.Command, args []string) {
	log = logrus.New()
	log.Out = os.Stderr
	log.Formatter = new(logrus.TextFormatter)
	log.Level = logrus.DebugLevel

	d := &daemon.Daemon{
		HeartbeatInterval: viper.GetDuration("server.heartbeatInterval") * time.Second,
		StatsPassword:     viper.GetString("server.statsPassword"),
		Log:               log,
	}

	bindAddr := viper.GetString("server.bind")
	certFile := os.ExpandEnv(viper.GetString("tls.certFile"))
	keyFile := os.ExpandEnv(viper.GetString("tls.keyFile"))
	useTLS := viper.GetBool("tls.useTls")

	log.Info("Starting remchand")
	if useTLS && !disableTLS {
		log.Fatal(d.ListenAndServeTLS(bindAddr, certFile, keyFile))
	} else {
		log.Fatal(d.ListenAndServe(bindAddr))
	}
}
