// Copyright © 2024 The Remchan Authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/howeyc/gopass"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/remchan/remchan/pkg/control"
	"github.com/remchan/remchan/pkg/ipc"
	"github.com/remchan/remchan/pkg/transport"
)

var (
	statsPort              string
	skipTLSVerification    bool
	statsServerCertificate string
	statsPassword          string
	promptForPassword      bool
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats [host]",
	Short: "Print stats from a remchand server",
	Long: `stats queries a remchand server for running stats
over the built-in control channel.

If the host is omitted, the local remchand server will be queried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		host := "127.0.0.1"
		if len(args) > 0 {
			host = args[0]
			if disableTLS {
				fmt.Fprintln(os.Stderr, "Warning: TLS is disabled. All traffic including your stats password will be sent in the clear.")
			} else if skipTLSVerification {
				fmt.Fprintln(os.Stderr, "Warning: skipping TLS verification is insecure.")
			}
		} else {
			// Use the options from the local server's configuration.
			if _, port, err := net.SplitHostPort(viper.GetString("server.bind")); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: cannot determine local server port from config; using \"%s\"\n", statsPort)
			} else {
				statsPort = port
			}
			disableTLS = !viper.GetBool("tls.useTls")
			skipTLSVerification = true
			statsPassword = viper.GetString("server.statsPassword")
			if !disableTLS {
				fmt.Fprintln(os.Stderr, "Skipping TLS verification for local server query")
			}
		}
		return getStats(host)
	},
}

func init() {
	RootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVarP(&statsPort, "port", "P", "7620", "port of the server to query stats for")
	statsCmd.Flags().BoolVarP(&disableTLS, "disable-tls", "d", false, "disable connecting over TLS")
	statsCmd.Flags().BoolVarP(&skipTLSVerification, "no-tls-verify", "n", false, "skip TLS verification\n    This is insecure, an attacker can get your password, and you should only use this for testing")
	statsCmd.Flags().StringVarP(&statsServerCertificate, "server-certificate", "s", "", "file containing the PEM encoded certificate to use for server verification, instead of the system's certificate store")
	statsCmd.Flags().BoolVarP(&promptForPassword, "prompt-for-password", "p", false, "prompt for the server's stats password\n    If unset, the password is the same as the local server's.")

	viper.SetDefault("server.statsPassword", "")
}

func getStats(statsHost string) error {
	if promptForPassword {
		fmt.Printf("Password: ")
		pass, err := gopass.GetPasswd()
		if err != nil {
			return err
		}
		statsPassword = string(pass)
	}

	if statsPassword == "" {
		statsPassword = os.Getenv("REMCHAND_STATS_PASSWORD")
	}

	var conn net.Conn
	var err error
	statsAddr := net.JoinHostPort(statsHost, statsPort)
	if disableTLS {
		conn, err = net.Dial("tcp", statsAddr)
	} else {
		var certPool *x509.CertPool
		if statsServerCertificate != "" {
			cert, err := os.ReadFile(statsServerCertificate)
			if err != nil {
				return errors.Wrap(err, "Open server certificate")
			}
			certPool = x509.NewCertPool()
			certPool.AppendCertsFromPEM(cert)
		}

		conn, err = tls.Dial("tcp", statsAddr, &tls.Config{
			InsecureSkipVerify: skipTLSVerification,
			RootCAs:            certPool,
		})
	}
	if err != nil {
		return errors.Wrap(err, "Connect to remchand server")
	}
	defer conn.Close()

	quiet := logrus.New()
	quiet.Out = os.Stderr
	quiet.Level = logrus.ErrorLevel

	t := transport.NewConnTransport(conn, quiet)
	client := ipc.NewIPCClient(t, uuid.NewString(), quiet)
	defer client.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := client.GetChannel(control.ChannelName).Call(ctx, "stats", map[string]interface{}{
		"password": statsPassword,
	}, nil)
	if err != nil {
		return errors.Wrap(err, "Get stats from server")
	}
	stats, err := control.DecodeStats(result)
	if err != nil {
		return err
	}

	// Don't display the default port in the output.
	friendlyAddr := statsHost
	if statsPort != "7620" {
		friendlyAddr = statsAddr
	}
	fmt.Printf(`Stats for %s:
Uptime: %s
Connections: %d now, %d max on %s, %d total
Channels served: %d
`, friendlyAddr, stats.Uptime,
		stats.NumConnections, stats.MaxConnections, stats.MaxConnectionsTime,
		stats.TotalConnections, stats.NumChannels)
	return nil
}
