// main.go - Tunnelbroker relay binary.
// Copyright (C) 2026  Katzenpost Developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/tunnelbroker/common"
	"github.com/katzenpost/tunnelbroker/core/log"
	"github.com/katzenpost/tunnelbroker/crypto"
	"github.com/katzenpost/tunnelbroker/device"
	"github.com/katzenpost/tunnelbroker/server"
	"github.com/katzenpost/tunnelbroker/server/config"
	"github.com/katzenpost/tunnelbroker/server/devicedb"
)

const defaultConfigFile = "tunnelbroker.toml"

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "tunnelbroker",
		Short: "Device-to-device encrypted message relay",
		Long: `The tunnelbroker relays opaque, end-to-end encrypted messages between the
registered devices of its users.

Devices open an authenticated session over a websocket, proving possession
of the key they registered with.  Messages for a device without an active
session are queued until it reconnects, or until they expire.`,
		Example: `  # Start the relay with the default configuration file
  tunnelbroker

  # Start the relay with a custom configuration file
  tunnelbroker -f /etc/tunnelbroker/tunnelbroker.toml

  # List the registered devices
  tunnelbroker device list -f /etc/tunnelbroker/tunnelbroker.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configFile)
		},
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "f", defaultConfigFile,
		"path to the relay configuration file (TOML format)")

	cmd.AddCommand(newDeviceCommand(&configFile))
	cmd.AddCommand(newGenKeyCommand())
	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func loadConfig(configFile string) (*config.Config, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", configFile, err)
	}
	return cfg, nil
}

func runServer(configFile string) error {
	// Set the umask to something "paranoid".
	syscall.Umask(0077)

	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		// But only if the user isn't trying to override it.
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	svr, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to spawn server instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the server gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate server logs upon SIGHUP.
	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	// Wait for the server to explode or be terminated.
	svr.Wait()
	return nil
}

// withStorage opens the relay storage for offline administration.
func withStorage(configFile string, fn func(*server.Storage) error) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	logBackend, err := log.New("", "WARNING", false)
	if err != nil {
		return err
	}
	st, err := server.OpenStorage(cfg, logBackend)
	if err != nil {
		return fmt.Errorf("failed to open storage: %v", err)
	}
	defer st.Close()
	return fn(st)
}

func newDeviceCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Manage the device database of a stopped relay",
	}

	var (
		deviceID, userID, deviceType, publicKey string
		update                                  bool
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Register a device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := device.ParseType(deviceType)
			if err != nil {
				return err
			}
			pk, err := hex.DecodeString(strings.TrimSpace(publicKey))
			if err != nil {
				return fmt.Errorf("invalid argument \"%v\" for public key: %v", publicKey, err)
			}
			r := &devicedb.Record{
				Identity:     device.Identity{DeviceID: deviceID, UserID: userID, Type: t},
				PublicKey:    pk,
				RegisteredAt: time.Now().UTC(),
			}
			if err = r.Validate(); err != nil {
				return err
			}
			return withStorage(*configFile, func(st *server.Storage) error {
				if err := st.DeviceDB.Add(r, update); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Registered %v (%v)\n", r.Identity, crypto.Fingerprint(pk))
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&deviceID, "id", "", "device identifier")
	addCmd.Flags().StringVar(&userID, "user", "", "user identifier")
	addCmd.Flags().StringVar(&deviceType, "type", device.Mobile.String(), "device type (keyserver, web or mobile)")
	addCmd.Flags().StringVar(&publicKey, "public-key", "", "hex encoded device public key")
	addCmd.Flags().BoolVar(&update, "update", false, "replace an existing registration")
	for _, f := range []string{"id", "user", "public-key"} {
		_ = addCmd.MarkFlagRequired(f)
	}

	removeCmd := &cobra.Command{
		Use:   "remove <device-id>",
		Short: "Deregister a device and discard its queued messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(*configFile, func(st *server.Storage) error {
				if err := st.DeviceDB.Remove(args[0]); err != nil {
					return err
				}
				if st.Spool != nil {
					if err := st.Spool.Purge(args[0]); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %v\n", args[0])
				return nil
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the registered devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(*configFile, func(st *server.Storage) error {
				w := cmd.OutOrStdout()
				return st.DeviceDB.ForEach(func(r *devicedb.Record) error {
					_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						r.Identity.DeviceID,
						r.Identity.UserID,
						r.Identity.Type,
						crypto.Fingerprint(r.PublicKey),
						r.RegisteredAt.Format(time.RFC3339))
					return err
				})
			})
		},
	}

	cmd.AddCommand(addCmd, removeCmd, listCmd)
	return cmd
}

func newGenKeyCommand() *cobra.Command {
	var schemeName, out string

	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate a device key pair",
		Long: `Generate a device key pair.  The hex encoded private key is written to the
output file, and the hex encoded public key is printed for use with
"device add".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scheme, err := crypto.NewScheme(schemeName)
			if err != nil {
				return fmt.Errorf("invalid argument \"%v\" for scheme: %v", schemeName, err)
			}
			signer, err := scheme.GenerateSigner()
			if err != nil {
				return err
			}
			sk, err := signer.PrivateKey()
			if err != nil {
				return err
			}
			if _, err = os.Stat(out); err == nil {
				return errors.New("refusing to overwrite " + out)
			}
			if err = os.WriteFile(out, []byte(hex.EncodeToString(sk)+"\n"), 0600); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(signer.PublicKey()))
			return nil
		},
	}
	cmd.Flags().StringVar(&schemeName, "scheme", crypto.DefaultSchemeName, "signature scheme")
	cmd.Flags().StringVarP(&out, "out", "o", "device.key", "private key output file")
	return cmd
}
