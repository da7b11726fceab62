// Command gdbrsp-probe is a one-shot diagnostic harness for the Core:
// connect, negotiate capabilities, run exactly one command, print the
// classified result, and exit. It is deliberately not a REPL or a
// scripting host — that surface belongs to the external DbgEng/EXDI
// façade this repository's Core plugs into.
//
// Flag handling follows go-ublk/cmd/ublk-mem's single-binary pattern,
// adapted from the stdlib flag package to cobra/pflag so subcommands
// (monitor, read-memory, registers) can grow without a flag-set per verb.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/microsoft/exdi-gdbrsp-core/internal/config"
	"github.com/microsoft/exdi-gdbrsp-core/internal/controller"
	"github.com/microsoft/exdi-gdbrsp-core/internal/logging"
	"github.com/microsoft/exdi-gdbrsp-core/internal/rspclient"
)

var (
	flagTarget        string
	flagArch          string
	flagVerbose       bool
	flagNoAck         bool
	flagTargetXML     string
	flagConnectRetry  int
	flagPacketLength  int
)

func main() {
	root := &cobra.Command{
		Use:   "gdbrsp-probe",
		Short: "One-shot GDB RSP diagnostic probe",
	}
	root.PersistentFlags().StringVar(&flagTarget, "target", "localhost:7333", "host:port of the GDB-server-side core")
	root.PersistentFlags().StringVar(&flagArch, "arch", "arm64", "target architecture: x86, x86-64, arm32, arm64")
	root.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "log every RSP packet exchanged")
	root.PersistentFlags().BoolVar(&flagNoAck, "no-ack", false, "request No-Ack mode even if the server doesn't advertise it")
	root.PersistentFlags().StringVar(&flagTargetXML, "target-xml", "", "target-description file name to fetch via qXfer:features:read")
	root.PersistentFlags().IntVar(&flagConnectRetry, "connect-attempts", 3, "connection retry budget")
	root.PersistentFlags().IntVar(&flagPacketLength, "packet-length", 2048, "initial packet length before negotiation")

	root.AddCommand(
		newNegotiateCmd(),
		newMonitorCmd(),
		newReadMemoryCmd(),
		newRegistersCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildConfig() (config.Snapshot, error) {
	cfg := config.Default()
	cfg.CoreConnections = []string{flagTarget}
	cfg.ConnectAttempts = flagConnectRetry
	cfg.MaxPacketLength = flagPacketLength
	cfg.DisplayCommPackets = flagVerbose
	cfg.NoAckEnabledByConfig = flagNoAck
	cfg.TargetDescriptionFile = flagTargetXML

	switch flagArch {
	case "x86":
		cfg.TargetArchitecture = config.ArchX86
	case "x86-64":
		cfg.TargetArchitecture = config.ArchX64
	case "arm32":
		cfg.TargetArchitecture = config.ArchARM32
	case "arm64":
		cfg.TargetArchitecture = config.ArchARM64
	default:
		return cfg, fmt.Errorf("unrecognised architecture %q", flagArch)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func connectAndNegotiate() (*controller.Controller, error) {
	cfg, err := buildConfig()
	if err != nil {
		return nil, err
	}
	logCfg := logging.DefaultConfig()
	if flagVerbose {
		logCfg.Level = logrus.DebugLevel
	}
	log := logging.New(logCfg)

	client := rspclient.New(cfg, log)
	ctl := controller.New(cfg, client, log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctl.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := ctl.Negotiate(); err != nil {
		return nil, fmt.Errorf("negotiate: %w", err)
	}
	return ctl, nil
}

func newNegotiateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "negotiate",
		Short: "Connect, negotiate capabilities, print the resulting table, and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := connectAndNegotiate()
			if err != nil {
				return err
			}
			for _, snap := range ctl.CapabilityTable().Snapshot() {
				fmt.Printf("%-28s enabled=%-5v value=0x%x\n", snap.Name, snap.Enabled, snap.Value)
			}
			fmt.Println("state:", ctl.State())
			return nil
		},
	}
}

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor [command text]",
		Short: "Negotiate, then send one monitor command and print the decoded reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := connectAndNegotiate()
			if err != nil {
				return err
			}
			text := args[0]
			for _, a := range args[1:] {
				text += " " + a
			}
			out, err := ctl.Monitor(0, text)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}

var (
	flagMemAddress string
	flagMemSize    int
)

func newReadMemoryCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "read-memory",
		Short: "Negotiate, then read a chunk of target memory and print it as hex",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := connectAndNegotiate()
			if err != nil {
				return err
			}
			addr, err := strconv.ParseUint(flagMemAddress, 0, 64)
			if err != nil {
				return fmt.Errorf("invalid --address: %w", err)
			}
			data, err := ctl.ReadMemory(0, controller.MemoryClassDefault, addr, flagMemSize)
			if err != nil {
				return err
			}
			fmt.Printf("% x\n", data)
			return nil
		},
	}
	c.Flags().StringVar(&flagMemAddress, "address", "0x0", "address to read from")
	c.Flags().IntVar(&flagMemSize, "size", 64, "number of bytes to read")
	return c
}

func newRegistersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "registers",
		Short: "Negotiate, then dump the core register group",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := connectAndNegotiate()
			if err != nil {
				return err
			}
			regs, err := ctl.ReadAllRegisters(0, "")
			if err != nil {
				return err
			}
			for _, d := range ctl.Model().CoreGroup {
				fmt.Printf("%-8s = 0x%x\n", d.Name, regs[d.Name])
			}
			return nil
		},
	}
}
