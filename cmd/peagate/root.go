package main

import (
	"os"

	"github.com/soypat/peagate/config"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

var (
	configPath string
	logLevel   string
	portName   string
)

var rootCmd = &cobra.Command{
	Use:   "peagate",
	Short: "Modbus RTU and CAN register gateway",
	Long: `peagate serves one register store to a Modbus RTU master and a CAN bus.

The run command starts every engine with a configured device:
  server:  Modbus RTU slave on server.serial.device
  encoder: Modbus RTU master polling a rotary encoder on encoder.serial.device
  can:     SDO/PDO gateway on the SocketCAN interface can.interface

The poll command reads the encoder once and prints its registers.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn or error")
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial device (server for run, encoder for poll)")
	rootCmd.AddCommand(runCmd, pollCmd)
}

// loadConfig reads the configuration file if one was given, applies flag
// overrides and builds the logger.
func loadConfig(cmd *cobra.Command, setPort func(*config.Config, string)) (config.Config, *slog.Logger, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return cfg, nil, err
		}
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("port") {
		setPort(&cfg, portName)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}
