package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/soypat/peagate/config"
	"github.com/soypat/peagate/encoder"
	"github.com/soypat/peagate/modbusrtu"
	"github.com/soypat/peagate/rs485"
	"github.com/spf13/cobra"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Read the encoder once and print its registers",
	RunE:  pollOnce,
}

func pollOnce(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd, func(c *config.Config, port string) { c.Encoder.Serial.Device = port })
	if err != nil {
		return err
	}
	if cfg.Encoder.Serial.Device == "" {
		return errors.New("no encoder device: set encoder.serial.device or --port")
	}
	link, err := rs485.Open(cfg.Encoder.Serial)
	if err != nil {
		return err
	}
	defer link.Close()
	client := modbusrtu.NewClient(link, modbusrtu.ClientConfig{Timeout: cfg.Encoder.Timeout, Logger: log})
	p := encoder.NewPoller(client, encoder.Config{NodeID: cfg.Encoder.NodeID, Slave: cfg.Encoder.Slave, Logger: log})
	return printEncoder(cmd.Context(), cmd.OutOrStdout(), p)
}

func printEncoder(ctx context.Context, w io.Writer, p *encoder.Poller) error {
	meas, err := p.Measure(ctx)
	if err != nil {
		return err
	}
	zp, err := p.ZeroPoint(ctx)
	if err != nil {
		return err
	}
	sd, err := p.ShaftDiameter(ctx)
	if err != nil {
		return err
	}
	id, err := p.ReadNodeID(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "encoder at address %d\n", p.NodeID())
	fmt.Fprintf(w, "  rotation angle      %d (frac %d)\n", meas[encoder.RotationAngle], meas[encoder.RotationAngleFrac])
	fmt.Fprintf(w, "  current counter     %d\n", meas[encoder.CurrentCounter])
	fmt.Fprintf(w, "  linear speed        %d\n", meas[encoder.LinearSpeed])
	fmt.Fprintf(w, "  rotation frequency  %d\n", meas[encoder.RotationFrequency])
	fmt.Fprintf(w, "  zero point          %d\n", zp)
	fmt.Fprintf(w, "  shaft diameter      %d\n", sd)
	fmt.Fprintf(w, "  node id register    %d\n", id)
	return nil
}
