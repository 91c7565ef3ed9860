package main

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soypat/peagate"
	"github.com/soypat/peagate/canbus"
	"github.com/soypat/peagate/canopen"
	"github.com/soypat/peagate/config"
	"github.com/soypat/peagate/encoder"
	"github.com/soypat/peagate/modbusrtu"
	"github.com/soypat/peagate/rs485"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

// Register layout shared by the engines.
const (
	// telemetryInput holds the 5 encoder measurements in Poller.Update order.
	telemetryInput = 0
	// desiredHolding holds zero point, shaft diameter and node id for the encoder.
	desiredHolding = 0
	// rpdoHolding holds RPDO n in the 4 registers from rpdoHolding+4n.
	rpdoHolding = 16
	// tpdoInputs input registers from 0 are published as TPDO0.
	tpdoInputs = 4
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Modbus server, encoder poller and CAN gateway",
	RunE:  runGateway,
}

func runGateway(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd, func(c *config.Config, port string) { c.Server.Serial.Device = port })
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := peagate.NewStore(cfg.Capacity)
	g, ctx := errgroup.WithContext(ctx)
	engines := 0

	if cfg.Server.Serial.Device != "" {
		link, err := rs485.Open(cfg.Server.Serial)
		if err != nil {
			return err
		}
		defer link.Close()
		srv := modbusrtu.NewServer(link, modbusrtu.ServerConfig{Store: store, Logger: log.With("engine", "server")})
		g.Go(func() error { return serveModbus(ctx, srv, cfg.Server.NodeID, log) })
		engines++
	}

	if cfg.Encoder.Serial.Device != "" {
		link, err := rs485.Open(cfg.Encoder.Serial)
		if err != nil {
			return err
		}
		defer link.Close()
		elog := log.With("engine", "encoder")
		client := modbusrtu.NewClient(link, modbusrtu.ClientConfig{Timeout: cfg.Encoder.Timeout, Logger: elog})
		poller := encoder.NewPoller(client, encoder.Config{NodeID: cfg.Encoder.NodeID, Slave: cfg.Encoder.Slave, Logger: elog})
		g.Go(func() error { return pollEncoder(ctx, poller, store, cfg.Encoder.Period, elog) })
		engines++
	}

	if cfg.CAN.Interface != "" {
		bus, err := canbus.OpenSocketCAN(cfg.CAN.Interface)
		if err != nil {
			return err
		}
		defer bus.Close()
		clog := log.With("engine", "can")
		tpdo := make(chan canopen.TPDO, 8)
		gw := canopen.NewGateway(canbus.NewLoggedBus(bus, clog, config.LevelTrace), canopen.GatewayConfig{
			NodeID: cfg.CAN.NodeID,
			Store:  store,
			TPDO:   tpdo,
			Logger: clog,
		})
		defer gw.Close()
		g.Go(func() error { return relayCAN(ctx, gw, store, clog) })
		if cfg.CAN.TPDOPeriod > 0 {
			g.Go(func() error { return publishTPDO(ctx, store, tpdo, cfg.CAN.TPDOPeriod, clog) })
		}
		engines++
	}

	if engines == 0 {
		return errors.New("nothing to run: configure server.serial.device, encoder.serial.device or can.interface")
	}
	log.Info("peagate running", slog.Int("engines", engines))
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveModbus answers Modbus requests until ctx is done. Malformed frames are
// logged and dropped.
func serveModbus(ctx context.Context, srv *modbusrtu.Server, nodeID uint8, log *slog.Logger) error {
	for {
		err := srv.Update(ctx, nodeID)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, modbusrtu.ErrProcess):
			log.Debug("modbus frame dropped", slog.String("err", err.Error()))
		case err != nil:
			return err
		}
	}
}

// pollEncoder runs one encoder cycle every period. Failed cycles are logged and
// retried on the next tick.
func pollEncoder(ctx context.Context, p *encoder.Poller, store *peagate.Store, period time.Duration, log *slog.Logger) error {
	tick := time.NewTicker(period)
	defer tick.Stop()
	for {
		meas, err := p.Update(ctx, desiredFromStore(store))
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.Warn("encoder poll failed", slog.String("err", err.Error()))
		default:
			if err := storeTelemetry(store, meas); err != nil {
				log.Error("encoder telemetry not stored", slog.String("err", err.Error()))
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func desiredFromStore(store *peagate.Store) (want encoder.Desired) {
	store.View(func(dm peagate.DataModel) error {
		want.ZeroPoint, _ = dm.GetHoldingRegister(desiredHolding)
		want.ShaftDiameter, _ = dm.GetHoldingRegister(desiredHolding + 1)
		want.NodeID, _ = dm.GetHoldingRegister(desiredHolding + 2)
		return nil
	})
	return want
}

func storeTelemetry(store *peagate.Store, meas [5]uint16) error {
	return store.Update(func(dm peagate.DataModel) error {
		for i, v := range meas {
			if exc := dm.SetInputRegister(telemetryInput+i, v); exc != peagate.ExceptionNone {
				return exc
			}
		}
		return nil
	})
}

// relayCAN services the CAN gateway until ctx is done and stores received RPDOs.
func relayCAN(ctx context.Context, gw *canopen.Gateway, store *peagate.Store, log *slog.Logger) error {
	for {
		rpdo, err := gw.Update(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, canopen.ErrIncorrectDataLength):
			log.Warn("RPDO dropped", slog.String("err", err.Error()))
		case err != nil:
			return err
		case rpdo != nil:
			if err := storeRPDO(store, *rpdo); err != nil {
				log.Error("RPDO not stored", slog.Int("pdo", int(rpdo.Number)), slog.String("err", err.Error()))
			}
		}
	}
}

func storeRPDO(store *peagate.Store, p canopen.RPDO) error {
	base := rpdoHolding + 4*int(p.Number)
	return store.Update(func(dm peagate.DataModel) error {
		for i := 0; i < 4; i++ {
			v := binary.BigEndian.Uint16(p.Data[2*i:])
			if exc := dm.SetHoldingRegister(base+i, v); exc != peagate.ExceptionNone {
				return exc
			}
		}
		return nil
	})
}

// publishTPDO queues the first input registers as TPDO0 every period.
func publishTPDO(ctx context.Context, store *peagate.Store, out chan<- canopen.TPDO, period time.Duration, log *slog.Logger) error {
	tick := time.NewTicker(period)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
		p, err := tpdoFromStore(store)
		if err != nil {
			log.Error("TPDO0 not built", slog.String("err", err.Error()))
			continue
		}
		select {
		case out <- p:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func tpdoFromStore(store *peagate.Store) (canopen.TPDO, error) {
	var data [2 * tpdoInputs]byte
	err := store.View(func(dm peagate.DataModel) error {
		for i := 0; i < tpdoInputs; i++ {
			v, exc := dm.GetInputRegister(i)
			if exc != peagate.ExceptionNone {
				return exc
			}
			binary.BigEndian.PutUint16(data[2*i:], v)
		}
		return nil
	})
	if err != nil {
		return canopen.TPDO{}, err
	}
	return canopen.NewTPDO(0, data[:])
}
