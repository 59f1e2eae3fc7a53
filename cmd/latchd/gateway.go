package main

import (
	"context"
	"fmt"
	"net"
	"strings"

	"head-restraint-go/pkg/config"
	"head-restraint-go/pkg/errors"
	"head-restraint-go/pkg/gateway"
	"head-restraint-go/pkg/gateway/bridge"
	"head-restraint-go/pkg/gateway/sim"
	"head-restraint-go/pkg/latch"
	"head-restraint-go/pkg/log"
	"head-restraint-go/pkg/metrics"
	"head-restraint-go/pkg/serial"
)

// unixPrefix marks a bridge device that is a Unix socket, such as the one
// served by mock-bridge.
const unixPrefix = "unix:"

// link is an open gateway together with what latchd needs to run it.
type link struct {
	hub gateway.Hub

	// start runs once every channel is open.
	start func(ctx context.Context)

	// done is closed when the gateway can no longer deliver events. It is
	// nil for gateways that cannot fail.
	done <-chan struct{}
	err  func() error
}

// openGateway builds the hub selected by cfg.
func openGateway(cfg *config.Config, logger *log.Logger, lm *metrics.LatchMetrics) (*link, error) {
	switch cfg.Gateway.Kind {
	case config.GatewaySim:
		return openSim(cfg, logger), nil
	case config.GatewayBridge:
		return openBridge(cfg, logger, lm)
	default:
		return nil, errors.New(errors.ErrConfig, "unknown gateway kind "+cfg.Gateway.Kind)
	}
}

func openSim(cfg *config.Config, logger *log.Logger) *link {
	hub := sim.New(logger.WithPrefix("sim"))
	period := cfg.Gateway.SimPeriod
	return &link{
		hub: hub,
		start: func(ctx context.Context) {
			for _, pair := range [][2]string{
				{config.LeftStepper, config.LeftHomeSwitch},
				{config.RightStepper, config.RightHomeSwitch},
			} {
				if err := hub.LinkHomeSwitch(pair[0], pair[1], 0); err != nil {
					logger.WithError(err).Warn("link home switch")
				}
			}
			hub.AttachAll()
			go hub.Run(ctx, period)
		},
	}
}

func openBridge(cfg *config.Config, logger *log.Logger, lm *metrics.LatchMetrics) (*link, error) {
	gc := cfg.Gateway
	var hub *bridge.Hub

	if strings.HasPrefix(gc.Device, unixPrefix) {
		conn, err := net.Dial("unix", strings.TrimPrefix(gc.Device, unixPrefix))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrGateway, "dial bridge socket")
		}
		hub = bridge.New(conn, logger)
	} else {
		device := gc.Device
		if device == "" {
			found, err := serial.FindBySerial(gc.HubSerialNumber)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrGateway, "locate bridge")
			}
			device = found
		}
		port, err := serial.Open(serial.Config{
			Device:      device,
			BaudRate:    gc.BaudRate,
			ReadTimeout: gc.ReadTimeout,
			Backend:     serial.Backend(gc.Backend),
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrGateway, "open "+device)
		}
		hub = bridge.New(port, logger)
		logger.Info("bridge on %s", device)
	}
	hub.OnError(func(op string, err error) {
		lm.GatewayError(op)
	})
	hub.Start()
	return &link{
		hub:   hub,
		start: func(context.Context) {},
		done:  hub.Done(),
		err:   hub.Err,
	}, nil
}

// openChannels opens every configured channel on hub.
func openChannels(hub gateway.Hub, channels map[string]gateway.Identity) (latch.Channels, error) {
	var (
		ch  latch.Channels
		err error
	)
	stepper := func(name string) gateway.Stepper {
		if err != nil {
			return nil
		}
		var s gateway.Stepper
		s, err = hub.OpenStepper(name, channels[name])
		return s
	}
	input := func(name string) gateway.DigitalInput {
		if err != nil {
			return nil
		}
		var d gateway.DigitalInput
		d, err = hub.OpenDigitalInput(name, channels[name])
		return d
	}

	ch.LeftStepper = stepper(config.LeftStepper)
	ch.LeftHome = input(config.LeftHomeSwitch)
	ch.RightStepper = stepper(config.RightStepper)
	ch.RightHome = input(config.RightHomeSwitch)
	ch.HeadBarSwitch = input(config.HeadBarSwitch)
	ch.ReleaseSwitch = input(config.ReleaseSwitch)
	if err == nil {
		ch.ForceSensor, err = hub.OpenVoltageRatioInput(config.ForceSensor, channels[config.ForceSensor])
	}
	if err != nil {
		return latch.Channels{}, fmt.Errorf("open channels: %w", err)
	}
	return ch, nil
}
