package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"periph.io/x/conn/v3/driver/driverreg"

	"github.com/dhhagan/go-opc/internal/opc"
	"github.com/dhhagan/go-opc/internal/server"
	"github.com/dhhagan/go-opc/internal/transport"
	"github.com/dhhagan/go-opc/web"
)

func main() {
	configPath := flag.String("config", "/etc/opcdash/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated device")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] opcdash starting")

	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Sensor.Transport = "sim"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	// The device must answer firmware negotiation before the dashboard has
	// anything to show, so opening blocks with exponential backoff.
	dev, err := openWithRetry(ctx, cfg, 10)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	defer dev.Close()

	if err := dev.On(); err != nil {
		log.Printf("[main] power on failed: %v", err)
	}
	defer func() {
		if err := dev.Off(); err != nil {
			log.Printf("[main] power off failed: %v", err)
		}
	}()

	log.Printf("[main] device ready: firmware %s (%s)", dev.Firmware(), dev.Generation())

	srv := server.New(cfg, dev, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// openWithRetry opens the transport and negotiates firmware, with
// exponential backoff. Starts at 1s, doubles each attempt up to 60s,
// and keeps retrying at the max interval past maxAttempts.
func openWithRetry(ctx context.Context, cfg *server.Config, maxAttempts int) (*opc.Device, error) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		dev, err := openDevice(cfg)
		if err == nil {
			log.Printf("[main] connected successfully (attempt %d)", attempt+1)
			return dev, nil
		}

		attempt++
		if attempt <= maxAttempts {
			log.Printf("[main] open attempt %d/%d failed: %v (retry in %v)",
				attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[main] open attempt %d failed: %v (retry in %v)",
				attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func openDevice(cfg *server.Config) (*opc.Device, error) {
	t, err := openTransport(cfg.Sensor)
	if err != nil {
		return nil, err
	}

	dev, err := opc.Open(t,
		opc.WithDebug(cfg.Sensor.Debug),
		opc.WithNumberConcentration(cfg.Sensor.NumberConcentration),
	)
	if err != nil {
		t.Close()
		return nil, err
	}
	return dev, nil
}

func openTransport(cfg server.SensorConfig) (transport.Transport, error) {
	switch cfg.Transport {
	case "spi":
		if _, err := driverreg.Init(); err != nil {
			return nil, fmt.Errorf("init host drivers: %w", err)
		}
		return transport.OpenSPI(cfg.SPI)
	case "usbiss":
		return transport.OpenUSBISS(cfg.USBISS)
	case "sim":
		return transport.NewSim(cfg.Sim), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
