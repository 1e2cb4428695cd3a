package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"capy-firmware/pkg/config"
	"capy-firmware/pkg/flash"
	"capy-firmware/pkg/globals"
	"capy-firmware/pkg/logger"
	"capy-firmware/pkg/metrics"
	"capy-firmware/pkg/peripheral"
	"capy-firmware/pkg/power"
	"capy-firmware/pkg/reset"
	"capy-firmware/pkg/state"
	"capy-firmware/pkg/store"
	"capy-firmware/pkg/telemetry"
	"capy-firmware/pkg/ui"
	"capy-firmware/pkg/wifi"
)

const powerPollInterval = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		factoryReset bool
		dataDir      string
	)

	cmd := &cobra.Command{
		Use:          "capyd",
		Short:        "CapyCoder device firmware",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataDir != "" {
				globals.SetDataDir(dataDir)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, factoryReset)
		},
	}
	cmd.Flags().BoolVar(&factoryReset, "factory-reset", false, "erase stored credentials before starting")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "writable data directory (default "+globals.DataDir+")")
	return cmd
}

func run(ctx context.Context, factoryReset bool) error {
	cfg, err := config.Load(globals.SettingsPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ring := logger.NewRing(globals.LogsPath)
	log := logger.New(cfg, globals.FirmwareVersion, ring)
	slog.SetDefault(log)
	log.Info("Starting", "flash", cfg.FlashPath, "iface", cfg.WiFiIface)

	// Boot: flash, then the stored record, then the shared cell.
	dev, created, err := flash.OpenFile(cfg.FlashPath, flash.DefaultImageBytes)
	if err != nil {
		return fmt.Errorf("failed to open flash: %w", err)
	}
	defer dev.Close()
	if created {
		log.Info("new flash image, writing partition table")
		if err := flash.Format(dev); err != nil {
			return fmt.Errorf("failed to format flash: %w", err)
		}
	}
	nvs, err := flash.OpenNVS(dev)
	if err != nil {
		return fmt.Errorf("failed to open nvs partition: %w", err)
	}
	st := store.New(nvs, log)

	configCell := state.NewCell[store.Config]()
	if factoryReset {
		if err := reset.FactoryReset(st, configCell, log); err != nil {
			return err
		}
	} else {
		stored, ok, err := st.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if ok {
			configCell.Set(stored)
		}
	}
	board := state.NewCell[metrics.Dashboard]()

	hci, err := peripheral.NewGoBLE(cfg.BLEDevice, log)
	if err != nil {
		return err
	}
	defer hci.Stop()
	ble := peripheral.New(hci, configCell, st, log)

	radio := wifi.NewLinux(cfg.WiFiIface, globals.WpaSupplicantPath, log)
	manager := wifi.NewManager(radio, configCell, log)

	probe := wifi.IfaceProbe{Name: cfg.WiFiIface}
	ready := func(ctx context.Context) error {
		_, err := wifi.WaitReady(ctx, probe, wifi.DefaultReadyInterval)
		return err
	}
	client := metrics.NewClient(cfg.MetricsBaseURL, cfg.MetricsUser, cfg.MetricsPerPage, globals.FirmwareVersion)
	fetch := metrics.NewLoop(client, configCell, board, ready, cfg.MetricsInterval, log)

	ups, err := power.Open(log)
	if err != nil {
		log.Warn("battery monitoring unavailable", "err", err)
		ups = nil
	}

	screen := ui.NewTask(ui.Sources{
		Config:    configCell,
		Dashboard: board,
		WiFi:      func() string { return manager.State().String() },
		Battery:   ups.Battery,
		Logs:      ring,
	}.Snapshot, ui.TerminalDisplay{W: os.Stderr}, cfg.DisplayWidth, cfg.RenderInterval, log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 1)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Error("fatal error, shutting down", "task", name, "err", err)
			select {
			case errc <- fmt.Errorf("%s: %w", name, err):
			default:
			}
			cancel()
		}()
	}

	start("ble", ble.Run)
	start("wifi", manager.Run)
	start("netdriver", radio.Run)
	start("metrics", fetch.Run)
	start("ui", screen.Run)
	start("power", func(ctx context.Context) error { return ups.Run(ctx, powerPollInterval) })

	if cfg.ResetPin != "" {
		button, err := reset.Open(cfg.ResetPin, st, configCell, log, ble.Forget)
		if err != nil {
			log.Warn("reset button unavailable", "pin", cfg.ResetPin, "err", err)
		} else {
			start("reset", button.Run)
		}
	}

	hostID := telemetry.HostID(ctx)
	pub, err := telemetry.NewPublisher(cfg.TelemetryURL, hostID, log)
	if err != nil {
		log.Warn("telemetry disabled", "err", err)
	} else if pub != nil {
		reporter := telemetry.NewReporter(pub, telemetry.Sources{
			Config:    configCell,
			Dashboard: board,
			WiFi:      manager,
			Power:     ups,
		}, hostID, globals.FirmwareVersion, cfg.TelemetryInterval, log)
		start("telemetry", reporter.Run)
	}

	wg.Wait()
	select {
	case err := <-errc:
		return err
	default:
		log.Info("Stopped")
		return nil
	}
}
