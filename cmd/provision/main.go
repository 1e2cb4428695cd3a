// Command capyprov provisions a CapyCoder over BLE from a desktop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"capy-firmware/pkg/blesim"
	"capy-firmware/pkg/central"
	"capy-firmware/pkg/flash"
	"capy-firmware/pkg/peripheral"
	"capy-firmware/pkg/state"
	"capy-firmware/pkg/store"
)

type options struct {
	demo    bool
	verbose bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "capyprov",
		Short:        "Send Wi-Fi credentials and a GitHub token to a CapyCoder",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVar(&opts.demo, "demo", false, "provision a simulated device instead of real hardware")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newScanCmd(opts), newSendCmd(opts))
	return root
}

func newLogger(opts *options) *slog.Logger {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

func newScanCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List nearby devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(opts)
			env, err := openEnv(cmd.Context(), opts, log)
			if err != nil {
				return err
			}
			defer env.close()

			found, err := env.client.Scan(cmd.Context())
			if err != nil {
				return err
			}
			if len(found) == 0 {
				return central.ErrDeviceNotFound
			}
			for _, adv := range found {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d dBm\n", adv.Address, adv.Name, adv.RSSI)
			}
			return nil
		},
	}
}

func newSendCmd(opts *options) *cobra.Command {
	var ssid, password, token string

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Write credentials to the first device found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := newLogger(opts)
			env, err := openEnv(ctx, opts, log)
			if err != nil {
				return err
			}
			defer env.close()

			if err := env.client.Connect(ctx); err != nil {
				return err
			}
			dev, _ := env.client.Device()

			sendErr := env.client.SendConfigData(ctx, ssid, password, token)
			if err := env.client.Disconnect(); err != nil {
				log.Warn("disconnect failed", "err", err)
			}
			if sendErr != nil {
				return sendErr
			}

			fmt.Fprintf(cmd.OutOrStdout(), "provisioned %s (%s)\n", dev.Name, dev.Address)

			if env.demo != nil {
				return env.demo.report(ctx, cmd, store.Config{
					WiFi:  store.WiFi{SSID: ssid, Password: password},
					Token: token,
				})
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ssid, "ssid", "", "Wi-Fi network name")
	cmd.Flags().StringVar(&password, "password", "", "Wi-Fi passphrase (empty for open networks)")
	cmd.Flags().StringVar(&token, "token", "", "GitHub token")
	cmd.MarkFlagRequired("ssid")
	cmd.MarkFlagRequired("token")
	return cmd
}

type env struct {
	client *central.Client
	demo   *demoDevice
	close  func()
}

func openEnv(ctx context.Context, opts *options, log *slog.Logger) (*env, error) {
	if !opts.demo {
		adapter, err := central.NewTinyGo(log)
		if err != nil {
			return nil, err
		}
		return &env{client: central.New(adapter, log), close: func() {}}, nil
	}

	d, err := startDemo(ctx, log)
	if err != nil {
		return nil, err
	}
	return &env{client: central.New(d.radio, log), demo: d, close: d.stop}, nil
}

// demoDevice is an in-process peripheral on a simulated radio, backed by a
// RAM flash.
type demoDevice struct {
	radio *blesim.Radio
	cell  *state.Cell[store.Config]
	store *store.Store
	stop  func()
}

func startDemo(ctx context.Context, log *slog.Logger) (*demoDevice, error) {
	mem := flash.NewMem(flash.DefaultImageBytes)
	if err := flash.Format(mem); err != nil {
		return nil, err
	}
	nvs, err := flash.OpenNVS(mem)
	if err != nil {
		return nil, err
	}

	d := &demoDevice{
		radio: blesim.NewRadio(log),
		cell:  state.NewCell[store.Config](),
		store: store.New(nvs, log),
	}
	p := peripheral.New(d.radio, d.cell, d.store, log)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("simulated device stopped", "err", err)
		}
	}()
	d.stop = func() {
		cancel()
		<-done
	}
	return d, nil
}

// report waits for the device to apply want, then prints what it stored.
func (d *demoDevice) report(ctx context.Context, cmd *cobra.Command, want store.Config) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := d.cell.Wait(ctx, 10*time.Millisecond, func(c store.Config) bool { return c == want }); err != nil {
		return fmt.Errorf("simulated device did not apply the config: %w", err)
	}

	got, ok, err := d.store.Load()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("simulated device has no stored config")
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "stored on device:")
	fmt.Fprintf(out, "  ssid:     %s\n", got.WiFi.SSID)
	fmt.Fprintf(out, "  password: %s\n", store.Mask(got.WiFi.Password))
	fmt.Fprintf(out, "  token:    %s\n", store.Mask(got.Token))
	return nil
}
