package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/central/goble"
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch <address>",
	Short: "Connect to a peripheral and follow its connection lifecycle",
	Long: `Connect to a BLE peripheral and keep the connection alive, printing
lifecycle events as they happen.

Connection attempts that time out and links that drop are retried up to the
configured budgets; once a budget is exhausted the command exits with an
error. With --profile the peripheral's GATT services and characteristics
are printed after each successful connect.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var (
	watchTimeout     time.Duration
	watchTimeoutMax  int
	watchDropMax     int
	watchProfile     bool
	watchServices    []string
	watchScanTimeout time.Duration
)

func init() {
	watchCmd.Flags().DurationVarP(&watchTimeout, "timeout", "t", 0, "Per-attempt connection timeout (0 uses the configured default)")
	watchCmd.Flags().IntVar(&watchTimeoutMax, "max-timeouts", -1, "Consecutive timed-out attempts before giving up (-1 uses the configured default)")
	watchCmd.Flags().IntVar(&watchDropMax, "max-disconnects", -1, "Consecutive dropped connections before giving up (-1 uses the configured default)")
	watchCmd.Flags().BoolVarP(&watchProfile, "profile", "p", false, "Discover and print services after connecting")
	watchCmd.Flags().StringSliceVarP(&watchServices, "services", "s", nil, "Service UUIDs to discover (default: all)")
	watchCmd.Flags().DurationVar(&watchScanTimeout, "scan-timeout", 0, "How long to scan for the peripheral (0 uses the configured default)")
	watchCmd.Flags().BoolP("verbose", "V", false, "Enable debug logging")
}

func runWatch(cmd *cobra.Command, args []string) error {
	address := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	mgr, err := central.NewManager(goble.New(logger), logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE central: %w", err)
	}
	defer mgr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, disconnecting...")
		cancel()
	}()

	if err := mgr.WhenPoweredOn(ctx); err != nil {
		return err
	}

	p, err := findPeripheral(ctx, mgr, cfg.ScanTimeout, address)
	if err != nil {
		return err
	}

	opts := &central.ConnectOptions{Timeout: cfg.ConnectTimeout}
	if watchTimeout > 0 {
		opts.Timeout = watchTimeout
	}
	maxTimeouts := cfg.TimeoutRetries
	if watchTimeoutMax >= 0 {
		maxTimeouts = watchTimeoutMax
	}
	maxDrops := cfg.DisconnectRetries
	if watchDropMax >= 0 {
		maxDrops = watchDropMax
	}
	opts.MaxTimeouts = &maxTimeouts
	opts.MaxDisconnects = &maxDrops

	events, err := p.Connect(opts)
	if err != nil {
		return err
	}

	label := address
	if name := p.Name(); name != "" {
		label = fmt.Sprintf("%s (%s)", name, address)
	}
	fmt.Printf("Connecting to %s...\n", label)

	good := color.New(color.FgGreen)
	bad := color.New(color.FgRed)
	warn := color.New(color.FgYellow)

	for {
		select {
		case <-ctx.Done():
			if p.State() != central.Disconnected {
				_ = p.Disconnect()
				waitForEvent(events, central.EventForceDisconnect, 5*time.Second)
			}
			printStats(p)
			return nil

		case ev, ok := <-events.C():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case central.EventConnect:
				good.Printf("[%s] connected\n", timestamp())
				if watchProfile {
					if err := printProfile(ctx, p); err != nil {
						warn.Printf("[%s] discovery failed: %s\n", timestamp(), err)
					}
				}
			case central.EventTimeout:
				warn.Printf("[%s] connection attempt timed out, retrying\n", timestamp())
				if err := p.Reconnect(); err != nil {
					return err
				}
			case central.EventDisconnect:
				warn.Printf("[%s] disconnected, reconnecting\n", timestamp())
				if err := p.Reconnect(); err != nil {
					return err
				}
			case central.EventError:
				warn.Printf("[%s] link error: %s, reconnecting\n", timestamp(), ev.Err)
				if err := p.Reconnect(); err != nil {
					return err
				}
			case central.EventGiveUp:
				bad.Printf("[%s] retries exhausted, giving up\n", timestamp())
				printStats(p)
				if ev.Err != nil {
					return fmt.Errorf("%w: %w", ErrConnectionLost, ev.Err)
				}
				return ErrConnectionLost
			case central.EventForceDisconnect:
				fmt.Printf("[%s] disconnected\n", timestamp())
				printStats(p)
				return nil
			}
		}
	}
}

// findPeripheral runs a targeted scan until the requested address shows up.
func findPeripheral(ctx context.Context, mgr *central.Manager, timeout time.Duration, address string) (*central.Peripheral, error) {
	if watchScanTimeout > 0 {
		timeout = watchScanTimeout
	}
	if p, ok := mgr.Peripheral(address); ok {
		return p, nil
	}

	fmt.Printf("Scanning for %s...\n", address)
	stream, err := mgr.StartScanning(&central.ScanOptions{
		Timeout:   timeout,
		AllowList: []string{address},
	})
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			_ = mgr.StopScanning()
			return nil, ctx.Err()
		case p, ok := <-stream.C():
			if !ok {
				if err := stream.Err(); err != nil {
					return nil, fmt.Errorf("%w: %s", ErrPeripheralNotFound, address)
				}
				return nil, fmt.Errorf("%w: %s", ErrPeripheralNotFound, address)
			}
			_ = mgr.StopScanning()
			return p, nil
		}
	}
}

// waitForEvent drains the event stream until the wanted event arrives or
// the deadline passes. Used for a clean shutdown after Disconnect.
func waitForEvent(events *central.ConnectionEvents, want central.ConnectionEventKind, timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events.C():
			if !ok || ev.Kind == want {
				return
			}
		case <-deadline:
			return
		}
	}
}

func printProfile(ctx context.Context, p *central.Peripheral) error {
	discCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	services, err := p.DiscoverProfile(discCtx, watchServices)
	if err != nil {
		if errors.Is(err, central.ErrNoServicesFound) {
			fmt.Println("No services found")
			return nil
		}
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, svc := range services {
		name := svc.KnownName()
		if name == "" {
			name = "(unknown)"
		}
		fmt.Fprintf(w, "service %s\t%s\n", svc.UUID(), name)
		for _, ch := range svc.Characteristics() {
			chName := ch.KnownName()
			if chName == "" {
				chName = "(unknown)"
			}
			fmt.Fprintf(w, "  char %s\t%s\t[%s]\n", ch.UUID(), chName, ch.Properties())
		}
	}
	return w.Flush()
}

func printStats(p *central.Peripheral) {
	connects, disconnects, connectedFor := p.Stats()
	fmt.Printf("connects=%d disconnects=%d connected_for=%s\n",
		connects, disconnects, connectedFor.Truncate(time.Millisecond))
}

func timestamp() string {
	return time.Now().Format("15:04:05")
}
