package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/central/goble"
)

// rssiCmd represents the rssi command
var rssiCmd = &cobra.Command{
	Use:   "rssi <address>",
	Short: "Read signal strength from a connected peripheral",
	Long: `Connect to a BLE peripheral and read its RSSI.

By default a single reading is taken and printed. With --follow the RSSI is
polled at the configured interval until Ctrl+C or --count readings.`,
	Args: cobra.ExactArgs(1),
	RunE: runRSSI,
}

var (
	rssiFollow   bool
	rssiInterval time.Duration
	rssiCount    int
)

func init() {
	rssiCmd.Flags().BoolVarP(&rssiFollow, "follow", "F", false, "Poll RSSI continuously")
	rssiCmd.Flags().DurationVarP(&rssiInterval, "interval", "i", 0, "Polling interval (0 uses the configured default)")
	rssiCmd.Flags().IntVarP(&rssiCount, "count", "c", 0, "Stop after this many readings (0 for unlimited)")
	rssiCmd.Flags().BoolP("verbose", "V", false, "Enable debug logging")
}

func runRSSI(cmd *cobra.Command, args []string) error {
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
		cancel()
	}()

	if err := mgr.WhenPoweredOn(ctx); err != nil {
		return err
	}

	p, err := findPeripheral(ctx, mgr, cfg.ScanTimeout, address)
	if err != nil {
		return err
	}

	events, err := p.Connect(&central.ConnectOptions{Timeout: cfg.ConnectTimeout})
	if err != nil {
		return err
	}
	ev := <-events.C()
	if ev.Kind != central.EventConnect {
		if ev.Err != nil {
			return ev.Err
		}
		return central.ErrConnectionTimeout
	}
	defer func() { _ = p.Disconnect() }()

	if !rssiFollow {
		rssi, err := p.ReadRSSI(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d dBm\n", rssi)
		return nil
	}

	interval := cfg.RSSIPollInterval
	if rssiInterval > 0 {
		interval = rssiInterval
	}

	stream, err := p.StartPollingRSSI(interval, 16)
	if err != nil {
		return err
	}
	defer stream.Stop()

	strong := color.New(color.FgGreen)
	weak := color.New(color.FgYellow)

	taken := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case reading, ok := <-stream.C():
			if !ok {
				return nil
			}
			if reading.Err != nil {
				return reading.Err
			}
			printReading(strong, weak, reading.RSSI)
			taken++
			if rssiCount > 0 && taken >= rssiCount {
				return nil
			}
		}
	}
}

// printReading colors the value by rough link quality: -70 dBm and above
// is usable, below that the link tends to get flaky.
func printReading(strong, weak *color.Color, rssi int) {
	c := strong
	if rssi < -70 {
		c = weak
	}
	c.Printf("[%s] %d dBm\n", timestamp(), rssi)
}
