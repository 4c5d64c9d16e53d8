package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/central/goble"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE peripherals",
	Long: `Scan for and display Bluetooth Low Energy peripherals in the vicinity.

Discovered peripherals are shown with their names, addresses, RSSI values
and advertised services. The scan runs for the configured duration, or
until Ctrl+C in watch mode.`,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanServices  []string
	scanAllowList []string
	scanBlockList []string
	scanWatch     bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (0 uses the configured default)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by advertised service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show peripherals with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide peripherals with these addresses")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Continuously scan and update results")
	scanCmd.Flags().BoolP("verbose", "V", false, "Enable debug logging")
}

// peripheralEntry pairs a discovered peripheral with its discovery time for
// the "last seen" column.
type peripheralEntry struct {
	peripheral *central.Peripheral
	seenAt     time.Time
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	timeout := cfg.ScanTimeout
	if scanDuration > 0 {
		timeout = scanDuration
	}
	if scanWatch {
		// Watch mode scans until interrupted.
		timeout = 0
	}

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
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	if err := mgr.WhenPoweredOn(ctx); err != nil {
		return err
	}

	stream, err := mgr.StartScanning(&central.ScanOptions{
		ServiceUUIDs: scanServices,
		Timeout:      timeout,
		AllowList:    scanAllowList,
		BlockList:    scanBlockList,
	})
	if err != nil {
		return err
	}

	entries := make(map[string]peripheralEntry)

	redraw := time.NewTicker(time.Second)
	defer redraw.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = mgr.StopScanning()
			return displayPeripherals(entries)

		case <-redraw.C:
			if scanWatch {
				clearScreen()
				if err := displayPeripherals(entries); err != nil {
					return err
				}
			}

		case p, ok := <-stream.C():
			if !ok {
				if err := stream.Err(); err != nil && !errors.Is(err, central.ErrScanTimeout) {
					return err
				}
				return displayPeripherals(entries)
			}
			entries[p.ID()] = peripheralEntry{peripheral: p, seenAt: time.Now()}
		}
	}
}

func displayPeripherals(entries map[string]peripheralEntry) error {
	if len(entries) == 0 {
		fmt.Println("No peripherals discovered")
		return nil
	}

	list := make([]peripheralEntry, 0, len(entries))
	for _, e := range entries {
		list = append(list, e)
	}

	// Strongest signal first
	sort.Slice(list, func(i, j int) bool {
		return list[i].peripheral.RSSI() > list[j].peripheral.RSSI()
	})

	if scanFormat == "json" {
		return displayPeripheralsJSON(list)
	}
	return displayPeripheralsTable(list)
}

func displayPeripheralsTable(entries []peripheralEntry) error {
	var base io.Writer = os.Stdout
	w := tabwriter.NewWriter(base, 0, 0, 2, ' ', 0)

	header := color.New(color.Bold)
	header.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, e := range entries {
		p := e.peripheral
		name := p.Name()
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		var services string
		if adv := p.Advertisement(); adv != nil {
			services = strings.Join(adv.Services(), ",")
		}
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		lastSeen := time.Since(e.seenAt).Truncate(time.Second)

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s ago\n",
			name, p.ID(), p.RSSI(), services, lastSeen)
	}

	return w.Flush()
}

type peripheralJSON struct {
	Name     string   `json:"name,omitempty"`
	Address  string   `json:"address"`
	RSSI     int      `json:"rssi"`
	Services []string `json:"services,omitempty"`
}

func displayPeripheralsJSON(entries []peripheralEntry) error {
	out := make([]peripheralJSON, 0, len(entries))
	for _, e := range entries {
		p := e.peripheral
		item := peripheralJSON{
			Name:    p.Name(),
			Address: p.ID(),
			RSSI:    p.RSSI(),
		}
		if adv := p.Advertisement(); adv != nil {
			item.Services = adv.Services()
		}
		out = append(out, item)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

func clearScreen() {
	fmt.Fprint(os.Stdout, "\033[2J\033[H")
}
