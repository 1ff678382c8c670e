package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"

	"github.com/teslamotors/ble-flowcontrol/internal/log"
	"github.com/teslamotors/ble-flowcontrol/pkg/connector/ble"
)

var (
	btAdapter = flag.Int("btAdapter", ble.DefaultAdapterID, "Optional ID of Bluetooth adapter to use (Linux only)")
	testScan  = flag.Bool("testScan", false, "Also test BLE scan")
	name      = flag.String("name", "", "Only report peripherals advertising this local name")
)

func main() {
	flag.Parse()
	log.SetLevel(log.LevelDebug)

	if *btAdapter != ble.DefaultAdapterID {
		log.Info("Trying to use BLE adapter: %d", *btAdapter)
	} else {
		log.Info("Using first available BLE device")
	}
	adapter, err := ble.NewAdapter(*btAdapter)
	if err != nil {
		log.Error("Failed to initialize BLE device: %v", err)
		return
	}
	defer adapter.Close()

	log.Info("BLE adapter initialized")

	if !*testScan {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	doneChan := make(chan struct{})
	go func() {
		err := adapter.Scan(ctx, func(beacon *ble.Beacon) {
			if *name != "" && !strings.EqualFold(beacon.LocalName, *name) {
				return
			}
			log.Info("%s %q RSSI=%d connectable=%t", beacon.Address, beacon.LocalName, beacon.RSSI, beacon.Connectable)
		})
		if err != nil && ctx.Err() == nil {
			log.Error("Scan failed: %v", err)
		}
		close(doneChan)
	}()
	log.Info("Scanning for BLE devices until interrupted")

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	<-signalChan
	log.Info("Stopping scan")
	cancel()
	<-doneChan
}
