package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/gousb"

	"github.com/billauer/usbpiper"
	"github.com/billauer/usbpiper/internal/logging"
	"github.com/billauer/usbpiper/internal/usbio"
)

func main() {
	var (
		vendorStr   = flag.String("vendor", "", "USB vendor ID, hex (e.g. 1d6b)")
		productStr  = flag.String("product", "", "USB product ID, hex (e.g. 0002)")
		configNum   = flag.Int("config", 1, "USB configuration number to select")
		ifaceNum    = flag.Int("interface", 0, "USB interface number to claim")
		bulkIn      = flag.Int("bulk-in", 0, "bulk IN endpoint number, 0 to skip")
		bulkOut     = flag.Int("bulk-out", 0, "bulk OUT endpoint number, 0 to skip")
		interruptIn = flag.Int("interrupt-in", 0, "interrupt IN endpoint number, 0 to skip")
		verbose     = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	vendorID, productID, err := parseIDs(*vendorStr, *productStr)
	if err != nil {
		logger.Error("invalid vendor/product id", "error", err)
		os.Exit(1)
	}

	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	dev, err := usbCtx.OpenDeviceWithVIDPID(vendorID, productID)
	if err != nil || dev == nil {
		logger.Error("failed to open USB device", "vendor", *vendorStr, "product", *productStr, "error", err)
		os.Exit(1)
	}
	defer dev.Close()

	cfg, err := dev.Config(*configNum)
	if err != nil {
		logger.Error("failed to select USB configuration", "config", *configNum, "error", err)
		os.Exit(1)
	}
	defer cfg.Close()

	intf, err := cfg.Interface(*ifaceNum, 0)
	if err != nil {
		logger.Error("failed to claim USB interface", "interface", *ifaceNum, "error", err)
		os.Exit(1)
	}
	defer intf.Close()

	params := usbpiper.DefaultParams()

	if *bulkIn != 0 {
		ep, err := intf.InEndpoint(*bulkIn)
		if err != nil {
			logger.Error("failed to open bulk IN endpoint", "endpoint", *bulkIn, "error", err)
			os.Exit(1)
		}
		params.Endpoints = append(params.Endpoints, usbpiper.EndpointSpec{
			Kind: "bulk", Number: *bulkIn, Dir: usbio.DirectionIn, TT: usbio.TransferBulk, In: ep,
		})
	}
	if *bulkOut != 0 {
		ep, err := intf.OutEndpoint(*bulkOut)
		if err != nil {
			logger.Error("failed to open bulk OUT endpoint", "endpoint", *bulkOut, "error", err)
			os.Exit(1)
		}
		params.Endpoints = append(params.Endpoints, usbpiper.EndpointSpec{
			Kind: "bulk", Number: *bulkOut, Dir: usbio.DirectionOut, TT: usbio.TransferBulk, Out: ep,
		})
	}
	if *interruptIn != 0 {
		ep, err := intf.InEndpoint(*interruptIn)
		if err != nil {
			logger.Error("failed to open interrupt IN endpoint", "endpoint", *interruptIn, "error", err)
			os.Exit(1)
		}
		params.Endpoints = append(params.Endpoints, usbpiper.EndpointSpec{
			Kind: "interrupt", Number: *interruptIn, Dir: usbio.DirectionIn, TT: usbio.TransferInterrupt, In: ep,
		})
	}

	if len(params.Endpoints) == 0 {
		logger.Error("no endpoints configured; pass at least one of -bulk-in/-bulk-out/-interrupt-in")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := usbpiper.Serve(ctx, params, nil)
	if err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	for _, name := range srv.Endpoints() {
		fmt.Printf("serving /dev/%s\n", name)
	}
	fmt.Println("Press Ctrl+C to stop...")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := usbpiper.StopAndDelete(stopCtx, srv); err != nil {
		logger.Error("error stopping server", "error", err)
		os.Exit(1)
	}
}

func parseIDs(vendorStr, productStr string) (gousb.ID, gousb.ID, error) {
	if vendorStr == "" || productStr == "" {
		return 0, 0, fmt.Errorf("both -vendor and -product are required")
	}
	vendor, err := strconv.ParseUint(vendorStr, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("vendor id: %w", err)
	}
	product, err := strconv.ParseUint(productStr, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("product id: %w", err)
	}
	return gousb.ID(vendor), gousb.ID(product), nil
}
