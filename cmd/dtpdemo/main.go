// Package main runs two DTP/DTCP flows back to back over a loopback RMT,
// writing a steady stream of SDUs from one side to the other and serving
// the resulting metrics over HTTP, so the engine can be exercised end to
// end without a real RINA DIF underneath it.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rinastack/dtp/internal/config"
	"github.com/rinastack/dtp/internal/conn"
	"github.com/rinastack/dtp/internal/logging"
	"github.com/rinastack/dtp/internal/metrics"
	"github.com/rinastack/dtp/internal/pci"
	"github.com/rinastack/dtp/internal/policy"
	"github.com/rinastack/dtp/internal/rmt"
)

var (
	appName    = "DTP/DTCP Demo"
	appVersion = "dev" // injected at build time via -ldflags
)

const (
	addrA uint32 = 1
	addrB uint32 = 2
	qosID uint16 = 0
)

func main() {
	args, action := parseFlags()
	if action != "" {
		return
	}
	if err := run(args); err != nil {
		logging.Error("%v", err)
		os.Exit(1)
	}
}

type parsedArgs struct {
	metricsPort string
	logLevel    string
}

func parseFlags() (parsedArgs, string) {
	fs := flag.NewFlagSet("dtpdemo", flag.ContinueOnError)
	metricsPort := fs.String("metrics-port", "", "prometheus metrics listen port")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	helpFlag := fs.Bool("help", false, "show help")
	versionFlag := fs.Bool("version", false, "show version")

	_ = fs.Parse(os.Args[1:])

	if *helpFlag {
		showHelp()
		return parsedArgs{}, "help"
	}
	if *versionFlag {
		fmt.Printf("%s %s\n", appName, appVersion)
		return parsedArgs{}, "version"
	}

	return parsedArgs{
		metricsPort: strings.TrimSpace(*metricsPort),
		logLevel:    strings.TrimSpace(*logLevel),
	}, ""
}

func run(args parsedArgs) error {
	cfg, err := config.LoadWithOverrides(config.LoadOptions{LogLevel: args.logLevel})
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if args.metricsPort != "" {
		cfg.Server.MetricsPort = args.metricsPort
	}
	logging.SetLevelFromString(cfg.Logging.Level)

	registry := policy.NewRegistry(nil)

	rmtA, err := rmt.NewLoopback("127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("starting loopback rmt for A: %w", err)
	}
	defer rmtA.Close()

	rmtB, err := rmt.NewLoopback("127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("starting loopback rmt for B: %w", err)
	}
	defer rmtB.Close()

	rmtA.RegisterPeer(addrB, rmtB.LocalAddr())
	rmtB.RegisterPeer(addrA, rmtA.LocalAddr())

	recA := metrics.NewRecorder()
	recB := metrics.NewRecorder()

	var received int
	var receivedMu sync.Mutex

	connID := conn.ID{SourceAddress: addrA, DestinationAddress: addrB, SourceCepID: 1, DestCepID: 1, QosID: qosID}
	dtcpCfg := cfg.DTCP
	connA, err := conn.New(connID, cfg.Constants, cfg.DTP, &dtcpCfg, registry, rmtA, &alwaysWritable{}, func(sdu []byte) {
		logging.Debug("A received: %s", sdu)
	})
	if err != nil {
		return fmt.Errorf("building connection A: %w", err)
	}

	connB, err := conn.New(connID, cfg.Constants, cfg.DTP, &dtcpCfg, registry, rmtB, &alwaysWritable{}, func(sdu []byte) {
		receivedMu.Lock()
		received++
		receivedMu.Unlock()
		logging.Debug("B received: %s", sdu)
	})
	if err != nil {
		return fmt.Errorf("building connection B: %w", err)
	}

	rmtA.RegisterDispatcher(addrA, dispatcherFor(connA))
	rmtB.RegisterDispatcher(addrB, dispatcherFor(connB))

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		logging.Info("serving metrics on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("metrics server: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	statsTicker := time.NewTicker(2 * time.Second)
	defer statsTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	i := 0
	for {
		select {
		case <-sigCh:
			logging.Info("shutting down, delivered %d sdus", received)
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer shutdownCancel()
			_ = server.Shutdown(shutdownCtx)
			connA.Destroy()
			connB.Destroy()
			return nil
		case <-ticker.C:
			i++
			sdu := []byte(fmt.Sprintf("message-%d", i))
			if err := connA.Write(ctx, sdu); err != nil {
				logging.Warn("write failed: %v", err)
			}
		case <-statsTicker.C:
			connA.RecordMetrics(recA)
			connB.RecordMetrics(recB)
		}
	}
}

func dispatcherFor(c *conn.Connection) rmt.Dispatcher {
	return func(pdu *pci.PDU) error {
		if pdu.PCI.Type.IsControl() {
			return c.CommonRcvControl(pdu)
		}
		return c.Receive(context.Background(), pdu)
	}
}

// alwaysWritable is the EFCP stand-in for a demo flow with no real upper
// layer to pace: it never refuses more data.
type alwaysWritable struct{}

func (alwaysWritable) Receive(cepID uint32, pdu *pci.PDU) error { return nil }
func (alwaysWritable) EnableWrite()                              {}
func (alwaysWritable) DisableWrite()                             {}

func showHelp() {
	fmt.Println(appName)
	fmt.Println("USAGE: dtpdemo [options]")
	fmt.Println("OPTIONS:")
	fmt.Println("  -metrics-port   Prometheus metrics listen port (default 9090)")
	fmt.Println("  -log-level      Set log level (debug, info, warn, error)")
	fmt.Println("  -version        Show version information")
	fmt.Println("  -help           Show this help message")
}
