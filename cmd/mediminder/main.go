// Command mediminder connects to a BLE medication-intake sensor and tracks
// whether each daily dose window has been taken.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sweeney/mediminder/internal/ble"
	"github.com/sweeney/mediminder/internal/config"
	"github.com/sweeney/mediminder/internal/gpio"
	"github.com/sweeney/mediminder/internal/logic"
	"github.com/sweeney/mediminder/internal/mqtt"
	"github.com/sweeney/mediminder/internal/status"
	"github.com/sweeney/mediminder/internal/web"
)

func main() {
	cfg := config.Load()

	flag.StringVar(&cfg.Adapter, "adapter", cfg.Adapter, "BlueZ adapter name")
	flag.StringVar(&cfg.ServiceUUID, "service-uuid", cfg.ServiceUUID, "GATT service UUID")
	flag.StringVar(&cfg.CharacteristicUUID, "characteristic-uuid", cfg.CharacteristicUUID, "GATT notify characteristic UUID")
	flag.StringVar(&cfg.DeviceName, "device-name", cfg.DeviceName, "Advertised sensor name (empty matches by service UUID only)")
	flag.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "Link connect timeout")
	flag.DurationVar(&cfg.ReconnectInterval, "reconnect", cfg.ReconnectInterval, "Reconnect interval (0 for a single attempt)")
	flag.StringVar(&cfg.DoseWindows, "windows", cfg.DoseWindows, "Dose windows as Name=HH:MM-HH:MM,...")
	flag.StringVar(&cfg.TrackLabels, "track", cfg.TrackLabels, "Labels recorded in the intake log")
	flag.IntVar(&cfg.RetentionDays, "retention", cfg.RetentionDays, "Days of intake log to keep (0 keeps everything)")
	flag.StringVar(&cfg.MQTTBroker, "broker", cfg.MQTTBroker, "MQTT broker address (empty to disable)")
	flag.DurationVar(&cfg.Heartbeat, "heartbeat", cfg.Heartbeat, "Heartbeat interval (0 to disable)")
	flag.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP status address (empty to disable)")
	flag.IntVar(&cfg.PinConnected, "pin-connected", cfg.PinConnected, "BCM pin for the connected LED (-1 to disable)")
	flag.IntVar(&cfg.PinOverdue, "pin-overdue", cfg.PinOverdue, "BCM pin for the overdue LED (-1 to disable)")
	printWindows := flag.Bool("print-windows", false, "Print dose window status and exit")

	flag.Parse()

	if err := run(cfg, *printWindows); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(cfg *config.Config, printWindows bool) error {
	windows, err := cfg.Windows()
	if err != nil {
		return fmt.Errorf("dose windows: %w", err)
	}
	doses := logic.NewTracker(windows, cfg.Labels())

	// Print windows mode
	if printWindows {
		printReport(os.Stdout, doses.Report(time.Now()))
		return nil
	}

	transport, err := ble.NewBlueZTransport(cfg.Adapter, cfg.DeviceName)
	if err != nil {
		return fmt.Errorf("init bluetooth: %w", err)
	}
	defer transport.Close()

	manager := ble.NewManager(transport, ble.Config{
		ServiceUUID:        cfg.ServiceUUID,
		CharacteristicUUID: cfg.CharacteristicUUID,
		ConnectTimeout:     cfg.ConnectTimeout,
	}, time.Now)

	// Initialize MQTT
	var publisher mqtt.Publisher = discardPublisher{}
	var mqttStatus mqtt.ConnectionStatus
	if cfg.MQTTBroker != "" {
		rp := mqtt.NewRealPublisher(cfg.MQTTBroker, cfg.MQTTClientID)
		publisher, mqttStatus = rp, rp
	}
	defer publisher.Close()

	// Initialize LEDs; the daemon runs without them
	var indicator gpio.Indicator
	if cfg.PinConnected >= 0 && cfg.PinOverdue >= 0 {
		leds, err := gpio.NewRealIndicator(cfg.PinConnected, cfg.PinOverdue)
		if err != nil {
			log.Printf("led init failed, continuing without: %v", err)
		} else {
			indicator = leds
			defer indicator.Close()
		}
	}

	tracker := status.NewTracker(time.Now(), status.Config{
		ServiceUUID:        cfg.ServiceUUID,
		CharacteristicUUID: cfg.CharacteristicUUID,
		ConnectTimeoutMs:   cfg.ConnectTimeout.Milliseconds(),
		ReconnectMs:        cfg.ReconnectInterval.Milliseconds(),
		HeartbeatMs:        cfg.Heartbeat.Milliseconds(),
		RetentionDays:      cfg.RetentionDays,
		Broker:             cfg.MQTTBroker,
		HTTPPort:           cfg.HTTPAddr,
		Windows:            windowStrings(windows),
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	d := &daemon{
		manager:    manager,
		doses:      doses,
		publisher:  publisher,
		mqttStatus: mqttStatus,
		indicator:  indicator,
		status:     tracker,
		retention:  cfg.RetentionDays,
		now:        time.Now,
	}
	d.wire()
	defer d.unwire()

	d.publishStatus("STARTUP", "", true)

	jobs, err := d.startJobs()
	if err != nil {
		return err
	}
	defer jobs.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.Run(ctx)

	// Start HTTP status server
	if cfg.HTTPAddr != "" {
		srv := web.New(cfg.HTTPAddr, web.Options{
			Status:       tracker,
			Doses:        doses,
			Sensor:       manager,
			Connectivity: manager.ConnectionStatus(),
			Events:       manager.Classifications(),
			OnManual:     d.onManual,
		})
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", cfg.HTTPAddr)
	}

	go reconnectLoop(ctx, manager, cfg.ReconnectInterval)

	log.Printf("started: adapter=%s service=%s windows=%d broker=%s heartbeat=%v",
		cfg.Adapter, cfg.ServiceUUID, len(windows), cfg.MQTTBroker, cfg.Heartbeat)

	var heartbeat <-chan time.Time
	if cfg.Heartbeat > 0 {
		ticker := time.NewTicker(cfg.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	err = runLoop(d, heartbeat, sigCh)
	manager.Disconnect()
	return err
}

// runLoop publishes heartbeats until a signal arrives, then publishes the
// shutdown event.
func runLoop(d *daemon, heartbeat <-chan time.Time, sig <-chan os.Signal) error {
	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			d.publishStatus("SHUTDOWN", signalName, true)
			return nil

		case <-heartbeat:
			snap := d.status.Snapshot()
			log.Printf("heartbeat: uptime=%v sensor=%s log=%d", snap.Uptime().Truncate(time.Second), snap.Sensor.State, snap.LogLength)
			d.publishStatus("HEARTBEAT", "", false)
		}
	}
}

func printReport(w io.Writer, reports []logic.WindowReport) {
	for _, r := range reports {
		taken := "-"
		if !r.FirstIntake.IsZero() {
			taken = r.FirstIntake.Format("15:04:05")
		}
		fmt.Fprintf(w, "%s: %s (first intake %s)\n", r.Window, r.Status, taken)
	}
}

func windowStrings(windows []logic.DoseWindow) []string {
	out := make([]string, len(windows))
	for i, w := range windows {
		out[i] = w.String()
	}
	return out
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
