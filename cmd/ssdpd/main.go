// ssdpd advertises and discovers services over SSDP.
//
// It reads an HCL config describing what to advertise and what to
// browse for, joins the discovery multicast group, and runs until
// interrupted, withdrawing its services on the way out.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/ssdp"
	"grimm.is/ssdp/internal/config"
	"grimm.is/ssdp/internal/logging"
	"grimm.is/ssdp/multicast"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ssdpd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("ssdpd", flag.ExitOnError)
	configPath := fs.String("config", "/etc/ssdpd.hcl", "path to config file")
	logLevel := fs.String("log-level", "", "override config log level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logging.Default().SetLevel(logging.ParseLevel(level))
	log := logging.WithComponent("ssdpd")

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	var advertiser *ssdp.Advertiser
	if len(cfg.Advertise) > 0 {
		conn, err := multicast.Listen(multicast.Options{
			Group:      cfg.Group,
			Interfaces: cfg.Interfaces,
			TTL:        cfg.TTL,
			Loopback:   cfg.Loopback,
		})
		if err != nil {
			return err
		}
		advertiser, err = ssdp.NewAdvertiser(ssdp.AdvertiserConfig{
			UUID:           cfg.UUID,
			NotifyInterval: cfg.NotifyIntervalDuration(),
			Transport:      conn,
		})
		if err != nil {
			return err
		}
		for _, adv := range cfg.Advertise {
			headers := ssdp.NewHeaders()
			for k, v := range adv.Headers {
				headers.Set(k, v)
			}
			advertiser.Announce(adv.Type, headers)
		}
		go logEvents(log.WithFields(map[string]any{"role": "advertiser"}), advertiser.Events(64))
		log.Info("advertising", "uuid", advertiser.UUID(), "services", len(cfg.Advertise))
	}

	var browser *ssdp.Browser
	if len(cfg.Browse) > 0 {
		conn, err := multicast.Listen(multicast.Options{
			Group:      cfg.Group,
			Interfaces: cfg.Interfaces,
			TTL:        cfg.TTL,
			Loopback:   cfg.Loopback,
		})
		if err != nil {
			if advertiser != nil {
				advertiser.Destroy()
			}
			return err
		}
		browser, err = ssdp.NewBrowser(ssdp.BrowserConfig{
			SearchInterval: cfg.SearchIntervalDuration(),
			MX:             cfg.SearchMX,
			Transport:      conn,
		})
		if err != nil {
			if advertiser != nil {
				advertiser.Destroy()
			}
			return err
		}
		for _, target := range cfg.Browse {
			browser.Subscribe(target)
		}
		go logEvents(log.WithFields(map[string]any{"role": "browser"}), browser.Events(64))
		log.Info("browsing", "targets", cfg.Browse)
	}

	if advertiser == nil && browser == nil {
		return fmt.Errorf("nothing to do: config has no advertise blocks and no browse targets")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig)

	if browser != nil {
		browser.Destroy()
	}
	if advertiser != nil {
		advertiser.Destroy()
	}
	return nil
}

// logEvents turns the event stream into log lines, which is all the
// daemon does with it; library users get the channel instead.
func logEvents(log *logging.Logger, events <-chan ssdp.Event) {
	for ev := range events {
		switch ev.Type {
		case ssdp.EventError:
			log.Warn("protocol error", "error", ev.Err)
		case ssdp.EventSearch:
			log.Debug("answered search", "st", ev.Service, "from", ev.Remote)
		case ssdp.EventDiscover:
			log.Info("service discovered", "st", ev.Service, "from", ev.Remote,
				"usn", ev.Message.Headers.Get("USN"))
		case ssdp.EventWithdraw:
			log.Info("service withdrawn", "st", ev.Service, "from", ev.Remote,
				"usn", ev.Message.Headers.Get("USN"))
		}
	}
}
