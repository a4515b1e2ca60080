package main

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"wristcal/internal/cache"
	"wristcal/internal/config"
	"wristcal/internal/link"
	appLog "wristcal/internal/log"
	"wristcal/internal/power"
	"wristcal/internal/store"
	"wristcal/internal/web"
)

var deviceListen string

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Run the device side: event cache, inbox and list API",
	RunE: func(_ *cobra.Command, _ []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		// CLI --listen overrides config file listen if provided.
		if deviceListen != "" {
			conf.Device.Listen = deviceListen
		}
		return runDevice(conf)
	},
}

func init() {
	deviceCmd.Flags().StringVar(&deviceListen, "listen", "", "HTTP listen address (overrides config if set)")
}

func runDevice(conf *config.Config) error {
	dc := conf.Device
	loc := conf.Location()

	appLog.Info("wristcal device starting", "version", version)
	appLog.Info("effective config",
		"listen", dc.Listen,
		"data_dir", dc.DataDir,
		"companion_url", dc.CompanionURL,
		"timezone", loc.String(),
		"stale_after", dc.StaleAfter.String(),
		"refresh_check", dc.RefreshCheck,
		"battery_mock", dc.Battery.Mock,
	)

	ctx, cancel := signalContext()
	defer cancel()

	loop := link.NewLoop(64)
	sock := link.NewSocket(loop, "device-link")

	settingsPath := filepath.Join(dc.DataDir, "settings.yaml")
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		appLog.Warn("settings unreadable; starting empty", "path", settingsPath, "err", err)
	}

	var dev *link.Device
	engine := cache.New(
		store.NewFileStore(filepath.Join(dc.DataDir, "cache.cbor")),
		cache.RequesterFunc(func(token uint64) bool { return dev.RequestRefresh(token) }),
		cache.Options{StaleAfter: dc.StaleAfter, Location: loc},
	)
	dev = link.NewDevice(engine, sock, settings, link.DeviceOptions{SettingsPath: settingsPath})
	sock.Bind(dev)
	inbox := link.NewInbox(filepath.Join(dc.DataDir, "inbox"), loop, dev)

	// The periodic check stands in for the face redrawing the list. It stays
	// quiet while the link is down; OnOpen checks staleness on reconnect.
	c := cron.New(cron.WithLocation(loc))
	if err := schedule(c, "refresh-check", dc.RefreshCheck, func() {
		loop.Post(func() {
			if sock.State() == link.Open {
				engine.FetchEvents(time.Now())
			}
		})
	}); err != nil {
		return err
	}

	server := web.NewDeviceServer(web.DeviceDeps{
		Loop:      loop,
		Engine:    engine,
		Device:    dev,
		Conn:      sock,
		Inbox:     inbox,
		Gauge:     power.DefaultGauge(dc.Battery.Bus, dc.Battery.Addr, dc.Battery.Mock),
		BasicAuth: conf.BasicAuth,
		Location:  loc,
	})
	srv := &http.Server{
		Addr:              dc.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go loop.Run(ctx)
	c.Start()
	go func() {
		_ = sock.Dial(ctx, dc.CompanionURL, authHeader(conf.BasicAuth), dc.ReconnectDelay)
	}()

	err = serveHTTP(ctx, srv)
	cancel()
	<-c.Stop().Done()
	sock.Close()
	appLog.Info("wristcal device exiting")
	return err
}
