package main

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"wristcal/internal/config"
	"wristcal/internal/ics"
	"wristcal/internal/link"
	appLog "wristcal/internal/log"
	"wristcal/internal/web"
)

var companionListen string

var companionCmd = &cobra.Command{
	Use:   "companion",
	Short: "Run the companion side: calendar fetching, settings and delivery",
	RunE: func(_ *cobra.Command, _ []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		if companionListen != "" {
			conf.Companion.Listen = companionListen
		}
		return runCompanion(conf)
	},
}

func init() {
	companionCmd.Flags().StringVar(&companionListen, "listen", "", "HTTP listen address (overrides config if set)")
}

func runCompanion(conf *config.Config) error {
	pc := conf.Companion
	loc := conf.Location()

	appLog.Info("wristcal companion starting", "version", version)
	appLog.Info("effective config",
		"listen", pc.Listen,
		"data_dir", pc.DataDir,
		"device_url", pc.DeviceURL,
		"timezone", loc.String(),
		"refresh", pc.RefreshCron,
		"flush", pc.FlushCron,
		"horizon_days", pc.HorizonDays,
		"max_events", pc.MaxEvents,
	)

	ctx, cancel := signalContext()
	defer cancel()

	loop := link.NewLoop(64)
	sock := link.NewSocket(loop, "companion-link")

	settingsPath := filepath.Join(pc.DataDir, "settings.yaml")
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		appLog.Warn("settings unreadable; starting empty", "path", settingsPath, "err", err)
	}

	pipeline := ics.NewPipeline(
		ics.NewFetcher(filepath.Join(pc.DataDir, "ics-cache"), 0),
		ics.PipelineOptions{Location: loc, HorizonDays: pc.HorizonDays},
	)
	user, pass := credentials(conf.BasicAuth)
	spool := link.NewSpool(filepath.Join(pc.DataDir, "spool"), link.NewHTTPSender(pc.DeviceURL, user, pass))

	comp := link.NewCompanion(ctx, sock, settings, pipeline, spool, link.CompanionOptions{
		SettingsPath: settingsPath,
		TokenPath:    filepath.Join(pc.DataDir, "last-token"),
		MaxEvents:    pc.MaxEvents,
	})
	sock.Bind(comp)

	c := cron.New(cron.WithLocation(loc))
	if err := schedule(c, "refresh", pc.RefreshCron, func() {
		loop.Post(func() {
			if err := comp.Refresh(ctx, comp.LastToken()); err != nil {
				appLog.Error("scheduled refresh failed", err)
			}
		})
	}); err != nil {
		return err
	}
	if err := schedule(c, "flush", pc.FlushCron, func() {
		loop.Post(func() { comp.Flush(ctx) })
	}); err != nil {
		return err
	}

	server := web.NewCompanionServer(web.CompanionDeps{
		Loop:      loop,
		Companion: comp,
		Conn:      sock,
		Spool:     spool,
		Link:      sock,
		BasicAuth: conf.BasicAuth,
	})
	srv := &http.Server{
		Addr:              pc.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go loop.Run(ctx)
	c.Start()

	err = serveHTTP(ctx, srv)
	cancel()
	<-c.Stop().Done()
	// Hijacked link connections outlive Shutdown.
	sock.Close()
	appLog.Info("wristcal companion exiting")
	return err
}
