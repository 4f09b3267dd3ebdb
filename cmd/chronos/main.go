package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"chronos/internal/app"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to config json/yaml (empty: defaults and environment)")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx := context.Background()
	a, err := app.NewApp(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stop(a, app.StopFatalError)
		os.Exit(1)
	}
	// Not running under systemd is not an error.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopUnknown
	select {
	case s := <-sigs:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stop(a, reason)
	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		}
		os.Exit(1)
	}
}

func stop(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_ = a.Stop(ctx, reason)
}
