package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/talkincode/wacrm/config"
	"github.com/talkincode/wacrm/internal/adminapi"
	"github.com/talkincode/wacrm/internal/app"
	"github.com/talkincode/wacrm/internal/webserver"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	BuildVersion = "develop"

	h        = flag.Bool("h", false, "help usage")
	showVer  = flag.Bool("v", false, "show version")
	conffile = flag.String("c", "", "config yaml file")
	migrate  = flag.Bool("migrate", false, "run database migration and exit")
)

func main() {
	flag.Parse()
	if *h {
		flag.Usage()
		return
	}
	if *showVer {
		fmt.Println(BuildVersion)
		return
	}

	cfg := config.MustLoad(*conffile)
	application := app.NewApplication(cfg)
	if err := application.Init(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}

	if *migrate {
		if err := application.MigrateDB(true); err != nil {
			zap.L().Error("migrate failed", zap.Error(err))
		}
		application.Release(context.Background())
		return
	}

	webserver.Init(cfg, application)
	adminapi.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(webserver.Listen)
	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := webserver.Shutdown(shutdownCtx)
		application.Release(shutdownCtx)
		return err
	})
	if err := g.Wait(); err != nil {
		zap.L().Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}
