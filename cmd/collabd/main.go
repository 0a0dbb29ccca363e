package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/collabrtc/collab/collab"
)

const CollabdVersion = "0.1.0"

func main() {
	usage := `Collaboration room daemon.

Serves the room websocket endpoint, the stored output read endpoint, and
metrics. Store backends and timeouts come from the config file and COLLAB_*
environment variables.

Usage:
    collabd serve [--config=<config>] [--listen=<listen>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --config=<config>    Config file path.
    --listen=<listen>    Listen address, overrides the config.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabdVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	configPath := ""
	if configAny := opts["--config"]; configAny != nil {
		configPath = configAny.(string)
	}

	config, err := collab.LoadConfig(configPath)
	if err != nil {
		glog.Errorf("load config = %s\n", err)
		os.Exit(1)
	}
	if listenAny := opts["--listen"]; listenAny != nil {
		config.ListenAddr = listenAny.(string)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	contents, closeContents, err := newContentsStore(cancelCtx, config)
	if err != nil {
		glog.Errorf("contents store = %s\n", err)
		os.Exit(1)
	}
	defer closeContents()

	outputs, err := newOutputStore(config)
	if err != nil {
		glog.Errorf("output store = %s\n", err)
		os.Exit(1)
	}

	resolver := collab.NewMemoryFileIdResolver()

	roomManager := collab.NewRoomManager(
		cancelCtx,
		resolver,
		contents,
		config.RoomManagerSettings(),
	)
	defer roomManager.Stop()

	server := collab.NewServer(
		cancelCtx,
		roomManager,
		outputs,
		config.ServerSettings(),
	)

	httpServer := &http.Server{
		Addr:    config.ListenAddr,
		Handler: server.Router(),
	}
	go func() {
		<-cancelCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	glog.Infof("collabd listening on %s\n", config.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Errorf("listen = %s\n", err)
		os.Exit(1)
	}
}

func newContentsStore(ctx context.Context, config *collab.Config) (collab.ContentsStore, func(), error) {
	switch config.ContentsStore {
	case "pg":
		contents, err := collab.NewPgContents(ctx, config.PgUrl)
		if err != nil {
			return nil, nil, err
		}
		return contents, contents.Close, nil
	case "disk":
		return collab.NewDiskContents(config.ContentsDir), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown contents store %q", config.ContentsStore)
	}
}

func newOutputStore(config *collab.Config) (collab.OutputStore, error) {
	switch config.OutputStore {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: config.RedisAddr,
		})
		return collab.NewRedisOutputStore(client, collab.DefaultRedisOutputStoreSettings()), nil
	case "disk":
		return collab.NewDiskOutputStore(config.OutputsDir), nil
	default:
		return nil, fmt.Errorf("unknown output store %q", config.OutputStore)
	}
}
