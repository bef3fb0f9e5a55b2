// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// vdisk-proxyd serves one medium over the storage proxy protocol. The medium
// is an image file or, without an image, an object disk in S3. Clients
// connect over a unix or tcp stream socket or over a shared memory region.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/asch/vdisk/internal/config"
	"github.com/asch/vdisk/internal/proxy"
	"github.com/asch/vdisk/internal/proxy/server"
	"github.com/asch/vdisk/internal/vdisk/backing"
	"github.com/asch/vdisk/internal/vdisk/backing/objstore"
	"github.com/asch/vdisk/internal/vdisk/backing/objstore/s3"
)

// medium is a served backing store.
type medium interface {
	server.Medium
	Close() error
}

func main() {
	err := config.Configure("vdisk-proxyd")
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	ctx, cancel := signalContext()
	defer cancel()

	m, err := openMedium(ctx)
	if err != nil {
		log.Panic().Err(err).Msg("Cannot open medium.")
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Error().Err(err).Msg("Closing medium failed.")
		}
	}()

	cfg := &config.Cfg.Proxyd
	srv := server.New(m, server.Options{
		ReadOnly:  cfg.ReadOnly,
		Alignment: cfg.Alignment,
		Direct:    cfg.Direct,
	})

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Listen != "" {
		l, err := listen(cfg.Listen)
		if err != nil {
			log.Panic().Err(err).Str("listen", cfg.Listen).Send()
		}
		log.Info().Str("listen", cfg.Listen).Msg("Serving stream clients.")
		g.Go(func() error { return srv.Serve(ctx, l) })
	}

	if cfg.ShmName != "" {
		g.Go(func() error { return serveSharedMemory(ctx, srv, cfg.ShmName, cfg.ShmSize) })
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Proxy stopped.")
	}
}

// openMedium opens the image or the object disk.
func openMedium(ctx context.Context) (medium, error) {
	cfg := &config.Cfg

	if cfg.Proxyd.Image != "" {
		return backing.OpenFile(backing.FileOptions{
			Path:     cfg.Proxyd.Image,
			ReadOnly: cfg.Proxyd.ReadOnly,
			MinSize:  cfg.Proxyd.Size,
		})
	}

	instance, err := s3.New(s3.Options{
		Remote:    cfg.S3.Remote,
		Region:    cfg.S3.Region,
		Bucket:    cfg.S3.Bucket,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
	})
	if err != nil {
		return nil, err
	}

	return objstore.New(ctx, instance, objstore.Options{
		Size:        cfg.Proxyd.Size,
		ChunkSize:   cfg.Object.ChunkSize,
		Uploaders:   cfg.Object.Uploaders,
		Downloaders: cfg.Object.Downloaders,
		Checkpoint:  !cfg.Object.SkipCheckpoint,
	})
}

// listen accepts "unix:/path", "tcp:host:port" or a bare unix path.
func listen(endpoint string) (net.Listener, error) {
	network, address := "unix", endpoint
	for _, n := range []string{"unix", "tcp"} {
		if len(endpoint) > len(n) && endpoint[:len(n)+1] == n+":" {
			network, address = n, endpoint[len(n)+1:]
		}
	}

	if network == "unix" {
		os.Remove(address)
	}

	return net.Listen(network, address)
}

// serveSharedMemory serves one client session after another in the region.
func serveSharedMemory(ctx context.Context, srv *server.Server, name string, size int) error {
	mem, err := proxy.CreateSharedMemory(config.Cfg.Proxy.SharedMemoryDir, name, proxy.HeaderSize+size)
	if err != nil {
		return fmt.Errorf("shared memory %s: %w", name, err)
	}
	defer mem.Close()

	log.Info().Str("name", name).Int("size", size).Msg("Serving shared memory clients.")

	for ctx.Err() == nil {
		if err := srv.ServeSharedMemory(ctx, mem); err != nil {
			return err
		}
	}

	return nil
}

// signalContext is cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msg("Received interrupt, stopping proxy!")
		cancel()
	}()

	return ctx, cancel
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}
