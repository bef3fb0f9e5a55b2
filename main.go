// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// vdisk is a userspace daemon hosting virtual disks. Each disk is backed by
// an image file, memory, a storage proxy or an object store and served
// through a block command interface. One of the disks can be exposed to the
// kernel as a BUSE block device.
//
// Project structure is following:
//
// - internal/vdisk contains the adapter with the device registry, the
// request dispatcher and the per device workers. Backing stores live in
// internal/vdisk/backing.
//
// - internal/proxy contains the storage proxy protocol client and server.
// cmd/vdisk-proxyd is a proxy serving an image, memory or an object store.
//
// - internal/frontend adapts one disk to the BUSE read and write interface.
//
// - internal/config contains configuration package which is common for the
// daemon and the proxy.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/buse/lib/go/buse"
	"github.com/asch/vdisk/internal/config"
	"github.com/asch/vdisk/internal/frontend"
	"github.com/asch/vdisk/internal/vdisk"
)

// Parse configuration from file and environment variables, create the
// configured disks and serve them until SIGINT or SIGTERM. With BUSE enabled
// the selected disk is exposed as a block device and the signal stops it.
func main() {
	err := config.Configure("vdisk")
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	adapter := vdisk.NewWithDefaults()
	createDevices(adapter, config.Cfg.Devices)

	if config.Cfg.Buse.Enabled {
		if err := runBuse(adapter); err != nil {
			log.Error().Err(err).Msg("BUSE device failed.")
		}
	} else {
		waitForSignal()
	}

	if err := adapter.Close(context.Background()); err != nil {
		log.Error().Err(err).Msg("Devices did not stop in time.")
	}
}

// createDevices creates disks from the configuration. A disk which fails is
// logged and skipped.
func createDevices(adapter *vdisk.Adapter, devices []config.Device) {
	for _, d := range devices {
		p, err := vdisk.ParamsFromConfig(d)
		if err != nil {
			log.Error().Err(err).Str("dev", d.Number).Str("path", d.Path).Msg("Bad device configuration.")
			continue
		}

		if _, err := adapter.CreateDevice(context.Background(), p); err != nil {
			log.Error().Err(err).Str("dev", d.Number).Str("path", d.Path).Msg("Cannot create device.")
		}
	}
}

// runBuse exposes the configured disk and returns when the BUSE device is
// stopped.
func runBuse(adapter *vdisk.Adapter) error {
	cfg := &config.Cfg.Buse

	dn, err := vdisk.ParseDeviceNumber(cfg.Device)
	if err != nil {
		return err
	}

	disk, err := frontend.New(adapter, frontend.Options{
		Device:         dn,
		WriteChunkSize: int64(cfg.WriteChunkSize),
	})
	if err != nil {
		return err
	}

	size, blockSize, err := disk.Size()
	if err != nil {
		return err
	}

	b, err := buse.New(disk, buse.Options{
		Durable:        cfg.Durable,
		WriteChunkSize: int64(cfg.WriteChunkSize),
		BlockSize:      blockSize,
		Threads:        cfg.Threads,
		Major:          int64(cfg.Major),
		WriteShmSize:   int64(cfg.WriteBufSize),
		ReadShmSize:    int64(cfg.ReadBufSize),
		Size:           size,
		CollisionArea:  int64(cfg.CollisionSize),
		QueueDepth:     int64(cfg.QueueDepth),
		Scheduler:      cfg.Scheduler,
	})
	if err != nil {
		return err
	}

	log.Info().Msgf("BUSE device %d registered for %s!", cfg.Major, dn)

	registerSigHandlers(func() {
		log.Info().Msgf("Received interrupt, stopping buse%d device!", cfg.Major)
		b.StopDevice()
	})

	b.Run()

	log.Info().Msgf("Removing buse%d", cfg.Major)
	b.RemoveDevice()

	return nil
}

func waitForSignal() {
	stopped := make(chan struct{})
	registerSigHandlers(func() {
		log.Info().Msg("Received interrupt, removing devices!")
		close(stopped)
	})
	<-stopped
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(stop func()) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		stop()
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
