// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/vdisk/config.toml"
)

var Cfg Config

// Device is one disk created at start-up. Size is in MB in the file and in
// bytes after parse(), the image offset is always in bytes.
type Device struct {
	Number      string `toml:"number"`
	Size        int64  `toml:"size"`
	ImageOffset int64  `toml:"image_offset"`
	BlockSize   uint32 `toml:"block_size"`
	Kind        string `toml:"kind"`
	Class       string `toml:"class"`
	Proxy       string `toml:"proxy"`
	Path        string `toml:"path"`
	ReadOnly    bool   `toml:"read_only"`
	Removable   bool   `toml:"removable"`
	Sparse      bool   `toml:"sparse"`
	FakeSig     bool   `toml:"fake_disk_signature"`
}

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Adapter struct {
		MaxDevices        int   `toml:"max_devices" env:"VDISK_MAX_DEVICES" env-default:"0" env-description:"Maximum number of devices. 0 means unlimited."`
		MaxQueryDevices   int   `toml:"max_query_devices" env:"VDISK_MAX_QUERY" env-default:"256" env-description:"Maximum number of devices returned by an adapter query."`
		TeardownTimeoutMs int64 `toml:"teardown_timeout" env:"VDISK_TEARDOWN_TIMEOUT" env-default:"10000" env-description:"How long to wait for devices to quiesce on removal. In ms."`
		SignatureSeed     int64 `toml:"signature_seed" env:"VDISK_SIGNATURE_SEED" env-default:"0" env-description:"Seed for fake disk signatures. 0 seeds from time."`
	} `toml:"adapter"`

	Proxy struct {
		Service         string `toml:"service" env:"VDISK_PROXY_SERVICE" env-default:"unix:/run/vdisk/proxy.sock" env-description:"Proxy service endpoint for comm and tcp proxy disks."`
		SharedMemoryDir string `toml:"shm_dir" env:"VDISK_PROXY_SHMDIR" env-default:"/dev/shm" env-description:"Directory with shared memory regions of shm proxy disks."`
		DialTimeoutMs   int64  `toml:"dial_timeout" env:"VDISK_PROXY_DIAL_TIMEOUT" env-default:"5000" env-description:"Timeout for connecting to a proxy. In ms."`
	} `toml:"proxy"`

	Object struct {
		ChunkSize      int64 `toml:"chunk_size" env:"VDISK_OBJECT_CHUNKSIZE" env-default:"4" env-description:"Object disk chunk size in MB."`
		Uploaders      int   `toml:"uploaders" env:"VDISK_OBJECT_UPLOADERS" env-default:"16" env-description:"Max number of uploader threads."`
		Downloaders    int   `toml:"downloaders" env:"VDISK_OBJECT_DOWNLOADERS" env-default:"16" env-description:"Max number of downloader threads."`
		SkipCheckpoint bool  `toml:"skip_checkpoint" env:"VDISK_OBJECT_SKIP" env-default:"false" env-description:"Skip restoring from and creating chunk map checkpoint."`
	} `toml:"object"`

	S3 struct {
		Bucket    string `toml:"bucket" env:"VDISK_S3_BUCKET" env-description:"S3 Bucket name." env-default:"vdisk"`
		Remote    string `toml:"remote" env:"VDISK_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"VDISK_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"VDISK_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"VDISK_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
	} `toml:"s3"`

	Buse struct {
		Enabled        bool   `toml:"enabled" env:"VDISK_BUSE" env-default:"false" env-description:"Expose a device through BUSE."`
		Device         string `toml:"device" env:"VDISK_BUSE_DEVICE" env-default:"0:0:0" env-description:"Device number to expose."`
		Major          int    `toml:"major" env:"VDISK_BUSE_MAJOR" env-default:"0" env-description:"Device major. Decimal part of /dev/buse%d."`
		Threads        int    `toml:"threads" env:"VDISK_BUSE_THREADS" env-default:"0" env-description:"Number of user-space threads for serving queues."`
		QueueDepth     int    `toml:"queue_depth" env:"VDISK_BUSE_QUEUEDEPTH" env-default:"128" env-description:"Device IO queue depth."`
		Scheduler      bool   `toml:"scheduler" env:"VDISK_BUSE_SCHEDULER" env-default:"false" env-description:"Use block layer scheduler."`
		Durable        bool   `toml:"durable" env:"VDISK_BUSE_DURABLE" env-description:"Flush semantics. True means durable, false means barrier only." env-default:"false"`
		WriteChunkSize int    `toml:"write_chunk_size" env:"VDISK_BUSE_WRITE_CHUNKSIZE" env-description:"Write chunk size in MB." env-default:"4"`
		WriteBufSize   int    `toml:"write_shared_buffer_size" env:"VDISK_BUSE_WRITE_BUFSIZE" env-description:"Write shared memory size in MB." env-default:"32"`
		ReadBufSize    int    `toml:"read_shared_buffer_size" env:"VDISK_BUSE_READ_BUFSIZE" env-description:"Read shared memory size in MB." env-default:"32"`
		CollisionSize  int    `toml:"collision_chunk_size" env:"VDISK_BUSE_COLSIZE" env-description:"Collision size in MB." env-default:"1"`
	} `toml:"buse"`

	Proxyd struct {
		Listen    string `toml:"listen" env:"VDISK_PROXYD_LISTEN" env-default:"unix:/run/vdisk/proxy.sock" env-description:"Stream endpoint to serve on. Empty disables it."`
		ShmName   string `toml:"shm_name" env:"VDISK_PROXYD_SHM" env-default:"" env-description:"Name of the shared memory region to serve. Empty disables it."`
		ShmSize   int    `toml:"shm_size" env:"VDISK_PROXYD_SHMSIZE" env-default:"4" env-description:"Shared memory payload size in MB."`
		Image     string `toml:"image" env:"VDISK_PROXYD_IMAGE" env-default:"" env-description:"Image file served to clients. Empty serves the object store."`
		Size      int64  `toml:"size" env:"VDISK_PROXYD_SIZE" env-default:"0" env-description:"Size of a created image or of the object disk in MB."`
		ReadOnly  bool   `toml:"read_only" env:"VDISK_PROXYD_READONLY" env-default:"false" env-description:"Report the medium as read-only."`
		Alignment uint64 `toml:"alignment" env:"VDISK_PROXYD_ALIGNMENT" env-default:"1" env-description:"Required request alignment reported to clients."`
		Direct    bool   `toml:"direct" env:"VDISK_PROXYD_DIRECT" env-default:"false" env-description:"Hand clients a private socket on CONNECT."`
	} `toml:"proxyd"`

	Devices []Device `toml:"device"`

	Log struct {
		Level  int  `toml:"level" env:"VDISK_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"VDISK_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"VDISK_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"VDISK_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priotiry and the environment variables have
// the highest priority. It is perfetcly to fine to use just one of these or to
// combine them.
func Configure(name string) error {
	flagSetup(name, os.Args[1:])
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	const mb = 1024 * 1024

	Cfg.Object.ChunkSize *= mb
	Cfg.Buse.WriteChunkSize *= mb
	Cfg.Buse.WriteBufSize *= mb
	Cfg.Buse.ReadBufSize *= mb
	Cfg.Buse.CollisionSize *= mb
	Cfg.Proxyd.ShmSize *= mb
	Cfg.Proxyd.Size *= mb

	for i := range Cfg.Devices {
		Cfg.Devices[i].Size *= mb
	}

	return nil
}

// Handle program flags.
func flagSetup(name string, args []string) {
	f := flag.NewFlagSet(name, flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(args)
}
