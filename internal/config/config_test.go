// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sample = `
[adapter]
max_devices = 4

[object]
chunk_size = 8

[[device]]
number = "0:1:0"
size = 10
path = "/var/lib/vdisk/a.img"
sparse = true

[[device]]
kind = "memory"
size = 1
`

func TestParse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(sample), 0644); err != nil {
		t.Fatal(err)
	}

	Cfg = Config{ConfigPath: path}
	if err := parse(); err != nil {
		t.Fatal(err)
	}

	if Cfg.Adapter.MaxDevices != 4 {
		t.Errorf("max devices %d", Cfg.Adapter.MaxDevices)
	}
	if Cfg.Adapter.MaxQueryDevices != 256 {
		t.Errorf("default max query %d", Cfg.Adapter.MaxQueryDevices)
	}
	if Cfg.Object.ChunkSize != 8<<20 {
		t.Errorf("chunk size %d", Cfg.Object.ChunkSize)
	}
	if Cfg.Buse.WriteChunkSize != 4<<20 {
		t.Errorf("default write chunk size %d", Cfg.Buse.WriteChunkSize)
	}
	if len(Cfg.Devices) != 2 {
		t.Fatalf("%d devices", len(Cfg.Devices))
	}
	if d := Cfg.Devices[0]; d.Number != "0:1:0" || d.Size != 10<<20 || !d.Sparse {
		t.Errorf("first device %+v", d)
	}
	if d := Cfg.Devices[1]; d.Kind != "memory" || d.Size != 1<<20 {
		t.Errorf("second device %+v", d)
	}
}

func TestParseMissingFileUsesDefaults(t *testing.T) {
	Cfg = Config{ConfigPath: filepath.Join(t.TempDir(), "none.toml")}
	if err := parse(); err != nil {
		t.Fatal(err)
	}

	if Cfg.Proxy.DialTimeoutMs != 5000 || Cfg.S3.Bucket != "vdisk" {
		t.Errorf("defaults not applied: %+v %+v", Cfg.Proxy, Cfg.S3)
	}
}

func TestFlagSetup(t *testing.T) {
	Cfg = Config{}

	flagSetup("vdisk", nil)
	if Cfg.ConfigPath != defaultConfig {
		t.Errorf("default path %q", Cfg.ConfigPath)
	}

	flagSetup("vdisk", []string{"-c", "/tmp/other.toml"})
	if Cfg.ConfigPath != "/tmp/other.toml" {
		t.Errorf("path %q", Cfg.ConfigPath)
	}
}
