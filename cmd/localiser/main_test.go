package main

import (
	"strings"
	"testing"

	"github.com/banshee-data/scanmatch/internal/config"
	"github.com/banshee-data/scanmatch/internal/geom"
	"github.com/banshee-data/scanmatch/internal/icp"
)

func TestFlagDefaults(t *testing.T) {
	if *synthetic {
		t.Error("synthetic should default to false")
	}
	if *noDB {
		t.Error("no-db should default to false")
	}
	if *configPath != "" || *portPath != "" || *listen != "" || *dbPath != "" {
		t.Error("override flags should default to empty")
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.EmptyLocaliserConfig()
	applyOverrides(cfg, "/dev/ttyACM0", "", "/tmp/x.db")

	if got := cfg.GetSerialPort(); got != "/dev/ttyACM0" {
		t.Errorf("serial port = %q", got)
	}
	if got := cfg.GetDBPath(); got != "/tmp/x.db" {
		t.Errorf("db path = %q", got)
	}
	if got := cfg.GetListen(); got != "localhost:8090" {
		t.Errorf("listen = %q, want default", got)
	}
}

func TestMergeReferences(t *testing.T) {
	cloud := geom.NewFrozenCloud(geom.Point{X: 1, Y: 1})
	configured := icp.ReferenceSet{
		{Name: "hall", Cloud: cloud, Prior: geom.Transform{Tx: 1}},
		{Name: "office", Cloud: cloud},
	}
	stored := icp.ReferenceSet{
		{Name: "office", Cloud: cloud, Prior: geom.Transform{Tx: 99}},
		{Name: "garage", Cloud: cloud},
	}

	got := mergeReferences(configured, stored)
	want := []string{"hall", "office", "garage"}
	if names := got.Names(); strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("names = %v, want %v", names, want)
	}
	if got[1].Prior.Tx != 0 {
		t.Error("configured reference should win over the stored one")
	}
	if len(configured) != 2 {
		t.Error("configured set was modified")
	}
}
