package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Running.Port != 8082 {
		t.Fatalf("port = %d", cfg.Running.Port)
	}
	opts := cfg.Collab.Options()
	if opts.BatchDelay != 50*time.Millisecond || opts.MaxUsers != 50 || opts.MaxOpsPerMinute != 600 || opts.MaxClockSkew != 1<<20 {
		t.Fatalf("unexpected options %+v", opts)
	}
	if cfg.Collab.HeartbeatTimeout != time.Minute || cfg.Collab.HeartbeatCheckInterval != 30*time.Second {
		t.Fatalf("unexpected heartbeat %v/%v", cfg.Collab.HeartbeatTimeout, cfg.Collab.HeartbeatCheckInterval)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
running:
  port: 9000
mysql:
  dsn: "root:root@tcp(127.0.0.1:3306)/collab?parseTime=true"
collab:
  maxUsers: 3
  batchFlushMs: 20
  idleEviction: 2m
`
	if err := os.WriteFile(filepath.Join(dir, "collabConfig.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("COLLAB_COLLAB_MAXOPSPERMINUTE", "10")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Running.Port != 9000 {
		t.Errorf("port = %d", cfg.Running.Port)
	}
	if cfg.Mysql.DSN == "" {
		t.Errorf("dsn not read")
	}
	opts := cfg.Collab.Options()
	if opts.MaxUsers != 3 || opts.BatchDelay != 20*time.Millisecond {
		t.Errorf("file values not applied: %+v", opts)
	}
	if opts.MaxOpsPerMinute != 10 {
		t.Errorf("env override not applied: %d", opts.MaxOpsPerMinute)
	}
	if r := cfg.Collab.RegistryOptions(); r.IdleEviction != 2*time.Minute || r.CompactionInterval != 10*time.Minute {
		t.Errorf("registry options %+v", r)
	}
}

func TestLoad_BadFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "collabConfig.yaml"), []byte("running: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected parse error")
	}
}
