package db

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig("postgres://u:p@localhost:5432/ehr", 4, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxConns != 4 || cfg.MinConns != 1 {
		t.Errorf("expected 4/1 conns, got %d/%d", cfg.MaxConns, cfg.MinConns)
	}
	params := cfg.ConnConfig.RuntimeParams
	if params["application_name"] != ApplicationName {
		t.Errorf("application_name = %q", params["application_name"])
	}
	if params["default_transaction_read_only"] != "on" {
		t.Error("expected read-only sessions")
	}
}

func TestParseConfig_KeepsApplicationName(t *testing.T) {
	cfg, err := ParseConfig("postgres://u:p@localhost:5432/ehr?application_name=etl", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.ConnConfig.RuntimeParams["application_name"]; got != "etl" {
		t.Errorf("application_name = %q, want etl", got)
	}
}

func TestParseConfig_InvalidURL(t *testing.T) {
	if _, err := ParseConfig("postgres://u:p@localhost:notaport/ehr", 4, 0); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestPoolStats_Log(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.Info().Object("pool", &PoolStats{TotalConns: 2, MaxConns: 4, AcquireCount: 7, AcquireDuration: "1.5s"}).Msg("stats")

	var line struct {
		Pool map[string]interface{} `json:"pool"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line.Pool["total_conns"] != float64(2) || line.Pool["acquire_count"] != float64(7) || line.Pool["acquire_duration"] != "1.5s" {
		t.Errorf("unexpected pool fields %v", line.Pool)
	}
}
