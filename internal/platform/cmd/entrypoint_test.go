package cmd

import (
	"context"
	"flag"
	"strings"
	"testing"
)

type testConfig struct {
	HTTPAddr string `env:"CMD_TEST_HTTP_ADDR" envDefault:":8086"`
	NodeID   string `env:"CMD_TEST_NODE_ID"   envDefault:"node-a"`
}

func TestFlagsOverrideEnvDefaults(t *testing.T) {
	t.Setenv("CMD_TEST_HTTP_ADDR", "env:9000")
	t.Setenv("CMD_TEST_NODE_ID", "node-env")

	var cfg testConfig
	if err := ParseConfig(&cfg); err != nil {
		t.Fatalf("load env: %v", err)
	}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "")
	fs.StringVar(&cfg.NodeID, "node-id", cfg.NodeID, "")
	if err := ParseArgs(fs, []string{"-http-addr", "flag:9001"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if cfg.HTTPAddr != "flag:9001" {
		t.Fatalf("http addr = %q, want flag value", cfg.HTTPAddr)
	}
	if cfg.NodeID != "node-env" {
		t.Fatalf("node id = %q, want env value", cfg.NodeID)
	}
}

func TestParseArgsAcceptsNilArgs(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	if err := ParseArgs(fs, nil); err != nil {
		t.Fatalf("parse nil args: %v", err)
	}
}

func TestParseConfigWrapsEnvErrors(t *testing.T) {
	t.Setenv("CMD_TEST_RETRIES", "not-an-int")

	var cfg struct {
		Retries int `env:"CMD_TEST_RETRIES" envDefault:"3"`
	}
	err := ParseConfig(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestParseConfigRejectsNilTarget(t *testing.T) {
	if err := ParseConfig[testConfig](nil); err == nil {
		t.Fatal("expected nil target error")
	}
}

func TestParseArgsRejectsNilParser(t *testing.T) {
	if err := ParseArgs(nil, []string{}); err == nil {
		t.Fatal("expected parse args to reject nil parser")
	}
}

func TestRunWithTelemetryRejectsMissingInputs(t *testing.T) {
	if err := RunWithTelemetry(nil, "", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected missing service error")
	}
	if err := RunWithTelemetry(nil, ServiceChat, nil); err == nil {
		t.Fatal("expected missing run function error")
	}
}

func TestRunWithTelemetryInvokesRun(t *testing.T) {
	t.Setenv("KBCHAT_OTEL_ENDPOINT", "")

	called := false
	err := RunWithTelemetry(context.Background(), ServiceChat, func(context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("run with telemetry: %v", err)
	}
	if !called {
		t.Fatal("expected run function to be invoked")
	}
}
