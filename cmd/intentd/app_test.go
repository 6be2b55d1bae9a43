package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"
)

func TestRootCommandFlags(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	for _, name := range []string{
		"listen", "store", "verify-quorum", "request-timeout", "max-line", "evidence-max",
		"event-log", "event-log-sync", "disk-sync",
		"s3-endpoint", "s3-region", "s3-force-path-style", "s3-insecure",
		"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
		"otlp-endpoint", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "log-level",
	} {
		if root.Flags().Lookup(name) == nil {
			t.Fatalf("root flag %q missing", name)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Fatalf("persistent --config flag missing")
	}
	if flag := root.PersistentFlags().ShorthandLookup("s"); flag == nil || flag.Name != "server" {
		t.Fatalf("expected global -s shorthand for --server, got %#v", flag)
	}
	if flag := root.PersistentFlags().ShorthandLookup("o"); flag == nil || flag.Name != "output" {
		t.Fatalf("expected global -o shorthand for --output, got %#v", flag)
	}
}

func TestRootCommandSubcommands(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	want := map[string]bool{
		"intent": false, "agent": false, "info": false,
		"events": false, "config": false, "version": false,
	}
	for _, sub := range root.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("subcommand %q not registered", name)
		}
	}
}

func TestDefaultConfigYAML(t *testing.T) {
	data, err := defaultConfigYAML()
	if err != nil {
		t.Fatalf("defaultConfigYAML: %v", err)
	}
	if !strings.HasPrefix(string(data), "# intentd configuration") {
		t.Fatalf("missing header comment:\n%s", data)
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("generated config is not valid yaml: %v", err)
	}
	if parsed["listen"] != "127.0.0.1:3000" {
		t.Fatalf("listen default %v", parsed["listen"])
	}
	if parsed["store"] != "mem://" {
		t.Fatalf("store default %v", parsed["store"])
	}
	if parsed["verify-quorum"] != 3 {
		t.Fatalf("verify-quorum default %v", parsed["verify-quorum"])
	}
}

func TestPrintEventsSkipsPartialLines(t *testing.T) {
	input := strings.Join([]string{
		`{"event_type":"intent.declared","subject":"a"}`,
		`not json`,
		`{"event_type":"intent.verified","subject":"a"}`,
	}, "\n") + "\n"
	var out bytes.Buffer
	if err := printEvents(&out, strings.NewReader(input), 0); err != nil {
		t.Fatalf("printEvents: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("printed %d lines, want 2:\n%s", len(lines), out.String())
	}
}

func TestPrintEventsLastN(t *testing.T) {
	input := strings.Join([]string{
		`{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`,
	}, "\n") + "\n"
	var out bytes.Buffer
	if err := printEvents(&out, strings.NewReader(input), 2); err != nil {
		t.Fatalf("printEvents: %v", err)
	}
	got := strings.TrimSpace(out.String())
	if got != "{\"n\":3}\n{\"n\":4}" {
		t.Fatalf("unexpected tail output %q", got)
	}
}

func TestBuildAgentSpecs(t *testing.T) {
	specs, err := buildAgentSpecs([]string{"a", "b"}, []string{"lint"}, 0)
	if err != nil {
		t.Fatalf("buildAgentSpecs: %v", err)
	}
	if len(specs) != 2 || specs[0].Name != "a" || specs[1].Capabilities[0] != "lint" {
		t.Fatalf("unexpected specs %+v", specs)
	}
	specs, err = buildAgentSpecs(nil, nil, 3)
	if err != nil {
		t.Fatalf("buildAgentSpecs count: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("want 3 anonymous agents, got %d", len(specs))
	}
	if _, err := buildAgentSpecs(nil, nil, 0); err == nil {
		t.Fatalf("expected error with neither --name nor --count")
	}
}
