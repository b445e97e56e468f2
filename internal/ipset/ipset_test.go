package ipset

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/avolkhov/wgfence/internal/netset"
	"github.com/avolkhov/wgfence/internal/sysexec"
)

type execCall struct {
	command string
	args    []string
}

func (c execCall) String() string {
	if len(c.args) == 0 {
		return c.command
	}
	return c.command + " " + strings.Join(c.args, " ")
}

// fakeRunner records every invocation and answers probes and failures from
// canned maps keyed by the full command line.
type fakeRunner struct {
	calls      []execCall
	runErrors  map[string]error
	runOutputs map[string]string
	existing   map[string]bool
}

func (f *fakeRunner) Run(_ context.Context, command string, args ...string) (string, error) {
	call := execCall{command: command, args: append([]string(nil), args...)}
	f.calls = append(f.calls, call)

	if f.runErrors != nil {
		if err, ok := f.runErrors[call.String()]; ok {
			return "", err
		}
	}
	if f.runOutputs != nil {
		if out, ok := f.runOutputs[call.String()]; ok {
			return out, nil
		}
	}
	return "", nil
}

func (f *fakeRunner) Check(_ context.Context, command string, args ...string) (bool, error) {
	call := execCall{command: command, args: append([]string(nil), args...)}
	f.calls = append(f.calls, call)
	return f.existing[call.String()], nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustSet(t *testing.T, entries ...string) *netset.Set {
	t.Helper()
	s := netset.New()
	for _, e := range entries {
		prefixes, err := netset.ParseEntry(e)
		if err != nil {
			t.Fatalf("parse %q: %v", e, err)
		}
		for _, p := range prefixes {
			s.Add(p)
		}
	}
	return s
}

func testConfig() Config {
	return Config{
		SetName:      "wg_allowed_ips",
		WGInterface:  "wg1",
		LANInterface: "ens3",
	}
}

func (f *fakeRunner) commandLines() []string {
	lines := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		lines = append(lines, c.String())
	}
	return lines
}

func TestApplyStagesAndSwaps(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	final := mustSet(t, "10.0.0.0/24", "192.168.0.0/16")

	if err := Apply(context.Background(), runner, testConfig(), final, discardLogger()); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	lines := runner.commandLines()
	wantOrder := []string{
		"ipset create -exist wg_allowed_ips hash:net family inet",
		"ipset create -exist wg_allowed_ips-next hash:net family inet",
		"ipset flush wg_allowed_ips-next",
		"ipset add -exist wg_allowed_ips-next 10.0.0.0/24",
		"ipset add -exist wg_allowed_ips-next 192.168.0.0/16",
		"ipset swap wg_allowed_ips-next wg_allowed_ips",
		"ipset destroy wg_allowed_ips-next",
	}
	for i, want := range wantOrder {
		if lines[i] != want {
			t.Fatalf("command %d = %q, want %q", i, lines[i], want)
		}
	}

	// The staging set is fully loaded before the swap; the live set is never
	// flushed or written directly.
	for _, line := range lines {
		if strings.Contains(line, "flush wg_allowed_ips ") || strings.HasSuffix(line, "flush wg_allowed_ips") {
			t.Fatalf("live set must not be flushed: %q", line)
		}
		if strings.Contains(line, "add -exist wg_allowed_ips ") {
			t.Fatalf("live set must not be written directly: %q", line)
		}
	}
}

func TestApplyEnsuresRulesIdempotently(t *testing.T) {
	t.Parallel()

	final := mustSet(t, "10.0.0.0/24")
	cfg := testConfig()

	first := &fakeRunner{existing: map[string]bool{}}
	if err := Apply(context.Background(), first, cfg, final, discardLogger()); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	adds := 0
	existing := map[string]bool{}
	for _, c := range first.calls {
		if c.command == ipv4Binary && len(c.args) > 2 && c.args[2] == "-A" {
			adds++
			probe := append([]string(nil), c.args...)
			probe[2] = "-C"
			existing[ipv4Binary+" "+strings.Join(probe, " ")] = true
		}
	}
	if adds != 4 {
		t.Fatalf("expected 4 rule additions on first run, got %d", adds)
	}

	// Second run: every probe answers "present", so no rule is added again.
	second := &fakeRunner{existing: existing}
	if err := Apply(context.Background(), second, cfg, final, discardLogger()); err != nil {
		t.Fatalf("second Apply returned error: %v", err)
	}
	for _, c := range second.calls {
		if c.command == ipv4Binary && len(c.args) > 2 && c.args[2] == "-A" {
			t.Fatalf("second run must not add rules, got: %s", c)
		}
	}
}

func TestApplySwapFailureStopsBeforeRules(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{
		runErrors: map[string]error{
			"ipset swap wg_allowed_ips-next wg_allowed_ips": &sysexec.CommandError{
				Command: "ipset",
				Args:    []string{"swap"},
				Output:  "kernel says no",
			},
		},
	}

	err := Apply(context.Background(), runner, testConfig(), mustSet(t, "10.0.0.0/24"), discardLogger())
	if err == nil {
		t.Fatal("expected error when swap fails")
	}

	for _, c := range runner.calls {
		if c.command == ipv4Binary {
			t.Fatalf("iptables must not run after a failed swap, got: %s", c)
		}
	}
}

func TestApplyDestroyFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{
		runErrors: map[string]error{
			"ipset destroy wg_allowed_ips-next": &sysexec.CommandError{Command: "ipset", Args: []string{"destroy"}},
		},
	}

	if err := Apply(context.Background(), runner, testConfig(), mustSet(t, "10.0.0.0/24"), discardLogger()); err != nil {
		t.Fatalf("destroy failure must not fail the run: %v", err)
	}
}

func TestApplySplitsFamilies(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.IPv6 = true
	final := mustSet(t, "10.0.0.0/24", "2001:db8::/32")

	runner := &fakeRunner{}
	if err := Apply(context.Background(), runner, cfg, final, discardLogger()); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	var v4Add, v6Add bool
	for _, line := range runner.commandLines() {
		switch line {
		case "ipset add -exist wg_allowed_ips-next 10.0.0.0/24":
			v4Add = true
		case "ipset add -exist wg_allowed_ips6-next 2001:db8::/32":
			v6Add = true
		}
		if strings.Contains(line, "wg_allowed_ips-next 2001:db8") {
			t.Fatalf("ipv6 prefix must not enter the ipv4 set: %q", line)
		}
	}
	if !v4Add || !v6Add {
		t.Fatalf("expected both family adds, got v4=%t v6=%t", v4Add, v6Add)
	}
}

func TestApplySkipsIPv6WithoutSupport(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	final := mustSet(t, "10.0.0.0/24", "2001:db8::/32")

	if err := Apply(context.Background(), runner, testConfig(), final, discardLogger()); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	for _, line := range runner.commandLines() {
		if strings.Contains(line, "2001:db8") {
			t.Fatalf("ipv6 prefix applied without ipv6 support: %q", line)
		}
		if strings.HasPrefix(line, ipv6Binary+" ") {
			t.Fatalf("ip6tables must not run without ipv6 support: %q", line)
		}
	}
}

func TestApplyPersistWritesDumps(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig()
	cfg.Persist = true
	cfg.RulesV4Path = filepath.Join(dir, "rules.v4")
	cfg.IPSetSavePath = filepath.Join(dir, "ipset.conf")

	runner := &fakeRunner{
		runOutputs: map[string]string{
			"iptables-save": "*filter\nCOMMIT\n",
			"ipset save wg_allowed_ips": "create wg_allowed_ips hash:net\nadd wg_allowed_ips 10.0.0.0/24\n",
		},
	}

	if err := Apply(context.Background(), runner, cfg, mustSet(t, "10.0.0.0/24"), discardLogger()); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	rules, err := os.ReadFile(cfg.RulesV4Path)
	if err != nil {
		t.Fatalf("read rules dump: %v", err)
	}
	if !strings.Contains(string(rules), "COMMIT") {
		t.Fatalf("unexpected rules dump: %q", rules)
	}

	sets, err := os.ReadFile(cfg.IPSetSavePath)
	if err != nil {
		t.Fatalf("read ipset dump: %v", err)
	}
	if !strings.Contains(string(sets), "add wg_allowed_ips") {
		t.Fatalf("unexpected ipset dump: %q", sets)
	}
}

func TestApplyEmptySetNameRejected(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.SetName = ""
	if err := Apply(context.Background(), &fakeRunner{}, cfg, netset.New(), discardLogger()); err == nil {
		t.Fatal("expected error for empty set name")
	}
}
