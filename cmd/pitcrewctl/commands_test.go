package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/rjsadow/pitcrew/internal/config"
	"github.com/rjsadow/pitcrew/internal/db"
	"github.com/rjsadow/pitcrew/internal/k8s"
)

type harness struct {
	dbPath string
	client *fake.Clientset
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		dbPath: filepath.Join(t.TempDir(), "pitcrew.db"),
		client: fake.NewSimpleClientset(),
	}
}

func (h *harness) env() env {
	return env{
		loadConfig: func() (*config.Config, error) {
			return &config.Config{
				DBType:        "sqlite",
				DB:            h.dbPath,
				Namespace:     "racing",
				CoachImage:    config.DefaultCoachImage,
				CoachReplicas: 1,
				BackendRate:   100,
				BackendBurst:  10,
				LogLevel:      "error",
				LogFormat:     "text",
			}, nil
		},
		openDB:     db.OpenDB,
		kubeClient: func(string) (kubernetes.Interface, error) { return h.client, nil },
	}
}

func (h *harness) run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(h.env())
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("pitcrewctl %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func (h *harness) db(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.OpenDB("sqlite", h.dbPath)
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestCoachEnableDisable(t *testing.T) {
	h := newHarness(t)

	if out := h.run(t, "coach", "enable", "alice"); !strings.Contains(out, "enabled for alice") {
		t.Errorf("enable output = %q", out)
	}
	h.run(t, "coach", "enable", "bob")
	h.run(t, "coach", "disable", "bob")

	enabled, err := h.db(t).CoachingEnabled(context.Background(), []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("CoachingEnabled() error = %v", err)
	}
	if !enabled["alice"] || enabled["bob"] {
		t.Errorf("CoachingEnabled() = %v, want alice only", enabled)
	}

	out := h.run(t, "drivers")
	if !strings.Contains(out, "alice") || !strings.Contains(out, "on") || !strings.Contains(out, "off") {
		t.Errorf("drivers output = %q", out)
	}
}

func TestCoachStartStopList(t *testing.T) {
	h := newHarness(t)

	if out := h.run(t, "coach", "start", "Alice Smith"); !strings.Contains(out, "created pitcrew-alice-smith") {
		t.Errorf("start output = %q", out)
	}
	if out := h.run(t, "coach", "start", "Alice Smith"); !strings.Contains(out, "already running") {
		t.Errorf("second start output = %q", out)
	}

	deps, err := k8s.ListCoachDeployments(context.Background(), h.client, "racing")
	if err != nil {
		t.Fatalf("ListCoachDeployments() error = %v", err)
	}
	if len(deps) != 1 {
		t.Fatalf("deployments = %d, want 1", len(deps))
	}

	if out := h.run(t, "coach", "list"); strings.TrimSpace(out) != "alice-smith" {
		t.Errorf("list output = %q, want alice-smith", out)
	}

	if out := h.run(t, "coach", "stop", "Alice Smith"); !strings.Contains(out, "deleted") {
		t.Errorf("stop output = %q", out)
	}
	if out := h.run(t, "coach", "stop", "Alice Smith"); !strings.Contains(out, "not running") {
		t.Errorf("second stop output = %q", out)
	}
}

func TestMaintenanceCommands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	database := h.db(t)

	if err := database.CreateFastLap(ctx, &db.FastLap{Game: "G", Data: `{"segment":[{"start":2,"end":1}]}`}); err != nil {
		t.Fatalf("CreateFastLap() error = %v", err)
	}

	if out := h.run(t, "maintenance", "check-fastlaps"); !strings.Contains(out, "checked 1 fast laps, 1 malformed") {
		t.Errorf("check-fastlaps output = %q", out)
	}
	if out := h.run(t, "maint", "fix-fastlaps"); !strings.Contains(out, "deleted 1 orphaned") {
		t.Errorf("fix-fastlaps output = %q", out)
	}
	if out := h.run(t, "maintenance", "fix-laps", "--game", "Richard Burns Rally"); !strings.Contains(out, "checked 0 laps") {
		t.Errorf("fix-laps output = %q", out)
	}
	if out := h.run(t, "maintenance", "delete-driver-fastlaps"); !strings.Contains(out, "deleted 0 driver fast laps") {
		t.Errorf("delete-driver-fastlaps output = %q", out)
	}
}

func TestArgsValidated(t *testing.T) {
	h := newHarness(t)
	cmd := newRootCmd(h.env())
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"coach", "enable"})
	if err := cmd.Execute(); err == nil {
		t.Error("coach enable without driver error = nil, want error")
	}
}
