package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"drawbot-go/pkg/config"
	"drawbot-go/pkg/device"
	drawerrors "drawbot-go/pkg/errors"
	"drawbot-go/pkg/mockarm"
	"drawbot-go/pkg/motion"
)

func startConsole(t *testing.T) (*console, *mockarm.Arm) {
	t.Helper()
	arm, err := mockarm.Start("127.0.0.1:0", "", mockarm.Options{})
	if err != nil {
		t.Fatalf("start mock arm: %v", err)
	}
	t.Cleanup(func() { arm.Close() })

	conn, err := device.Dial(context.Background(), device.DefaultConfig(arm.Addr()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &console{dev: conn, timeout: 5 * time.Second}, arm
}

func run(t *testing.T, c *console, name string, args ...string) string {
	t.Helper()
	for _, cc := range c.commands() {
		if cc.name == name {
			out, err := cc.fn(args)
			if err != nil {
				t.Fatalf("%s %v: %v", name, args, err)
			}
			return out
		}
	}
	t.Fatalf("no command %q", name)
	return ""
}

func TestConsoleJogSession(t *testing.T) {
	c, arm := startConsole(t)

	if out := run(t, c, "mode"); !strings.HasPrefix(out, "ROBOT_MODE_DISABLED") {
		t.Errorf("mode before enable = %q", out)
	}
	if out := run(t, c, "enable"); out != "0,{},EnableRobot();" {
		t.Errorf("enable ack = %q", out)
	}
	run(t, c, "speed", "25")
	run(t, c, "user", "6")
	run(t, c, "servo", "10", "20", "-5")
	run(t, c, "servo", "--no-sync", "11", "21", "-5", "0", "0", "90")
	run(t, c, "sync")

	if arm.SpeedFactor() != 25 || arm.UserFrame() != 6 {
		t.Errorf("speed=%d user=%d", arm.SpeedFactor(), arm.UserFrame())
	}
	want := motion.Pose6D{X: 11, Y: 21, Z: -5, RZ: 90}
	if arm.Pose() != want {
		t.Errorf("pose = %v, want %v", arm.Pose(), want)
	}
	if n := arm.Count("Sync"); n != 2 {
		t.Errorf("Sync frames = %d, want 2", n)
	}
	if out := run(t, c, "mode"); !strings.Contains(out, "(7)") {
		t.Errorf("mode after motion = %q", out)
	}
}

func TestConsoleRejectsBadArguments(t *testing.T) {
	c, arm := startConsole(t)
	tests := []struct {
		name string
		args []string
	}{
		{"speed", []string{"0"}},
		{"speed", []string{"fast"}},
		{"user", nil},
		{"servo", []string{"1", "2"}},
		{"movl", []string{"1", "2", "x"}},
		{"movj", []string{"1", "2", "3"}},
	}
	for _, tt := range tests {
		for _, cc := range c.commands() {
			if cc.name != tt.name {
				continue
			}
			if _, err := cc.fn(tt.args); err == nil {
				t.Errorf("%s %v: expected error", tt.name, tt.args)
			}
		}
	}
	if n := len(arm.Frames()); n != 0 {
		t.Errorf("invalid commands reached the arm: %v", arm.Frames())
	}
}

func TestConsoleReportsDeviceFault(t *testing.T) {
	c, _ := startConsole(t)
	// motion before enable is refused by the controller
	_, err := c.movl([]string{"1", "2", "3"})
	if !drawerrors.IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	run(t, c, "clear")
	run(t, c, "reset")
	run(t, c, "enable")
	run(t, c, "movj", "0", "10", "20", "0", "90", "0")
}

func TestConsoleSavesTunedSettings(t *testing.T) {
	c, _ := startConsole(t)
	if _, err := c.save(nil); err == nil {
		t.Error("save without a config file should fail")
	}

	path := filepath.Join(t.TempDir(), "arm.cfg")
	if err := os.WriteFile(path, []byte("[device]\nhost: 127.0.0.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	edit, err := config.LoadEditable(path)
	if err != nil {
		t.Fatal(err)
	}
	c.edit = edit

	if out := run(t, c, "save"); out != "nothing to save" {
		t.Errorf("save with no changes = %q", out)
	}
	run(t, c, "enable")
	run(t, c, "speed", "70")
	run(t, c, "user", "2")
	run(t, c, "save")

	cfg, err := config.LoadDrawbot(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Device.SpeedFactor != 70 || cfg.Device.UserFrame != 2 || cfg.Device.Host != "127.0.0.1" {
		t.Errorf("saved device section = %+v", cfg.Device)
	}
}
