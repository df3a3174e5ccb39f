package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestInit_WritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "recon.log")
	if err := Init(Config{Level: "debug", OutputFile: path, NoColors: true}); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer func() {
		_ = Close()
		logrus.SetOutput(os.Stderr)
	}()

	logrus.WithField("component", "reconcile").Info("hello from component")
	Infof("hello from %s", "logger")

	if got := GetCurrentLogFile(); got != path {
		t.Fatalf("current log file=%q want %q", got, path)
	}
	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, "hello from component") || !strings.Contains(s, "hello from logger") {
		t.Fatalf("log file missing lines: %q", s)
	}
	if !strings.Contains(s, "component=reconcile") {
		t.Fatalf("expected structured field in %q", s)
	}
}

func TestInit_BadLevelFallsBackToInfo(t *testing.T) {
	if err := Init(Config{Level: "loud"}); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer logrus.SetOutput(os.Stderr)
	if Logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("level=%v", Logger.GetLevel())
	}
}
