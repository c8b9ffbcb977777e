package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/config"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func writeConfig(t *testing.T, yml string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "receiver.yaml")
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	old := *configPath
	*configPath = path
	t.Cleanup(func() { *configPath = old })
}

func TestRunReturnsConfigErrors(t *testing.T) {
	writeConfig(t, "chunker:\n  chunk_size: 4\nlogging:\n  level: silent\n")
	if err := run(); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestRunReleasesVideoPortWhenRegistrationFails(t *testing.T) {
	videoPort, controlPort := freeUDPPort(t), freeUDPPort(t)
	writeConfig(t, fmt.Sprintf(`
network:
  server_addr: 127.0.0.1
  bind_addr: 127.0.0.1
  control_port: %d
  video_port: %d
session:
  timeout: 100ms
http:
  addr: ""
  metrics_addr: ""
logging:
  level: silent
`, controlPort, videoPort))

	if err := run(); err == nil {
		t.Fatal("run succeeded without a sender")
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: videoPort})
	if err != nil {
		t.Fatalf("video port still held after run returned: %v", err)
	}
	conn.Close()
}
