package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/source"
)

func writeConfig(t *testing.T, yml string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sender.yaml")
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	old := *configPath
	*configPath = path
	t.Cleanup(func() { *configPath = old })
}

func TestRunReturnsConfigErrors(t *testing.T) {
	writeConfig(t, "source:\n  kind: carrier-pigeon\nlogging:\n  level: silent\n")
	if err := run(); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestRunReleasesControlPortWhenSourceFails(t *testing.T) {
	probe, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := probe.LocalAddr().(*net.UDPAddr).Port
	probe.Close()

	writeConfig(t, fmt.Sprintf(`
network:
  bind_addr: 127.0.0.1
  control_port: %d
source:
  kind: file
  path: %s
http:
  addr: ""
  metrics_addr: ""
logging:
  level: silent
`, port, filepath.Join(t.TempDir(), "absent.h264")))

	if err := run(); err == nil || !strings.Contains(err.Error(), "open source") {
		t.Fatalf("err = %v, want source open failure", err)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatalf("control port still held after run returned: %v", err)
	}
	conn.Close()
}

func TestBuildSourceWrapsDenoise(t *testing.T) {
	tests := []struct {
		name       string
		kind       string
		transcoded bool
	}{
		{"udp relay", "udp", true},
		{"capture encoder", "exec", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Source.Kind = tt.kind
			cfg.Denoise.Enabled = true

			src, closeSrc, err := buildSource(cfg)
			if err != nil {
				t.Fatalf("buildSource: %v", err)
			}
			defer closeSrc()

			switch s := src.(type) {
			case *source.Transcoder:
				if !tt.transcoded {
					t.Fatal("capture encoder wrapped in a second transcode")
				}
				if !strings.Contains(strings.Join(s.Command, " "), "-vf bilateral=") {
					t.Fatalf("transcoder command %v has no filter", s.Command)
				}
			case *source.ExecSource:
				if tt.transcoded {
					t.Fatal("source not wrapped in a transcoder")
				}
				if !strings.Contains(strings.Join(s.Command, " "), "-vf bilateral=") {
					t.Fatalf("encoder command %v has no filter", s.Command)
				}
			default:
				t.Fatalf("unexpected source %T", src)
			}
		})
	}
}
