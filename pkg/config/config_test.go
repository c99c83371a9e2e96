package config

import (
	"errors"
	"os"
	fp "path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/peerlink/arq/internal/model"
	"github.com/peerlink/arq/internal/optional"
)

func TestNewConfig(t *testing.T) {
	t.Run("default constructor does not fail", func(t *testing.T) {
		c := NewConfig()
		if c.logger == nil {
			t.Errorf("logger should not be nil")
		}
		if c.tracer == nil {
			t.Errorf("tracer should not be nil")
		}
		if err := c.Options().Validate(); err != nil {
			t.Errorf("default options should be valid: %v", err)
		}
		if !c.PeerID().IsNone() {
			t.Errorf("peer id should not be set")
		}
	})
	t.Run("WithLogger sets the logger", func(t *testing.T) {
		testLogger := model.NewTestLogger()
		c := NewConfig(WithLogger(testLogger))
		if c.Logger() != testLogger {
			t.Errorf("expected logger to be set to the configured one")
		}
	})
	t.Run("WithTracer sets the tracer", func(t *testing.T) {
		testTracer := &model.DummyTracer{}
		c := NewConfig(WithTracer(testTracer))
		if c.Tracer() != testTracer {
			t.Errorf("expected tracer to be set to the configured one")
		}
	})
	t.Run("WithOptions sets the options", func(t *testing.T) {
		opts := model.NewStopAndWaitOptions()
		c := NewConfig(WithOptions(opts))
		if c.Options() != opts {
			t.Errorf("expected options to be set to the configured ones")
		}
	})
	t.Run("WithPeerID sets the peer id", func(t *testing.T) {
		c := NewConfig(WithPeerID("alice"))
		if c.PeerID().Unwrap() != "alice" {
			t.Errorf("expected peer id to be set")
		}
	})
	t.Run("WithConfigFile sets the options after parsing the configured file", func(t *testing.T) {
		configFile := writeConfigFile(t, sampleConfigFile)
		c := NewConfig(WithConfigFile(configFile))
		if c.Options().WindowSize != 4 {
			t.Errorf("expected window size 4, got %d", c.Options().WindowSize)
		}
		if c.PeerID().Unwrap() != "alice" {
			t.Errorf("expected peer id alice")
		}
	})
	t.Run("WithConfigFile panics on a bad file", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected a panic")
			}
		}()
		NewConfig(WithConfigFile(fp.Join(t.TempDir(), "missing.toml")))
	})
}

var sampleConfigFile = `
peer_id = "alice"

[protocol]
window_size = 4
role = "passive"
max_malformed_segments = 5
iss = 100

[timeouts]
retransmission = "250ms"
retransmission_check = "50ms"
handshake = "5s"
idle = "0s"

[path]
mtu = 1200
lower_layer_overhead = 32
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	f := fp.Join(t.TempDir(), "arq.toml")
	if err := os.WriteFile(f, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestReadConfigFile(t *testing.T) {
	t.Run("parses every section", func(t *testing.T) {
		fc, err := ReadConfigFile(writeConfigFile(t, sampleConfigFile))
		if err != nil {
			t.Fatal(err)
		}
		want := model.NewGoBackNOptions(4)
		want.Role = model.RolePassive
		want.MaxMalformedSegments = 5
		want.ISS = optional.Some(uint32(100))
		want.RetransmissionTimeout = 250 * time.Millisecond
		want.RetransmissionCheckInterval = 50 * time.Millisecond
		want.HandshakeTimeout = 5 * time.Second
		want.IdleTimeout = 0
		want.PathMTU = 1200
		want.LowerLayerOverhead = 32
		if diff := cmp.Diff(want, fc.Options, cmp.AllowUnexported(optional.Value[uint32]{})); diff != "" {
			t.Error(diff)
		}
		if fc.PeerID != "alice" {
			t.Errorf("PeerID = %q", fc.PeerID)
		}
	})

	t.Run("stop and wait preset", func(t *testing.T) {
		fc, err := ReadConfigFile(writeConfigFile(t, "[protocol]\nstop_and_wait = true\n"))
		if err != nil {
			t.Fatal(err)
		}
		if fc.Options.WindowSize != 1 || fc.Options.SequenceModulus != 2 {
			t.Errorf("unexpected options %+v", fc.Options)
		}
	})

	t.Run("empty file gives the defaults", func(t *testing.T) {
		fc, err := ReadConfigFile(writeConfigFile(t, ""))
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(model.NewOptions(), fc.Options, cmp.AllowUnexported(optional.Value[uint32]{})); diff != "" {
			t.Error(diff)
		}
	})

	errorCases := []struct {
		name    string
		content string
	}{
		{"bad duration", "[timeouts]\nhandshake = \"soon\"\n"},
		{"bad role", "[protocol]\nrole = \"server\"\n"},
		{"window too large for stop and wait", "[protocol]\nstop_and_wait = true\nwindow_size = 2\n"},
		{"mtu too small", "[path]\nmtu = 64\n"},
	}
	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadConfigFile(writeConfigFile(t, tt.content))
			if !errors.Is(err, model.ErrInvalidOptions) {
				t.Errorf("expected ErrInvalidOptions, got %v", err)
			}
		})
	}

	t.Run("malformed toml", func(t *testing.T) {
		if _, err := ReadConfigFile(writeConfigFile(t, "window_size = [")); err == nil {
			t.Error("expected an error")
		}
	})
}
