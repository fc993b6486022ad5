package ipchannel

import (
	"testing"
	"time"
)

func TestLoadConfigStringMinimal(t *testing.T) {
	cfg, err := LoadConfigString(`
[channel]
local = "0.0.0.0:1628"
cs_addr = "10.0.0.1:1628"
device_name = "lonip-router-1"
`)
	if err != nil {
		t.Fatalf("LoadConfigString: %v", err)
	}
	if cfg.Channel.Local != "0.0.0.0:1628" {
		t.Fatalf("Local = %q, want %q", cfg.Channel.Local, "0.0.0.0:1628")
	}
	if cfg.Channel.CSAddr != "10.0.0.1:1628" {
		t.Fatalf("CSAddr = %q, want %q", cfg.Channel.CSAddr, "10.0.0.1:1628")
	}
	if cfg.Channel.DeviceName != "lonip-router-1" {
		t.Fatalf("DeviceName = %q, want %q", cfg.Channel.DeviceName, "lonip-router-1")
	}
	if cfg.Channel.Authenticate {
		t.Fatal("expected authenticate to default to false")
	}
}

func TestLoadConfigStringFull(t *testing.T) {
	cfg, err := LoadConfigString(`
[channel]
local = "0.0.0.0:1628"
cs_addr = "10.0.0.1:1628"
device_name = "lonip-router-1"
authenticate = true
secret = [0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10]
vendor_code = 0x4c4e
persist_path = "/var/lib/lonipd/channel.bin"
multicast_group = "239.192.1.1:1628"
interface = "eth0"
nat_addr = "203.0.113.9"
ntp1_addr = "192.0.2.53:123"
ntp2_addr = "192.0.2.54:123"

[channel.options]
aggregate = true
aggregate_window_ms = 16
bw_limit = false
reorder = true
reorder_escrow_ms = 50
channel_timeout_ms = 1500
bw_limit_kb_per_sec = 64
use_tos = true
tos_bits = 0x10
eia852_strict = true
`)
	if err != nil {
		t.Fatalf("LoadConfigString: %v", err)
	}
	c := cfg.Channel

	wantSecret := Secret{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	if c.Secret != wantSecret {
		t.Fatalf("Secret = %v, want %v", c.Secret, wantSecret)
	}
	if !c.Authenticate {
		t.Fatal("expected authenticate to be true")
	}
	if c.VendorCode != 0x4c4e {
		t.Fatalf("VendorCode = %#x, want %#x", c.VendorCode, 0x4c4e)
	}
	if c.PersistPath != "/var/lib/lonipd/channel.bin" {
		t.Fatalf("PersistPath = %q", c.PersistPath)
	}
	if c.MulticastGroup != "239.192.1.1:1628" {
		t.Fatalf("MulticastGroup = %q", c.MulticastGroup)
	}
	if c.Interface != "eth0" {
		t.Fatalf("Interface = %q", c.Interface)
	}
	if !c.Aggregate {
		t.Fatal("expected aggregate to be true")
	}
	if c.AggregateWindow != 16*time.Millisecond {
		t.Fatalf("AggregateWindow = %v, want 16ms", c.AggregateWindow)
	}
	if c.BWLimit {
		t.Fatal("expected bw_limit to be false")
	}
	if !c.Reorder {
		t.Fatal("expected reorder to be true")
	}
	if c.ReorderEscrow != 50*time.Millisecond {
		t.Fatalf("ReorderEscrow = %v, want 50ms", c.ReorderEscrow)
	}
	if c.ChannelTimeout != 1500*time.Millisecond {
		t.Fatalf("ChannelTimeout = %v, want 1500ms", c.ChannelTimeout)
	}
	if c.NATAddr != "203.0.113.9" {
		t.Fatalf("NATAddr = %q", c.NATAddr)
	}
	if c.NTP1Addr != "192.0.2.53:123" {
		t.Fatalf("NTP1Addr = %q", c.NTP1Addr)
	}
	if c.NTP2Addr != "192.0.2.54:123" {
		t.Fatalf("NTP2Addr = %q", c.NTP2Addr)
	}
	if c.BWLimitKBPerSec != 64 {
		t.Fatalf("BWLimitKBPerSec = %d, want 64", c.BWLimitKBPerSec)
	}
	if !c.UseTOS {
		t.Fatal("expected use_tos to be true")
	}
	if c.TOSBits != 0x10 {
		t.Fatalf("TOSBits = %#x, want 0x10", c.TOSBits)
	}
	if !c.EIA852Strict {
		t.Fatal("expected eia852_strict to be true")
	}
}

func TestLoadConfigStringMissingMandatoryFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "missing local",
			content: `
[channel]
cs_addr = "10.0.0.1:1628"
`,
		},
		{
			name: "missing cs_addr",
			content: `
[channel]
local = "0.0.0.0:1628"
`,
		},
		{
			name:    "missing channel table",
			content: `foo = "bar"`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadConfigString(tc.content); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestLoadConfigStringRejectsUnrecognisedParameter(t *testing.T) {
	if _, err := LoadConfigString(`
[channel]
local = "0.0.0.0:1628"
cs_addr = "10.0.0.1:1628"
frobnicate = true
`); err == nil {
		t.Fatal("expected an error for an unrecognised parameter")
	}
}

func TestLoadConfigStringRejectsBadSecretLength(t *testing.T) {
	if _, err := LoadConfigString(`
[channel]
local = "0.0.0.0:1628"
cs_addr = "10.0.0.1:1628"
secret = [0x01, 0x02]
`); err == nil {
		t.Fatal("expected an error for a short secret")
	}
}
