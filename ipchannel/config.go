package ipchannel

import (
	"fmt"
	"time"

	"github.com/pelletier/go-toml"
)

func toBool(v interface{}) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("supplied value could not be parsed as a bool")
}

// go-toml's ToMap function represents numbers as either uint64 or int64,
// so range-check against whichever one it picked.
func toByte(v interface{}) (byte, error) {
	if b, ok := v.(int64); ok {
		if b < 0x0 || b > 0xff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return byte(b), nil
	} else if b, ok := v.(uint64); ok {
		if b > 0xff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return byte(b), nil
	}
	return 0, fmt.Errorf("unexpected %T value %v", v, v)
}

func toUint16(v interface{}) (uint16, error) {
	if b, ok := v.(int64); ok {
		if b < 0x0 || b > 0xffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint16(b), nil
	} else if b, ok := v.(uint64); ok {
		if b > 0xffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint16(b), nil
	}
	return 0, fmt.Errorf("unexpected %T value %v", v, v)
}

func toString(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("supplied value could not be parsed as a string")
}

func toDurationMs(v interface{}) (time.Duration, error) {
	u, err := toUint16(v)
	return time.Duration(u) * time.Millisecond, err
}

func toUint32(v interface{}) (uint32, error) {
	if b, ok := v.(int64); ok {
		if b < 0x0 || b > 0xffffffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint32(b), nil
	} else if b, ok := v.(uint64); ok {
		if b > 0xffffffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint32(b), nil
	}
	return 0, fmt.Errorf("unexpected %T value %v", v, v)
}

func toSecret(v interface{}) (Secret, error) {
	var s Secret
	numbers, ok := v.([]interface{})
	if !ok {
		return s, fmt.Errorf("expected array value")
	}
	if len(numbers) != sharedSecretLen {
		return s, fmt.Errorf("secret must be exactly %d bytes, got %d", sharedSecretLen, len(numbers))
	}
	for i, n := range numbers {
		b, err := toByte(n)
		if err != nil {
			return s, err
		}
		s[i] = b
	}
	return s, nil
}

func loadChannelOptions(cfg *MasterConfig, v interface{}) error {
	opts, ok := v.(map[string]interface{})
	if !ok {
		return fmt.Errorf("'options' must be a table, e.g. '[channel.options]'")
	}
	for k, v := range opts {
		var err error
		switch k {
		case "aggregate":
			cfg.Aggregate, err = toBool(v)
		case "aggregate_window_ms":
			cfg.AggregateWindow, err = toDurationMs(v)
		case "bw_limit":
			cfg.BWLimit, err = toBool(v)
		case "reorder":
			cfg.Reorder, err = toBool(v)
		case "reorder_escrow_ms":
			cfg.ReorderEscrow, err = toDurationMs(v)
		case "channel_timeout_ms":
			cfg.ChannelTimeout, err = toDurationMs(v)
		case "bw_limit_kb_per_sec":
			cfg.BWLimitKBPerSec, err = toUint32(v)
		case "use_tos":
			cfg.UseTOS, err = toBool(v)
		case "tos_bits":
			var b byte
			b, err = toByte(v)
			cfg.TOSBits = b
		case "eia852_strict":
			cfg.EIA852Strict, err = toBool(v)
		default:
			return fmt.Errorf("unrecognised parameter '%v'", k)
		}
		if err != nil {
			return fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return nil
}

func loadChannel(cmap map[string]interface{}) (*MasterConfig, error) {
	cfg := &MasterConfig{}
	for k, v := range cmap {
		var err error
		switch k {
		case "local":
			cfg.Local, err = toString(v)
		case "cs_addr":
			cfg.CSAddr, err = toString(v)
		case "device_name":
			cfg.DeviceName, err = toString(v)
		case "authenticate":
			cfg.Authenticate, err = toBool(v)
		case "secret":
			cfg.Secret, err = toSecret(v)
		case "vendor_code":
			cfg.VendorCode, err = toUint16(v)
		case "persist_path":
			cfg.PersistPath, err = toString(v)
		case "multicast_group":
			cfg.MulticastGroup, err = toString(v)
		case "interface":
			cfg.Interface, err = toString(v)
		case "nat_addr":
			cfg.NATAddr, err = toString(v)
		case "ntp1_addr":
			cfg.NTP1Addr, err = toString(v)
		case "ntp2_addr":
			cfg.NTP2Addr, err = toString(v)
		case "options":
			err = loadChannelOptions(cfg, v)
		default:
			return nil, fmt.Errorf("unrecognised parameter '%v'", k)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	if cfg.Local == "" {
		return nil, fmt.Errorf("'local' is mandatory")
	}
	if cfg.CSAddr == "" {
		return nil, fmt.Errorf("'cs_addr' is mandatory")
	}
	return cfg, nil
}

// Config holds the static bring-up configuration for an IP channel, as
// parsed from a TOML file or string. Channels are brought up singly: one
// [channel] table per process.
type Config struct {
	// Map is the entire parsed tree, for apps that need to read their own
	// tables alongside [channel].
	Map map[string]interface{}
	// Channel is the bring-up configuration for the channel.
	Channel *MasterConfig
}

func newConfig(tree *toml.Tree) (*Config, error) {
	cfg := &Config{Map: tree.ToMap()}

	got, ok := cfg.Map["channel"]
	if !ok {
		return nil, fmt.Errorf("no 'channel' table present")
	}
	cmap, ok := got.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("'channel' must be a table, e.g. '[channel]'")
	}

	mc, err := loadChannel(cmap)
	if err != nil {
		return nil, fmt.Errorf("failed to parse channel: %v", err)
	}
	cfg.Channel = mc
	return cfg, nil
}

// LoadConfigFile loads channel configuration from the named TOML file.
func LoadConfigFile(path string) (*Config, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %v", err)
	}
	return newConfig(tree)
}

// LoadConfigString loads channel configuration from a TOML string.
func LoadConfigString(content string) (*Config, error) {
	tree, err := toml.Load(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load config string: %v", err)
	}
	return newConfig(tree)
}
