/*
Package ipchannel implements the IP tunneling side of a LonTalk/EIA-709
channel, bridging link-level LonTalk frames across an IP network per the
EIA-852 tunneling convention and a vendor-specific protocol variant.

The package owns four tightly-coupled pieces: a per-channel Master that
tracks channel membership and negotiates configuration with a remote
configuration server; a per-peer Client that applies channel policy
(aggregation, bandwidth limiting, reordering, authentication) to traffic
to and from one member; a wire codec and control-packet segmentation
engine; and a link multiplexer that fans inbound datagrams out to the
right Client from a single shared UDP socket.

Usage

	master, err := ipchannel.NewMaster(ipchannel.MasterConfig{
		Local:    "0.0.0.0:1628",
		CSAddr:   "10.0.0.1:1628",
		DeviceName: "my-router",
	}, lre, nil)
	if err != nil {
		// handle error
	}
	defer master.Close()
	err = master.Run(ctx) // blocks until ctx is cancelled

Configuration

Package ipchannel uses the TOML format for the static bring-up
configuration file: https://github.com/toml-lang/toml. Only the
parameters relevant to channel bring-up are read from the file;
everything the channel subsequently learns from the configuration
server (membership, channel-routing, negotiated protocol version) is
held in a separate persisted runtime-state file (see persist.go) that
has no TOML representation.

	[channel]
	local = "0.0.0.0:1628"
	cs_addr = "10.0.0.1:1628"
	device_name = "lonip-router-1"
	authenticate = true
	secret = [0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10]

	[channel.options]
	aggregate = true
	aggregate_window_ms = 16
	bw_limit = false
	reorder = true
	reorder_escrow_ms = 50
	channel_timeout_ms = 1500

Logging

Package ipchannel uses structured logging. The logger of choice is the
go-kit logger: https://godoc.org/github.com/go-kit/kit/log, and uses
go-kit levels to separate verbose debugging logs from normal
informational output: https://godoc.org/github.com/go-kit/kit/log/level.

All of the package's log output is at level.Debug: per-packet detail
(dispatch decisions, sequence tracking, authentication failures) and
socket, persistence and negotiation diagnostics. To disable all logging
from the package, pass in a nil logger.

Limitations

	* The LonTalk routing engine, the native link adapter, and platform
	  bring-up (service LED, registry, ifconfig, SNTP client) are external
	  collaborators; this package only defines the interfaces they must
	  satisfy (see external.go).
	* Persisted runtime state uses a package-private binary format; no
	  attempt is made to match any prior implementation's on-disk layout
	  bit-for-bit, only its semantics.
*/
package ipchannel
