/*
The lonipd command is a daemon that bridges a LonTalk/EIA-709 fieldbus
channel across IP networks, per the EIA-852 tunneling convention and its
vendor-specific extensions.

lonipd is driven by a configuration file which describes the channel's
bring-up parameters: the local socket to bind, the configuration server
to register with, and the authentication and traffic-shaping options for
the channel. For more information on the configuration file format refer
to package ipchannel's documentation.

Run with the -help argument for documentation of the command line
arguments.

This build has no native LonTalk link adapter attached, so the fieldbus
side of the bridge is a no-op: lonipd will join the IP channel, negotiate
with its configuration server, and bridge DATA traffic between IP peers
without also forwarding it onto local transceiver hardware.
*/
package main

import (
	"context"
	"flag"
	stdlog "log"
	"os"
	"os/signal"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/lonip/ipchannel/ipchannel"
	"golang.org/x/sys/unix"
)

// fieldbusBridge is the minimal LRE this daemon supplies in the absence
// of a native link adapter: it fans frames received from one IP peer out
// to every other peer on the channel, and has no hardware side to feed.
type fieldbusBridge struct {
	master          *ipchannel.Master
	allBroadcasts   bool
	requireValidCRC bool
}

func (b *fieldbusBridge) RoutePacket(priority ipchannel.Priority, from ipchannel.PeerClient, frame ipchannel.LonTalkFrame) {
	b.master.Broadcast(frame, priority)
}

func (b *fieldbusBridge) NeedsAllBroadcasts() bool { return b.allBroadcasts }
func (b *fieldbusBridge) NeedsValidCRC() bool      { return b.requireValidCRC }

func main() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)

	cfgPathPtr := flag.String("config", "/etc/lonipd/lonipd.toml", "specify configuration file path")
	verbosePtr := flag.Bool("verbose", false, "toggle verbose log output")
	flag.Parse()

	config, err := ipchannel.LoadConfigFile(*cfgPathPtr)
	if err != nil {
		stdlog.Fatalf("failed to load channel configuration: %v", err)
	}

	logger := log.NewLogfmtLogger(os.Stderr)
	if *verbosePtr {
		logger = level.NewFilter(logger, level.AllowInfo(), level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	bridge := &fieldbusBridge{requireValidCRC: true}

	master, err := ipchannel.NewMaster(*config.Channel, bridge, logger)
	if err != nil {
		stdlog.Fatalf("failed to bring up channel: %v", err)
	}
	bridge.master = master
	defer master.Close()

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- master.Run(ctx) }()

	select {
	case <-sigs:
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			stdlog.Fatalf("channel terminated: %v", err)
		}
	}
}
