// obvprotoctl inspects and maintains the protocol store of a protoengine
// installation.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
)

type globalOpts struct {
	ConfigFile string `short:"C" long:"cfg" description:"config file" default:"~/.protoengine/protoengine.conf"`
	DebugLevel string `short:"d" long:"debuglevel" description:"overrides the debug level of the config file"`
	Backend    string `long:"backend" description:"overrides the store backend of the config file" choice:"memory" choice:"leveldb" choice:"postgres"`
}

type commands struct {
	Instances instancesCmd `command:"instances" description:"list protocol instances"`
	Dump      dumpCmd      `command:"dump" description:"dump the decoded state of protocol instances"`
	Pending   pendingCmd   `command:"pending" description:"list received messages waiting to be processed"`
	Purge     purgeCmd     `command:"purge" description:"delete finished instances and their messages"`
	QR        qrCmd        `command:"qr" description:"render a mutual scan payload as a QR code"`
}

var opts globalOpts

// appCtx is canceled on SIGINT and SIGTERM.
var appCtx context.Context

func _main() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	appCtx = ctx

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	var cmds commands
	parser := flags.NewParser(&cmds, flags.Default)
	if _, err := parser.AddGroup("Global Options", "", &opts); err != nil {
		return err
	}
	_, err := parser.Parse()
	return err
}

func main() {
	// The parser already printed the error.
	err := _main()
	var flagsErr *flags.Error
	if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}
