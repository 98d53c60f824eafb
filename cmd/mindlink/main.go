// Command mindlink windows a live biosignal stream, classifies each window
// and publishes the predicted label.
//
// Usage:
//
//	mindlink [run] [flags]       run the inference pipeline (default)
//	mindlink streams [flags]     list discoverable streams
//	mindlink simulate [flags]    stream synthetic EEG over UDP
//	mindlink migrate <action>    manage the label database schema
//	mindlink version             print build information
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/banshee-data/mindlink/internal/config"
	"github.com/banshee-data/mindlink/internal/version"
)

func usage(w io.Writer) {
	fmt.Fprintf(w, `Usage: mindlink <command> [flags]

Commands:
  run        Run the inference pipeline (default)
  streams    List discoverable streams
  simulate   Stream synthetic EEG over UDP
  migrate    Manage the label database schema
  version    Print build information

Run 'mindlink <command> -h' for command flags.
`)
}

// splitCommand separates the subcommand from its flags. Flags alone select
// the run command.
func splitCommand(args []string) (string, []string) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "run", args
	}
	return args[0], args[1:]
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cmd, args := splitCommand(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "run":
		err = runCommand(ctx, args)
	case "streams":
		err = streamsCommand(ctx, os.Stdout, args)
	case "simulate":
		err = simulateCommand(ctx, args)
	case "migrate":
		err = migrateCommand(os.Stdout, args)
	case "version":
		fmt.Println(version.String())
	case "help", "-h", "--help":
		usage(os.Stdout)
	default:
		usage(os.Stderr)
		stop()
		os.Exit(2)
	}

	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if errors.Is(err, config.ErrConfiguration) {
		stop()
		log.Fatalf("%s: refusing to start: %v", cmd, err)
	}
	if err != nil {
		stop()
		log.Fatalf("%s: %v", cmd, err)
	}
}
