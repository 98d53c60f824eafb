package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/mindlink/internal/labeldb"
	"github.com/banshee-data/mindlink/internal/serialmux"
	"github.com/banshee-data/mindlink/internal/stream"
)

// streamsCommand listens for announcements for a few seconds and prints
// every stream it saw.
func streamsCommand(ctx context.Context, w io.Writer, args []string) error {
	fs := flag.NewFlagSet("streams", flag.ContinueOnError)
	address := fs.String("source-address", fmt.Sprintf(":%d", stream.DefaultPort), "UDP address to listen for announcements on")
	wait := fs.Duration("wait", 3*time.Second, "How long to listen before printing")
	serial := fs.Bool("serial", false, "Also list serial ports")
	if err := fs.Parse(args); err != nil {
		return err
	}

	src := stream.NewUDPSource(stream.UDPSourceConfig{Address: *address})
	if err := src.Listen(ctx); err != nil {
		return err
	}
	defer src.Close()

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(*wait):
	}

	if err := printStreams(w, src.List()); err != nil {
		return err
	}

	if *serial {
		ports, err := serialmux.ListRealPorts()
		if err != nil {
			return fmt.Errorf("failed to list serial ports: %w", err)
		}
		fmt.Fprintf(w, "\n%d serial port(s)\n", len(ports))
		for _, p := range ports {
			fmt.Fprintf(w, "  %s\n", p)
		}
	}
	return nil
}

func printStreams(w io.Writer, infos []stream.Info) error {
	if len(infos) == 0 {
		_, err := fmt.Fprintln(w, "no streams found")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tCHANNELS\tRATE\tSOURCE ID")
	for _, in := range infos {
		rate := "irregular"
		if in.SampleRate > 0 {
			rate = fmt.Sprintf("%g Hz", in.SampleRate)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", in.Name, in.Type, in.ChannelCount, rate, in.SourceID)
	}
	return tw.Flush()
}

func simulateCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	target := fs.String("target", fmt.Sprintf("127.0.0.1:%d", stream.DefaultPort), "UDP destination")
	name := fs.String("name", "EEG", "Stream name")
	channels := fs.String("channels", "Fz,C3,Cz,C4,Pz,O1,O2,Oz", "Comma-separated channel labels")
	rate := fs.Float64("sample-rate", 250, "Sample rate in Hz")
	noise := fs.Float64("noise", 2, "Gaussian noise amplitude")
	seed := fs.Int64("seed", 1, "Random seed")
	rhythms := fs.String("rhythms", "", "Comma-separated sinusoid frequencies in Hz (default 10,50)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := stream.SimulateConfig{
		Target:     *target,
		Name:       *name,
		Channels:   splitList(*channels),
		SampleRate: *rate,
		Noise:      *noise,
		Seed:       *seed,
	}
	for _, r := range splitList(*rhythms) {
		var hz float64
		if _, err := fmt.Sscanf(r, "%g", &hz); err != nil {
			return fmt.Errorf("invalid rhythm %q: %w", r, err)
		}
		cfg.Rhythms = append(cfg.Rhythms, hz)
	}
	return stream.Simulate(ctx, cfg)
}

func migrateCommand(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dbPath := fs.String("db", "mindlink.db", "Label database path")
	fs.Usage = func() {
		labeldb.PrintMigrateHelp(os.Stderr)
		fmt.Fprintln(os.Stderr, "\nFlags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	return labeldb.RunMigrateCommand(w, fs.Args(), strings.TrimSpace(*dbPath))
}
