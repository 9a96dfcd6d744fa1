// Command tunnelvision-push reads newline-delimited JSON update and delete
// frames from stdin, ships them to tunnelvision-server as the host, and
// prints relayed viewer events to stdout, one per line.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tunnelvision/tunnelvision/host/internal/shipper"
	"github.com/tunnelvision/tunnelvision/pkg/wire"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:8765/ws/host", "host endpoint of tunnelvision-server")
	header := flag.String("header", "X-API-Key", "header carrying the API key")
	keyEnv := flag.String("key-env", "TUNNELVISION_KEY", "environment variable holding the API key")
	buffer := flag.Int("buffer", shipper.DefaultBufferSize, "outbound frame buffer size")
	exitOnEOF := flag.Bool("exit-on-eof", false, "exit once stdin is exhausted and the buffer has drained")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	// stdout carries events, so logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ship := shipper.New(shipper.Config{
		URL:        *url,
		Header:     *header,
		Key:        os.Getenv(*keyEnv),
		BufferSize: *buffer,
	})
	go ship.Run(ctx)

	go func() {
		out := bufio.NewWriter(os.Stdout)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ship.Events():
				fmt.Fprintf(out, "%s\n", ev)
				out.Flush()
			}
		}
	}()

	eof := make(chan struct{})
	go func() {
		defer close(eof)
		if err := readFrames(os.Stdin, ship); err != nil {
			slog.Error("stdin read failed", "err", err)
		}
	}()

	slog.Info("tunnelvision-push started", "url", *url)

	select {
	case <-ctx.Done():
	case <-eof:
		if !*exitOnEOF {
			<-ctx.Done()
			break
		}
		waitDrained(ctx, ship)
	}
	slog.Info("tunnelvision-push shutting down", "pending", ship.Pending())
}

// readFrames ships every valid line of r. Invalid lines are logged and skipped.
func readFrames(r io.Reader, ship *shipper.Shipper) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		f, err := wire.Decode(sc.Bytes())
		if err != nil {
			slog.Warn("skipping invalid frame", "line", line, "err", err)
			continue
		}
		if err := ship.Ship(f); err != nil {
			slog.Warn("skipping frame", "line", line, "err", err)
		}
	}
	return sc.Err()
}

// waitDrained returns once the shipper has written everything it buffered.
func waitDrained(ctx context.Context, ship *shipper.Shipper) {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for ship.Pending() > 0 || !ship.Connected() {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
	// one more tick for the last in-flight write
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
