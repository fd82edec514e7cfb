// canclient connects to cangw, sends frames given as ID#DATA arguments and
// prints every frame received until --wait elapses.
//
//	canclient --addr 127.0.0.1:8080 --wait 2s 123#01 AC1#00
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/canbridge/internal/allowlist"
	"github.com/danmuck/canbridge/internal/protocol/frame"
	"github.com/spf13/pflag"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var (
		addr string
		wait time.Duration
	)
	flags := pflag.NewFlagSet("canclient", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&addr, "addr", "127.0.0.1:8080", "gateway address")
	flags.DurationVar(&wait, "wait", time.Second, "how long to print received frames (0 exits after sending)")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	frames := make([]frame.Frame, 0, flags.NArg())
	for _, arg := range flags.Args() {
		f, err := parseFrame(arg)
		if err != nil {
			fmt.Fprintf(stderr, "canclient: %v\n", err)
			return exitUsage
		}
		frames = append(frames, f)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session(ctx, addr, frames, wait, stdout); err != nil {
		fmt.Fprintf(stderr, "canclient: %v\n", err)
		return exitFailed
	}
	return exitOK
}

func session(ctx context.Context, addr string, frames []frame.Frame, wait time.Duration, out io.Writer) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, f := range frames {
		if err := frame.WriteFrame(conn, f); err != nil {
			return fmt.Errorf("send %s: %w", formatFrame(f), err)
		}
	}
	if wait <= 0 {
		return nil
	}

	deadline := time.Now().Add(wait)
	_ = conn.SetReadDeadline(deadline)
	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	}()

	var dec frame.Decoder
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			got, derr := dec.Decode(buf[:n])
			for _, f := range got {
				fmt.Fprintln(out, formatFrame(f))
			}
			if derr != nil {
				return derr
			}
		}
		if err != nil {
			var ne net.Error
			if errors.Is(err, io.EOF) || (errors.As(err, &ne) && ne.Timeout()) {
				return nil
			}
			return err
		}
	}
}

// parseFrame reads the candump style ID#DATA notation, e.g. 123#0116.
func parseFrame(raw string) (frame.Frame, error) {
	idPart, dataPart, ok := strings.Cut(raw, "#")
	if !ok {
		return frame.Frame{}, fmt.Errorf("frame %q: expected ID#DATA", raw)
	}
	id, err := allowlist.ParseID("0x" + strings.TrimPrefix(strings.ToLower(idPart), "0x"))
	if err != nil {
		return frame.Frame{}, fmt.Errorf("frame %q: %w", raw, err)
	}
	data, err := hex.DecodeString(strings.ReplaceAll(dataPart, ".", ""))
	if err != nil {
		return frame.Frame{}, fmt.Errorf("frame %q: %w", raw, err)
	}
	if len(data) > frame.MaxDataLen {
		return frame.Frame{}, fmt.Errorf("frame %q: %w", raw, frame.ErrInvalidLen)
	}
	return frame.New(id, data), nil
}

func formatFrame(f frame.Frame) string {
	width := 3
	if f.Extended {
		width = 8
	}
	return fmt.Sprintf("%0*X#%X", width, f.ID, f.Data)
}
