// Command arqcat copies stdin to a reliable connection and the connection
// to stdout, in the spirit of netcat.
//
//	arqcat -l :4000 listen
//	arqcat -l :0 -r 127.0.0.1:4000 -N dial < file
//	arqcat -l :4001 -r 127.0.0.1:4002 open
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/apex/log"
	"github.com/pborman/getopt/v2"
	"golang.org/x/sync/errgroup"

	"github.com/peerlink/arq/internal/runtimex"
	"github.com/peerlink/arq/pkg/config"
	"github.com/peerlink/arq/pkg/tracex"
	"github.com/peerlink/arq/pkg/transport"
)

type cmdConfig struct {
	configPath string
	localAddr  string
	localID    string
	remoteAddr string
	remoteID   string
	port       uint16
	timeout    uint32
	closeOnEOF bool
	doTrace    bool
	verbosity  uint16
}

var errUsage = errors.New("usage")

func main() {
	os.Exit(arqcatMain())
}

func arqcatMain() int {
	set := getopt.New()
	cfg := &cmdConfig{port: 1, timeout: 30, verbosity: 4}
	set.FlagLong(&cfg.configPath, "config", 'c', "Configuration file")
	set.FlagLong(&cfg.localAddr, "local", 'l', "Local UDP address")
	set.FlagLong(&cfg.localID, "local-id", 'I', "Local peer identifier (open), required with a wildcard local address")
	set.FlagLong(&cfg.remoteAddr, "remote", 'r', "Remote UDP address (dial, open)")
	set.FlagLong(&cfg.remoteID, "remote-id", 'i', "Remote peer identifier (open)")
	set.FlagLong(&cfg.port, "port", 'p', "Connection port")
	set.FlagLong(&cfg.timeout, "timeout", 't', "Connect timeout in seconds")
	set.FlagLong(&cfg.closeOnEOF, "close-on-eof", 'N', "Close the connection when stdin reaches EOF")
	set.FlagLong(&cfg.doTrace, "trace", 0, "Write a JSON trace of the connection on exit")
	set.FlagLong(&cfg.verbosity, "verbosity", 'v', "Verbosity level (1 to 5, 1 is lowest)")
	helpFlag := set.Bool('h', "Display help")

	if err := set.Getopt(os.Args, nil); err != nil {
		fmt.Fprintln(os.Stderr, err)
		set.PrintUsage(os.Stderr)
		return 2
	}
	args := set.Args()
	if *helpFlag || len(args) != 1 || cfg.localAddr == "" {
		fmt.Fprintln(os.Stderr, "valid commands: listen, dial, open")
		set.PrintUsage(os.Stderr)
		return 2
	}

	logger := &log.Logger{
		Level:   levelFromVerbosity(cfg.verbosity),
		Handler: &logHandler{Writer: os.Stderr},
	}

	opts := []config.Option{config.WithLogger(logger)}
	if cfg.configPath != "" {
		logger.Debugf("config file: %s", cfg.configPath)
		opts = append(opts, config.WithConfigFile(cfg.configPath))
	}

	if cfg.localID != "" {
		opts = append(opts, config.WithPeerID(transport.PeerID(cfg.localID)))
	}

	if cfg.doTrace {
		tracer := tracex.NewTracer(time.Now())
		opts = append(opts, config.WithTracer(tracer))
		defer writeTrace(tracer)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx, cfg, args[0], config.NewConfig(opts...))
	switch {
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, "valid commands: listen, dial, open")
		set.PrintUsage(os.Stderr)
		return 2
	case err != nil:
		logger.WithError(err).Error("arqcat")
		return 1
	default:
		return 0
	}
}

func run(ctx context.Context, cfg *cmdConfig, command string, arqcfg *config.Config) error {
	ep, err := transport.ListenPacket(ctx, "udp", cfg.localAddr, arqcfg)
	if err != nil {
		return err
	}
	defer ep.Close()

	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.timeout)*time.Second)
	defer cancel()

	var conn *transport.Conn
	switch command {
	case "listen":
		listener, err := ep.Listen(cfg.port)
		if err != nil {
			return err
		}
		conn, err = listener.Accept(ctx)
		if err != nil {
			return err
		}
		listener.Close()

	case "dial", "open":
		peer, err := resolvePeer(cfg)
		if err != nil {
			return err
		}
		if command == "dial" {
			conn, err = ep.Dial(connectCtx, peer, cfg.port)
		} else {
			conn, err = ep.Open(connectCtx, peer, cfg.port)
		}
		if err != nil {
			return err
		}

	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}

	arqcfg.Logger().Infof("arqcat: connected to %s (role=%s, mss=%d)", conn.RemoteAddr(), conn.Role(), conn.MSS())
	return pipe(ctx, conn, cfg.closeOnEOF)
}

func resolvePeer(cfg *cmdConfig) (transport.Peer, error) {
	if cfg.remoteAddr == "" {
		return transport.Peer{}, errors.New("missing remote address")
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.remoteAddr)
	if err != nil {
		return transport.Peer{}, err
	}
	return transport.Peer{Addr: addr, ID: transport.PeerID(cfg.remoteID)}, nil
}

// pipe copies stdin to conn and conn to stdout until the connection is
// closed by either side or fails. When closeOnEOF is set, reaching the end
// of stdin closes the connection.
func pipe(ctx context.Context, conn *transport.Conn, closeOnEOF bool) error {
	// reads from stdin cannot be interrupted so the writer is not waited for
	writeErr := make(chan error, 1)
	go func() {
		if _, err := io.Copy(conn, os.Stdin); err != nil {
			writeErr <- fmt.Errorf("writing: %w", err)
			return
		}
		if closeOnEOF {
			writeErr <- conn.Close()
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := io.Copy(os.Stdout, conn); err != nil {
			return fmt.Errorf("reading: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			conn.Abort()
			return nil
		case err := <-writeErr:
			if err != nil {
				conn.Abort()
			}
			return err
		case <-conn.Done():
			select {
			case err := <-writeErr:
				return err
			default:
				return conn.Err()
			}
		}
	})
	return g.Wait()
}

func writeTrace(tracer *tracex.Tracer) {
	jsonData, err := json.MarshalIndent(tracer.Trace(), "", "  ")
	runtimex.PanicOnError(err, "cannot serialize trace")
	fileName := fmt.Sprintf("arq-trace-%s.json", time.Now().Format("2006-01-02-15-04-05"))
	if err := os.WriteFile(fileName, jsonData, 0644); err != nil {
		fmt.Fprintln(os.Stderr, "cannot write trace:", err)
		return
	}
	fmt.Fprintln(os.Stderr, "trace written to", fileName)
}
