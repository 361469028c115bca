package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/germanamz/toolrelay/pkg/toolservice/toolhost"
)

func runHost(args []string) error {
	fs := newFlagSet("host", "Serve the demo HR tools. With --stdio the host speaks MCP on stdin/stdout, suitable\nfor an mcp service with a command. Otherwise it listens on --listen and serves plain\nJSON (/catalog, /invoke), WebSocket (/ws) and streamable MCP (/mcp).")
	name := fs.String("name", "hr", "service name reported in the catalog")
	listen := fs.String("listen", "127.0.0.1:8080", "address to listen on")
	stdio := fs.Bool("stdio", false, "serve MCP over stdin/stdout instead of HTTP")
	verbose := fs.Bool("verbose", false, "log debug output to stderr")
	_ = fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := newLogger(os.Stderr, *verbose)

	h := toolhost.New(*name, "demo")
	h.Register(demoTools()...)

	if *stdio {
		log.Debug("host: serving mcp on stdio", "service", *name)
		return h.ServeMCP(ctx, os.Stdin, os.Stdout)
	}

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		return err
	}
	h.SetEndpoint("http://" + ln.Addr().String())

	srv := &http.Server{
		Handler:           h.Handler(log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "serving %s on http://%s\n", *name, ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
