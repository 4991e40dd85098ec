package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"storysave/internal/httpapi"
	"storysave/internal/mcp"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

var (
	serveHTTP bool
	serveAddr string
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server over stdio, or the HTTP API with --http",
		RunE:  runServe,
	}
	cmd.Flags().BoolVar(&serveHTTP, "http", false, "Serve the HTTP API instead of MCP over stdio")
	cmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides http.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if !serveHTTP {
		server := mcp.NewServer(a.editor, version)
		return server.Run(ctx, &sdk.StdioTransport{})
	}

	addr := a.cfg.HTTP.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	api := httpapi.NewServer(a.editor, a.metrics.Handler(), a.logger)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http api listening", "addr", addr, "story", a.cfg.Story)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.logger.Info("http api stopped")
	return nil
}
