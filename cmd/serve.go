package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pytx.dev/pkg/pytx/internal/controller"
)

// sseFlag switches the transport from stdio to SSE over HTTP.
var sseFlag bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the MCP server",
	Long:  serveLongDescription,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&sseFlag, "sse", false, "serve SSE over HTTP instead of stdio")
	bindFlagToConfig(serveCmd.Flags().Lookup("sse"), serveSSEConfigKey)

	serveCmd.Flags().String("host", viper.GetString(serveHostConfigKey), "host to bind the SSE listener to")
	bindFlagToConfig(serveCmd.Flags().Lookup("host"), serveHostConfigKey)

	serveCmd.Flags().Int("port", viper.GetInt(servePortConfigKey), "port of the SSE listener")
	bindFlagToConfig(serveCmd.Flags().Lookup("port"), servePortConfigKey)

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	orch, cleanup, err := buildOrchestrator(version)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := server.NewMCPServer(
		"pytx",
		version,
		server.WithToolCapabilities(true),
	)

	controller.NewMCPController(orch.service, execOptionsFromConfig()).Register(srv)

	if metricsPort := viper.GetInt(serveMetricsConfigKey); metricsPort > 0 {
		go serveMetrics(fmt.Sprintf("%s:%d", viper.GetString(serveHostConfigKey), metricsPort))
	}

	if viper.GetBool(serveSSEConfigKey) {
		return serveSSE(cmd.Context(), srv)
	}

	slog.Info("starting MCP server on stdio")

	if err := server.ServeStdio(srv); err != nil {
		return fmt.Errorf("stdio server: %w", err)
	}

	return nil
}

// serveSSE runs the SSE transport until SIGINT or SIGTERM.
func serveSSE(ctx context.Context, srv *server.MCPServer) error {
	host := viper.GetString(serveHostConfigKey)
	port := viper.GetInt(servePortConfigKey)
	addr := fmt.Sprintf("%s:%d", host, port)

	sseServer := server.NewSSEServer(
		srv,
		server.WithBaseURL(fmt.Sprintf("http://%s", addr)),
		server.WithSSEEndpoint("/sse"),
		server.WithMessageEndpoint("/message"),
		server.WithKeepAlive(true),
		server.WithKeepAliveInterval(30*time.Second),
	)

	errs := make(chan error, 1)

	go func() {
		slog.Info("starting MCP server on SSE", "addr", addr)

		if err := sseServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errs:
		return fmt.Errorf("sse server: %w", err)
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		slog.Info("shutting down", "reason", ctx.Err())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sseServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("sse server shutdown failed", "error", err)
	}

	return nil
}

func serveMetrics(addr string) {
	slog.Info("serving prometheus metrics", "addr", addr)

	if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
		slog.Error("metrics server failed", "error", err)
	}
}
