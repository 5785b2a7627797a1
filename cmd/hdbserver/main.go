// Command hdbserver is a demonstration grpc transport over one
// HierarchiDB store, grounded on cuemby-warren/pkg/api/server.go's
// bootstrap (grpc.NewServer, a logging unary interceptor, a side HTTP
// health/metrics listener) and pkg/api/health.go's HTTP mux. Unlike the
// teacher it carries no mTLS/cluster-join machinery — there is no cluster
// here, one process owns one store — and its RPC payloads are plain JSON
// structs over pkg/rpcjson's codec rather than protoc-generated protobuf,
// since this module has no .proto/protoc build step.
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

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hierarchidb/core/internal/core/clock"
	"github.com/hierarchidb/core/internal/core/coreerr"
	"github.com/hierarchidb/core/internal/core/engine"
	"github.com/hierarchidb/core/pkg/config"
	"github.com/hierarchidb/core/pkg/log"
	"github.com/hierarchidb/core/pkg/metrics"
	_ "github.com/hierarchidb/core/pkg/rpcjson" // registers the "json" grpc codec
)

var rootCmd = &cobra.Command{
	Use:           "hdbserver",
	Short:         "Serve one HierarchiDB store over grpc",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().String("data-dir", "", "Store directory (overrides config.yaml/HDB_DATA_DIR)")
	rootCmd.Flags().String("grpc-addr", "", "grpc listen address (overrides config.yaml/HDB_GRPC_ADDR)")
	rootCmd.Flags().String("health-addr", "127.0.0.1:7418", "HTTP health/metrics listen address")
	rootCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	if d, _ := cmd.Flags().GetString("data-dir"); d != "" {
		v.Set("data-dir", d)
	}
	if a, _ := cmd.Flags().GetString("grpc-addr"); a != "" {
		v.Set("grpc-addr", a)
	}
	if l, _ := cmd.Flags().GetString("log-level"); l != "" {
		v.Set("log-level", l)
	}
	if j, _ := cmd.Flags().GetBool("log-json"); j {
		v.Set("log-json", true)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("hdbserver")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	e, err := engine.New(engine.Options{
		StorePath:             cfg.DataDir + "/store.db",
		DefaultOnNameConflict: cfg.DefaultOnNameConflict,
		WorkingCopyTTL:        cfg.WorkingCopyTTL,
		SweepInterval:         cfg.SweepInterval,
		UndoRingCapacity:      cfg.UndoRingCapacity,
		Clock:                 clock.System{},
		NewID:                 func() string { return uuid.NewString() },
	})
	if err != nil {
		return err
	}
	defer e.Close()

	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(logger)))
	grpcSrv.RegisterService(&engineServiceDesc, &engineServer{e: e})

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}

	healthAddr, _ := cmd.Flags().GetString("health-addr")
	healthSrv := newHealthServer(healthAddr)

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", cfg.GRPCAddr).Msg("grpc server listening")
		errCh <- grpcSrv.Serve(lis)
	}()
	go func() {
		logger.Info().Str("addr", healthAddr).Msg("health server listening")
		errCh <- healthSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	grpcSrv.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return healthSrv.Shutdown(shutdownCtx)
}

// loggingInterceptor times and logs every unary call, translating
// *coreerr.CoreError into a grpc status the way teacher's ReadOnlyInterceptor
// threads coreerr-equivalent failures through grpc/codes.
func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		entry := logger.Info()
		if err != nil {
			entry = logger.Error().Err(err)
		}
		entry.Str("method", info.FullMethod).Dur("took", time.Since(start)).Msg("rpc")
		if err != nil {
			return nil, toGRPCStatus(err)
		}
		return resp, nil
	}
}

func toGRPCStatus(err error) error {
	var ce *coreerr.CoreError
	if !errors.As(err, &ce) {
		return status.Error(codes.Internal, err.Error())
	}
	switch ce.Code {
	case coreerr.NodeNotFound, coreerr.ParentNotFound, coreerr.UnknownNodeType:
		return status.Error(codes.NotFound, ce.Error())
	case coreerr.InvalidEnvelope, coreerr.NameValidationFailed, coreerr.UnknownCommandKind:
		return status.Error(codes.InvalidArgument, ce.Error())
	case coreerr.VersionConflict, coreerr.NameConflict, coreerr.WorkingCopyExists, coreerr.StoreConflict, coreerr.DuplicatePeer:
		return status.Error(codes.Aborted, ce.Error())
	case coreerr.CycleDetected, coreerr.WrongTree, coreerr.NotInTrash, coreerr.AlreadyInTrash:
		return status.Error(codes.FailedPrecondition, ce.Error())
	default:
		return status.Error(codes.Internal, ce.Error())
	}
}

// newHealthServer mirrors pkg/api/health.go's mux: a liveness endpoint plus
// the shared prometheus handler, no readiness probe of its own since
// engine.New already fails fast if the store can't open.
func newHealthServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
