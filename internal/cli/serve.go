package cli

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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/spaceai-trustvault/internal/console/handler"
	"github.com/xela07ax/spaceai-trustvault/internal/console/server"
	"github.com/xela07ax/spaceai-trustvault/internal/infra/auth"
	"github.com/xela07ax/spaceai-trustvault/internal/transfer"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Console API, the key channel and the background validator",
	Long: `Start the installation: load the working set (quarantined records are
never loaded), start the background validator, serve the Console API over HTTP
and the transfer key channel over gRPC.

  trustvault serve --config ./configs/config.yaml`,
	RunE: serveCommand,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serveCommand(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}

	// Контекст жизненного цикла фоновых горутин: отменяется по SIGINT/SIGTERM
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(appCtx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer rt.Close()

	// 1. Рабочий набор и слушатель карантина
	if _, err := rt.records.LoadWorkingSet(appCtx); err != nil {
		return err
	}
	go rt.quarantine.Start(appCtx)
	go rt.sampleAuditBuffer(appCtx, cfg.Audit.FlushInterval)

	// 2. Фоновый валидатор
	if cfg.Validator.Enabled {
		if err := rt.validator.Start(appCtx); err != nil {
			return err
		}
		defer rt.validator.Stop()
	} else {
		// Записи остаются UNTRUSTED и нечитаемыми, пока их не проверит validate-once
		logger.Warn("background validator is disabled: new records stay UNTRUSTED until 'trustvault validate-once' runs")
	}

	// 3. Канал ключей для получателей
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(transfer.PeerTokenInterceptor(cfg.Transfer.PeerToken)))
	transfer.RegisterKeyChannelServer(grpcSrv, transfer.NewKeyServer(rt.broker, logger))
	lis, err := net.Listen("tcp", cfg.Transfer.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen gRPC: %w", err)
	}
	go func() {
		logger.Info("key channel started", zap.String("addr", cfg.Transfer.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("key channel stopped", zap.Error(err))
		}
	}()
	defer grpcSrv.GracefulStop()

	// 4. Console API
	var tokens auth.TokenValidator // nil-интерфейс: авторизация выключена
	if cfg.Auth.Enabled {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return fmt.Errorf("auth public key: %w", err)
		}
		tokens = auth.NewBaseValidator(pub)
	} else {
		logger.Warn("auth is disabled: Console API accepts anonymous requests")
	}

	var importer handler.Importer
	if rt.puller != nil {
		importer = rt.puller
	}

	api := server.NewConsoleServer(logger, tokens,
		handler.NewRecordHandler(rt.records, logger),
		handler.NewTransferHandler(rt.broker, importer, logger),
		handler.NewDashboardHandler(rt.records, rt.quarantine, cfg.Security.AllowDangerousPatternDecryption),
		handler.NewAuditHandler(rt.events),
		promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}),
	)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// 5. Graceful Shutdown
	select {
	case <-appCtx.Done():
	case err := <-serveErr:
		logger.Error("console API failed", zap.Error(err))
		return err
	}
	logger.Info("trustvault stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("console API shutdown failed", zap.Error(err))
	}
	logger.Info("trustvault exited properly")
	return nil
}
