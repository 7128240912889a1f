package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bastion-sec/bastion/internal/attest"
	"github.com/bastion-sec/bastion/internal/audit"
	"github.com/bastion-sec/bastion/internal/auth"
	"github.com/bastion-sec/bastion/internal/engine"
	"github.com/bastion-sec/bastion/internal/policy"
	"github.com/bastion-sec/bastion/internal/proxy"
	"github.com/bastion-sec/bastion/internal/ratelimit"
	"github.com/bastion-sec/bastion/internal/scanner"
)

func newProxyCmd() *cobra.Command {
	var (
		policyPath string
		target     string
		listen     string
	)
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run the WebSocket enforcement proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(policyPath, target, listen)
		},
	}
	cmd.Flags().StringVar(&policyPath, "policy", "policy.yaml", "policy file")
	cmd.Flags().StringVar(&target, "target", "", "backend WebSocket URL (ws://...)")
	cmd.Flags().StringVar(&listen, "listen", envOrDefault("BASTION_LISTEN", "localhost:8787"), "listen address")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func runProxy(policyPath, target, listen string) error {
	logger := mustBuildLogger()
	defer func() { _ = logger.Sync() }()

	pol, err := policy.Load(policyPath)
	if err != nil {
		return err
	}

	stack, err := buildStack(pol, logger)
	if err != nil {
		return err
	}
	defer stack.close()

	srv := proxy.NewServer(proxy.Config{
		Engine:        stack.engine,
		Auth:          stack.auth,
		Sink:          stack.sink,
		BackendURL:    target,
		PolicyVersion: pol.Version,
		Logger:        logger,
	})

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("proxy listening",
			zap.String("addr", listen),
			zap.String("backend", target),
			zap.Int("policy_version", pol.Version))
		errCh <- httpSrv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
	}
	return nil
}

// stack holds everything built from one policy.
type stack struct {
	engine  *engine.Engine
	auth    auth.Authenticator
	sink    audit.Sink
	limiter *ratelimit.Limiter
	closers []func()
}

func (s *stack) close() {
	s.sink.Close()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func buildStack(pol *policy.Policy, logger *zap.Logger) (*stack, error) {
	st := &stack{}

	authn, closeAuth, err := buildAuthenticator(pol, logger)
	if err != nil {
		return nil, err
	}
	st.auth = authn
	if closeAuth != nil {
		st.closers = append(st.closers, closeAuth)
	}

	backend, err := buildRateBackend(pol)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, func() { _ = backend.Close() })
	st.limiter = ratelimit.New(ratelimit.Spec{
		Capacity:         pol.RateLimit.Capacity,
		RefillRatePerSec: pol.RateLimit.RefillRatePerSec,
	}, backend)

	st.sink, err = buildSink(pol, logger)
	if err != nil {
		return nil, err
	}

	var digester attest.Digester
	if pol.Attestation.Enabled {
		digester, err = attest.New(pol.Attestation.Alg)
		if err != nil {
			return nil, err
		}
	}

	st.engine = engine.New(engine.Config{
		Limiter:       st.limiter,
		Tools:         pol.ToolMatcher(),
		Resources:     pol.ResourceMatcher(),
		Scanner:       buildScanner(pol),
		Sink:          st.sink,
		Digester:      digester,
		PolicyVersion: pol.Version,
		Logger:        logger,
	})
	return st, nil
}

func buildScanner(pol *policy.Policy) *scanner.Scanner {
	return scanner.New(pol.PromptPatterns(), pol.Prompts.MaxLength)
}

func buildAuthenticator(pol *policy.Policy, logger *zap.Logger) (auth.Authenticator, func(), error) {
	switch pol.Auth.Mode {
	case policy.AuthModeNone:
		return auth.NewNoneAuthenticator(), nil, nil
	case policy.AuthModeAPIKey:
		if pol.Auth.PostgresDSN != "" {
			db, err := sql.Open("pgx", pol.Auth.PostgresDSN)
			if err != nil {
				return nil, nil, fmt.Errorf("open postgres: %w", err)
			}
			a := auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{DB: db, Logger: logger})
			return a, func() { _ = db.Close() }, nil
		}
		return auth.NewKeySetAuthenticator(pol.Auth.AllowedKeys), nil, nil
	case policy.AuthModeBearer:
		return auth.NewBearerAuthenticator(pol.Auth.AllowedTokens), nil, nil
	default:
		return nil, nil, fmt.Errorf("auth mode %q", pol.Auth.Mode)
	}
}

func buildRateBackend(pol *policy.Policy) (ratelimit.Backend, error) {
	if pol.RateLimit.Backend == policy.RateLimitBackendRedis {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ratelimit.NewRedisBackend(ctx, pol.RateLimit.RedisDSN)
	}
	return ratelimit.NewMemoryBackend(), nil
}

func buildSink(pol *policy.Policy, logger *zap.Logger) (audit.Sink, error) {
	var sinks audit.Multi
	if pol.Audit.Output == policy.AuditOutputFile {
		fs, err := audit.NewFileSink(pol.Audit.FilePath, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	} else {
		sinks = append(sinks, audit.NewWriterSink(os.Stdout, logger))
	}
	if pol.Audit.ClickHouseDSN != "" {
		ch, err := audit.NewClickHouseSink(pol.Audit.ClickHouseDSN, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ch)
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}
