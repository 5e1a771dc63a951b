package commands

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/octoplane/octoplane/internal/accounts"
	"github.com/octoplane/octoplane/internal/attachments"
	"github.com/octoplane/octoplane/internal/config"
	"github.com/octoplane/octoplane/internal/db"
	"github.com/octoplane/octoplane/internal/db/migrations"
	"github.com/octoplane/octoplane/internal/httpapi"
	"github.com/octoplane/octoplane/internal/logging"
	"github.com/octoplane/octoplane/internal/mux"
	"github.com/octoplane/octoplane/internal/proxy"
	"github.com/octoplane/octoplane/internal/provision"
	"github.com/octoplane/octoplane/internal/runner"
	"github.com/octoplane/octoplane/internal/session"
	"github.com/octoplane/octoplane/internal/useragents"
	"github.com/octoplane/octoplane/internal/usermgr"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control plane daemon",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return fmt.Errorf("create data directories: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Setup("octoplane-server", cfg.Log)
	defer logging.Close()
	log := logging.Component("cmd.serve")

	sqlDB, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	if err := migrations.Apply(sqlDB); err != nil {
		log.Fatal().Err(err).Msg("apply migrations")
	}
	defer sqlDB.Close()

	userMgr := buildUserManager(cfg, log)

	accountsRepo := accounts.NewRepository(sqlDB)
	tokenIssuer := accounts.NewTokenIssuer([]byte(resolveJWTSecret(cfg)), cfg.Auth.TokenTTL)
	accountsSvc := accounts.NewService(accountsRepo, tokenIssuer, cfg.Auth.InviteRequired)

	provisioner := provision.New(userMgr, accountsSvc, provision.Config{
		UsernamePrefix:          cfg.UserMgr.UsernamePrefix,
		Group:                   cfg.UserMgr.Group,
		GecosPrefix:             "octoplane",
		HomeRoot:                cfg.UserMgr.HomeRoot,
		MinUID:                  cfg.UserMgr.MinUID,
		MaxUID:                  cfg.UserMgr.MaxUID,
		CleanupOnPartialFailure: cfg.UserMgr.CleanupOnPartialFailure,
	}, log)

	sessionRepo := session.NewRepository(sqlDB)
	bins := session.BinaryPaths{
		Opencode:   "/usr/local/bin/opencode",
		Fileserver: "/usr/local/bin/octoplane-fileserver",
		TTYD:       "/usr/local/bin/ttyd",
		Pi:         "/usr/local/bin/pi",
	}
	var resolver session.UserResolver = provisioner
	if cfg.SingleUser {
		resolver = session.StaticUserResolver{User: session.WorkspaceUser{
			LinuxUsername: os.Getenv("USER"),
			HomeDir:       os.Getenv("HOME"),
		}}
	}
	runtime := session.NewLocalRuntime(func(linuxUsername string) (*runner.Client, error) {
		return runner.Dial(paths.RunnerSocketPath(linuxUsername))
	}, resolver)
	sessionSvc := session.New(sessionRepo, runtime, resolver, nil, bins, cfg.Session, log)
	var agentPool *useragents.Pool
	if !cfg.SingleUser {
		agentPool = useragents.New(accountsSvc, func(linuxUsername string) (*runner.Client, error) {
			return runner.Dial(paths.RunnerSocketPath(linuxUsername))
		}, userMgr, useragents.Config{
			MmryBinary: cfg.Agents.MmryBinary,
			SldrBinary: cfg.Agents.SldrBinary,
			MinPort:    cfg.Agents.MinPort,
			MaxPort:    cfg.Agents.MaxPort,
		}, log)
		sessionSvc.WithAgentPool(agentPool)
	}
	defer sessionSvc.Close()

	proxyBuilder := proxy.NewBuilder(sessionSvc, cfg.Proxy)
	dispatcher := httpapi.NewDispatcher(sessionSvc, proxyBuilder, log)
	cache := mux.NewMessageCache(100<<20, 200, 15*time.Minute)
	hub := mux.NewHub(cache, dispatcher, dispatcher, log)
	defer hub.Close()

	attachmentStore := attachments.New(paths.Data + "/attachments")

	deps := httpapi.Deps{
		Config:           cfg,
		Sessions:         sessionSvc,
		Accounts:         accountsSvc,
		Builder:          proxyBuilder,
		Hub:              hub,
		Attachments:      attachmentStore,
		VoiceUpstreamURL: cfg.Server.VoiceUpstreamURL,
		Log:              log,
	}
	if agentPool != nil {
		deps.Memory = agentPool
	}
	server := httpapi.New(deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sessionSvc.StartIdleReaper(ctx)
	sessionSvc.StartReconciliationLoop(ctx)

	go func() {
		if err := server.ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()
	log.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).Msg("octoplane-server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}

// buildUserManager selects the real root-daemon client in multi-tenant
// deployments, or the no-op implementation in single_user mode.
func buildUserManager(cfg *config.Config, log zerolog.Logger) usermgr.UserManager {
	if cfg.SingleUser {
		return &usermgr.NoopUserManager{
			UsernamePrefix: cfg.UserMgr.UsernamePrefix,
			Group:          cfg.UserMgr.Group,
			GecosPrefix:    "octoplane",
		}
	}
	mgr, err := usermgr.NewRemoteUserManager(cfg.UserMgr.SocketPath)
	if err != nil {
		log.Fatal().Err(err).Str("socket", cfg.UserMgr.SocketPath).Msg("dial user-manager daemon")
	}
	return mgr
}

// resolveJWTSecret uses the configured signing secret, or mints an
// ephemeral one for this process's lifetime if none is set — acceptable
// for single-instance deployments, but every restart invalidates
// existing sessions, so production deployments should set auth.jwt_secret.
func resolveJWTSecret(cfg *config.Config) string {
	if cfg.Auth.JWTSecret != "" {
		return cfg.Auth.JWTSecret
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "octoplane-dev-secret-change-me"
	}
	return hex.EncodeToString(buf)
}
