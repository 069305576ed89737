package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/room-sync/internal/config"
	syncerrors "github.com/alexjbarnes/room-sync/internal/errors"
	"github.com/alexjbarnes/room-sync/internal/listconfig"
	"github.com/alexjbarnes/room-sync/internal/logging"
	"github.com/alexjbarnes/room-sync/internal/matrix"
	"github.com/alexjbarnes/room-sync/internal/server"
	"github.com/alexjbarnes/room-sync/internal/slidingsync"
	"github.com/alexjbarnes/room-sync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle hash-password subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		hashPassword()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	password := scanner.Text()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("room-sync starting",
		slog.String("version", Version),
		slog.String("homeserver", cfg.HomeserverURL),
		slog.Bool("control", cfg.EnableControl),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := openState(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	client := matrix.NewClient(cfg.HomeserverURL, nil, logging.Component(logger, "matrix"))

	if err := authenticate(ctx, client, cfg, appState, logger); err != nil {
		return err
	}

	opts := cfg.SyncOptions()

	if cfg.ListsFile != "" {
		updates, err := listconfig.Load(cfg.ListsFile)
		if err != nil {
			return fmt.Errorf("loading list presets: %w", err)
		}

		opts.Lists, err = listconfig.Definitions(updates)
		if err != nil {
			return fmt.Errorf("building list presets: %w", err)
		}

		logger.Info("loaded list presets",
			slog.String("path", cfg.ListsFile),
			slog.Int("lists", len(opts.Lists)),
		)
	}

	ctrl := slidingsync.New(opts, logging.Component(logger, "slidingsync"))

	supported, err := ctrl.VerifyServerSupport(ctx, client)
	if err != nil {
		return err
	}
	if !supported {
		return fmt.Errorf("%s: %w", cfg.HomeserverURL, syncerrors.ErrUnsupported)
	}

	rooms, err := matrix.NewRoomStore(appState, logging.Component(logger, "rooms"))
	if err != nil {
		return fmt.Errorf("loading room flags: %w", err)
	}

	transport := matrix.NewTransport(client, rooms, appState, matrix.TransportOptions{
		PollTimeout: cfg.SyncPollTimeout,
		ConnID:      matrix.DefaultConnID,
	}, logging.Component(logger, "transport"))

	defer ctrl.Dispose()

	if err := ctrl.Initialize(ctx, slidingsync.Deps{
		Transport: transport,
		Crypto:    rooms,
		Rooms:     rooms,
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("room-sync stopping")
		return nil
	})

	if len(cfg.ExtraRooms) > 0 {
		g.Go(func() error {
			if err := ctrl.SubscribeRooms(gctx, cfg.ExtraRooms...); err != nil && gctx.Err() == nil {
				logger.Warn("subscribing extra rooms failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	if cfg.ListsFile != "" {
		watcher := listconfig.NewWatcher(cfg.ListsFile, ctrl, logging.Component(logger, "listconfig"))
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("watching list presets: %w", err)
			}
			return nil
		})
	}

	if cfg.EnableControl {
		g.Go(func() error {
			return runControl(gctx, cfg, ctrl, logger)
		})
	}

	return g.Wait()
}

func openState(path string) (*state.State, error) {
	if path == "" {
		return state.Load()
	}

	return state.LoadAt(path)
}

// runControl serves the signal websocket, status endpoint and MCP tools.
func runControl(ctx context.Context, cfg *config.Config, ctrl *slidingsync.Controller, logger *slog.Logger) error {
	controlLogger := logging.Component(logger, "control")

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "room-sync", Version: Version},
		nil,
	)
	server.RegisterTools(mcpServer, ctrl)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Controller:   ctrl,
		PasswordHash: []byte(cfg.ControlPasswordHash),
		MCPHandler:   mcpHandler,
		Logger:       controlLogger,
	})

	return server.ListenAndServe(ctx, cfg.ControlListenAddr, mux, controlLogger)
}

// authenticate installs an access token on client. An explicit token
// wins, then a token cached by an earlier password login, then a fresh
// password login whose token is cached for next time.
func authenticate(ctx context.Context, client *matrix.Client, cfg *config.Config, appState *state.State, logger *slog.Logger) error {
	if cfg.AccessToken != "" {
		client.SetSession(cfg.AccessToken, "", cfg.DeviceID)

		userID, err := client.WhoAmI(ctx)
		if err != nil {
			return err
		}

		logger.Info("authenticated with access token", slog.String("user_id", userID))

		return nil
	}

	if sess := appState.Session(); sess.AccessToken != "" {
		logger.Debug("trying cached token")
		client.SetSession(sess.AccessToken, sess.UserID, sess.DeviceID)

		userID, err := client.WhoAmI(ctx)
		if err == nil {
			logger.Info("authenticated with cached token", slog.String("user_id", userID))
			return nil
		}

		if !errors.Is(err, syncerrors.ErrInvalidToken) {
			return err
		}

		logger.Debug("cached token rejected, logging in fresh")

		if err := appState.ClearSession(); err != nil {
			logger.Warn("failed to clear cached token", slog.String("error", err.Error()))
		}
	}

	logger.Info("logging in", slog.String("user", cfg.User))

	if err := client.Login(ctx, cfg.User, cfg.Password, cfg.DeviceID); err != nil {
		return err
	}

	if err := appState.SetSession(state.Session{
		AccessToken: client.AccessToken(),
		UserID:      client.UserID(),
		DeviceID:    client.DeviceID(),
	}); err != nil {
		logger.Warn("failed to save token", slog.String("error", err.Error()))
	}

	return nil
}
