package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dgellow/webview-handoff/internal/activation"
	"github.com/dgellow/webview-handoff/internal/browser"
	"github.com/dgellow/webview-handoff/internal/config"
	"github.com/dgellow/webview-handoff/internal/crypto"
	"github.com/dgellow/webview-handoff/internal/handoff"
	"github.com/dgellow/webview-handoff/internal/instance"
	"github.com/dgellow/webview-handoff/internal/log"
	"github.com/dgellow/webview-handoff/internal/server"
	"github.com/dgellow/webview-handoff/internal/storage"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Content is the embedded browsing context the app drives
type Content interface {
	handoff.CredentialSink
	handoff.Navigator

	// Open loads the start page
	Open(ctx context.Context) error
	// Reopen replaces torn-down content with a fresh page at the start URL
	Reopen(ctx context.Context) error
	// Done is closed when the current content is torn down
	Done() <-chan struct{}
	Close() error
}

// browserContent joins a browser session with its sink and navigator
type browserContent struct {
	*browser.Session
	*browser.CookieSink
	*browser.Navigator
}

func newBrowserContent(s *browser.Session) *browserContent {
	return &browserContent{
		Session:    s,
		CookieSink: browser.NewCookieSink(s),
		Navigator:  browser.NewNavigator(s),
	}
}

// App is the host: it owns the embedded content, turns activations into
// handoffs and accepts activations forwarded by later invocations.
type App struct {
	cfg        config.Config
	store      storage.CredentialStore
	content    Content
	machine    *handoff.Machine
	dispatcher *activation.Dispatcher
	sequencer  *activation.Sequencer
	httpServer *server.HTTPServer
	cleanup    *storage.CleanupManager

	instancePath string
	secret       string

	mu     sync.Mutex
	launch *activation.Event
}

// NewApp creates the host with all dependencies built. The browser is
// launched, stored credentials are restored into it and the start page is
// opened before NewApp returns.
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	log.LogInfoWithFields("app", "Building handoff host", map[string]any{
		"scheme":  cfg.App.Scheme,
		"origin":  cfg.Target.Origin,
		"storage": cfg.Storage.Kind,
	})

	store, err := setupStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	session, err := browser.Launch(ctx, browser.Config{
		ControlURL:        cfg.Browser.ControlURL,
		Bin:               cfg.Browser.Bin,
		Headless:          cfg.Browser.Headless,
		UserDataDir:       cfg.Browser.UserDataDir,
		Flags:             cfg.Browser.Flags,
		StartURL:          cfg.Target.StartURL(),
		NavigationTimeout: cfg.Browser.NavigationTimeout,
	})
	if err != nil {
		closeStore(store)
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	app, err := newApp(cfg, store, newBrowserContent(session))
	if err != nil {
		_ = session.Close()
		closeStore(store)
		return nil, err
	}

	app.restoreCredentials(ctx)

	if err := app.content.Open(ctx); err != nil {
		_ = session.Close()
		closeStore(store)
		return nil, fmt.Errorf("failed to open embedded content: %w", err)
	}
	return app, nil
}

func newApp(cfg config.Config, store storage.CredentialStore, content Content) (*App, error) {
	secret, err := crypto.NewInstanceSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate instance secret: %w", err)
	}

	instancePath := cfg.Forward.InstanceFile
	if instancePath == "" {
		instancePath, err = instance.DefaultPath(cfg.App.Name)
		if err != nil {
			return nil, err
		}
	}

	opts := []handoff.Option{
		handoff.WithSettleDelay(cfg.Handoff.SettleDelay),
		handoff.WithTimeout(cfg.Handoff.Timeout),
		handoff.WithReloadPath(cfg.Target.ReloadPath),
		handoff.WithLoadingOverlay(cfg.Handoff.LoadingOverlay),
	}
	if store != nil {
		opts = append(opts, handoff.WithMirror(store, cfg.Handoff.Timeout))
	}
	machine := handoff.NewMachine(cfg.Target.Origin, content, content, opts...)

	router := activation.NewRouter(
		cfg.App.Scheme,
		machine,
		activation.WithAuthHost(cfg.App.AuthHost),
		activation.WithTokenParam(cfg.App.TokenParam),
		activation.WithEmptyTokenPolicy(activation.EmptyTokenPolicy(cfg.Handoff.EmptyToken)),
		activation.WithDedupWindow(cfg.Handoff.DedupWindow),
	)

	app := &App{
		cfg:          cfg,
		store:        store,
		content:      content,
		machine:      machine,
		dispatcher:   activation.NewDispatcher(router),
		sequencer:    activation.NewSequencer(),
		instancePath: instancePath,
		secret:       secret,
	}

	app.httpServer = server.NewHTTPServer(server.NewHandler(app, machine, secret), cfg.Forward.Addr)

	if store != nil && cfg.Storage.CleanupInterval > 0 {
		app.cleanup = storage.NewCleanupManager(store, cfg.Storage.CleanupInterval)
	}

	return app, nil
}

// setupStorage creates the credential mirror based on configuration. It
// returns a nil store when no mirror is configured.
func setupStorage(ctx context.Context, cfg config.Config) (storage.CredentialStore, error) {
	switch cfg.Storage.Kind {
	case config.StorageKindNone, "":
		log.LogInfoWithFields("app", "No credential mirror, tokens live only in the browser profile", nil)
		return nil, nil
	case config.StorageKindFirestore:
		encryptor, err := crypto.NewEncryptor([]byte(cfg.Storage.EncryptionKey))
		if err != nil {
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
		log.LogInfoWithFields("app", "Using Firestore credential storage", map[string]any{
			"project":    cfg.Storage.GCPProject,
			"database":   cfg.Storage.Database,
			"collection": cfg.Storage.Collection,
		})
		return storage.NewFirestoreStorage(ctx, cfg.Storage.GCPProject, cfg.Storage.Database, cfg.Storage.Collection, encryptor)
	default:
		log.LogInfoWithFields("app", "Using in-memory credential mirror", nil)
		return storage.NewMemoryStorage(), nil
	}
}

func closeStore(store storage.CredentialStore) {
	if store != nil {
		_ = store.Close()
	}
}

// restoreCredentials seeds the content's cookie store from the mirror so
// a fresh browser profile starts authenticated
func (a *App) restoreCredentials(ctx context.Context) int {
	if a.store == nil {
		return 0
	}
	recs, err := a.store.ListCredentials(ctx, a.cfg.Target.Origin)
	if err != nil {
		log.LogWarnWithFields("app", "Could not load stored credentials", map[string]any{
			"error": err.Error(),
		})
		return 0
	}

	restored := 0
	for _, rec := range recs {
		if err := a.content.SetCredential(ctx, rec); err != nil {
			log.LogWarnWithFields("app", "Could not restore credential", map[string]any{
				"name":  rec.Name,
				"error": err.Error(),
			})
			continue
		}
		restored++
	}
	if restored > 0 {
		if err := a.content.Flush(ctx); err != nil {
			log.LogWarnWithFields("app", "Restored credentials not acknowledged", map[string]any{
				"error": err.Error(),
			})
		}
		log.LogInfoWithFields("app", "Restored stored credentials", map[string]any{
			"count":  restored,
			"origin": a.cfg.Target.Origin,
		})
	}
	return restored
}

// OnCreate delivers the activation the host was started with. Only an
// unclaimed launch is kept for a recreated page; a claimed one is spent.
func (a *App) OnCreate(ctx context.Context, rawURI string) (bool, error) {
	ev, err := a.sequencer.NewEvent(rawURI, activation.SourceLaunch)
	if err != nil {
		return false, err
	}

	claimed := a.dispatcher.Deliver(ctx, ev)

	a.mu.Lock()
	if claimed || ev.Consumed() {
		a.launch = nil
	} else {
		a.launch = ev
	}
	a.mu.Unlock()

	return claimed, nil
}

// OnResume delivers an activation that arrived while the host was running
func (a *App) OnResume(ctx context.Context, rawURI string) (bool, error) {
	ev, err := a.sequencer.NewEvent(rawURI, activation.SourceForward)
	if err != nil {
		return false, err
	}
	return a.dispatcher.Deliver(ctx, ev), nil
}

// redeliverLaunch presents an unclaimed launch activation again, as a
// recreated page does, so listeners added since launch can see it. A
// claimed launch is never replayed.
func (a *App) redeliverLaunch(ctx context.Context) {
	a.mu.Lock()
	launch := a.launch
	a.mu.Unlock()
	if launch == nil {
		return
	}
	a.dispatcher.Deliver(ctx, a.sequencer.Redeliver(launch.URI, launch.Source, launch.Seq))
}

// Machine exposes the handoff state machine
func (a *App) Machine() *handoff.Machine {
	return a.machine
}

// watchContent reacts to the embedded content being torn down: the
// in-flight handoff is abandoned and a fresh page is opened
func (a *App) watchContent(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.content.Done():
		}

		log.LogWarnWithFields("app", "Embedded content torn down", map[string]any{
			"handoff": a.machine.State().String(),
		})
		a.machine.Teardown()

		if err := a.content.Reopen(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reopening embedded content: %w", err)
		}
		a.redeliverLaunch(ctx)
	}
}

// Run starts the forward endpoint and background work, then blocks until
// ctx is cancelled, a signal arrives or a component fails
func (a *App) Run(ctx context.Context) error {
	addr, err := a.httpServer.Listen()
	if err != nil {
		return fmt.Errorf("failed to start forward endpoint: %w", err)
	}

	pid := os.Getpid()
	if err := instance.Write(a.instancePath, instance.File{
		Addr:      addr,
		Secret:    a.secret,
		PID:       pid,
		StartedAt: time.Now(),
	}); err != nil {
		_ = a.httpServer.Stop(context.Background())
		return fmt.Errorf("failed to publish instance file: %w", err)
	}

	log.LogInfoWithFields("app", "Handoff host running", map[string]any{
		"addr":          addr,
		"instance_file": a.instancePath,
		"pid":           pid,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := a.httpServer.Start(); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	if a.cleanup != nil {
		g.Go(func() error {
			return a.cleanup.Run(gctx)
		})
	}
	g.Go(func() error {
		return a.watchContent(gctx)
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var shutdownReason string
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("app", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case <-gctx.Done():
		if ctx.Err() != nil {
			shutdownReason = "context cancelled"
		} else {
			shutdownReason = "component failure"
		}
	}

	log.LogInfoWithFields("app", "Starting graceful shutdown", map[string]any{
		"reason":  shutdownReason,
		"timeout": shutdownTimeout.String(),
	})
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var errs []error
	if err := a.httpServer.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}
	cancel()
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	a.machine.Close()

	if err := instance.Remove(a.instancePath, pid); err != nil {
		errs = append(errs, err)
	}
	if err := a.content.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing embedded content: %w", err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing storage: %w", err))
		}
	}

	err = errors.Join(errs...)
	if err != nil {
		log.LogErrorWithFields("app", "Shutdown finished with errors", map[string]any{
			"reason": shutdownReason,
			"error":  err.Error(),
		})
		return err
	}

	log.LogInfoWithFields("app", "Application shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return nil
}
