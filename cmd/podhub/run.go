package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/term"

	"podhub/internal/api"
	"podhub/internal/app"
	"podhub/internal/config"
	"podhub/internal/logging"
	"podhub/internal/repl"
	"podhub/internal/storage"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	home string
}

func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func (o *options) baseDir() (string, error) {
	if o.home != "" {
		return o.home, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".podhub"), nil
}

// session is an opened application plus the resources backing it.
type session struct {
	app    *app.App
	logOut io.Closer
}

func (s *session) Close() {
	s.app.Close()
	s.logOut.Close()
}

func open(ctx context.Context, opts *options) (*session, error) {
	baseDir, err := opts.baseDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create application directory: %w", err)
	}

	logOut := logging.Configure(logging.PathIn(baseDir))

	configPath := filepath.Join(baseDir, "config.yaml")
	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		logOut.Close()
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	db, err := storage.Open(filepath.Join(baseDir, "app.db"))
	if err != nil {
		logOut.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	log.Printf("[INFO] podhub %s starting in %s", version, baseDir)
	return &session{app: app.New(cfg, configPath, db), logOut: logOut}, nil
}

// loadConfig prompts for first-run settings only when attached to a terminal;
// otherwise a missing file is created from defaults.
func loadConfig(ctx context.Context, path string) (config.Config, error) {
	if interactive() {
		return config.Ensure(ctx, path)
	}
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return config.Config{}, err
	}
	cfg = config.Defaults()
	if err := config.Save(path, cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runShell(ctx context.Context, opts *options) error {
	s, err := open(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.app.Initialize(ctx); err != nil {
		log.Printf("[WARN] initialize: %v", err)
	}
	return repl.Run(ctx, s.app)
}

func runServe(ctx context.Context, opts *options, listen string) error {
	s, err := open(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.app.Initialize(ctx); err != nil {
		log.Printf("[WARN] initialize: %v", err)
	}

	if listen == "" {
		listen = s.app.Config().APIListen
	}
	server := api.NewServer(listen, api.Dependencies{
		Loader:     s.app,
		Controller: s.app.Controller(),
		Player:     s.app.Player(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	log.Printf("[INFO] API listening on %s", listen)
	fmt.Fprintf(os.Stdout, "Listening on %s\n", listen)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func runRefresh(ctx context.Context, opts *options, out io.Writer) error {
	s, err := open(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := s.app.Execute(ctx, "refresh all")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, result.Message)
	return nil
}

func runImport(ctx context.Context, opts *options, path string, out io.Writer) error {
	s, err := open(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := s.app.ImportOPML(ctx, path)
	if err != nil {
		return fmt.Errorf("import OPML: %w", err)
	}
	fmt.Fprintf(out, "Imported %d subscriptions, skipped %d already subscribed.\n", result.Imported, result.Skipped)
	if len(result.Errors) > 0 {
		fmt.Fprintln(out, "Errors encountered:")
		for _, msg := range result.Errors {
			fmt.Fprintf(out, "  %s\n", msg)
		}
	}
	return nil
}

func runExport(ctx context.Context, opts *options, path string, out io.Writer) error {
	s, err := open(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	count, err := s.app.ExportOPML(ctx, path)
	if err != nil {
		return fmt.Errorf("export OPML: %w", err)
	}
	fmt.Fprintf(out, "Exported %d subscriptions to %s.\n", count, path)
	return nil
}
