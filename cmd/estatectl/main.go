package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lithammer/dedent"
	"github.com/raine/estate-client/config"
	"github.com/raine/estate-client/internal/api"
	"github.com/raine/estate-client/internal/estate"
	"github.com/raine/estate-client/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `
	Usage: estatectl <command> [flags]

	Commands:
	  login            Log in and store the session
	  logout           Forget the stored session
	  whoami           Show the logged in user
	  properties       List properties (-page N)
	  property <id>    Show one property
	  tickets          List maintenance tickets (-property ID -status S)
	  new-ticket       Open a ticket (-property ID -title T -priority P)
	  notifications    List notifications (-unread)
	  keepalive        Keep the session alive and print new notifications

	Configuration is read from the environment and from
	%s.
`

func printUsage(w io.Writer) {
	fmt.Fprintf(w, strings.TrimSpace(dedent.Dedent(usage))+"\n",
		config.Dir()+string(os.PathSeparator)+config.EnvFileName)
}

// app bundles everything a command needs.
type app struct {
	cfg    *config.Config
	client *api.Client
	repo   *estate.Repository
	store  storage.TokenStore
	out    io.Writer
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	os.Exit(realMain(os.Args[1:]))
}

// realMain returns the exit code so deferred cleanup, closing the token
// store in particular, runs before the process exits.
func realMain(argv []string) int {
	if len(argv) < 1 || argv[0] == "-h" || argv[0] == "--help" || argv[0] == "help" {
		printUsage(os.Stderr)
		return 2
	}
	name, args := argv[0], argv[1:]

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", name)
		printUsage(os.Stderr)
		return 2
	}

	config.LoadEnvFile()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Create context that cancels on SIGINT or SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer a.store.Close()

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	run := cmd(a, fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if err := run(ctx, fs.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describeError(err))
		return 1
	}
	return 0
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client := api.NewClient(api.ClientOpts{
		BaseURL:  cfg.APIURL,
		Store:    store,
		Timezone: cfg.Timezone,
		Timeout:  cfg.HTTPTimeout,
	})
	if err := client.RestoreSession(ctx); err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		client: client,
		repo:   estate.NewRepository(client),
		store:  store,
		out:    os.Stdout,
	}, nil
}

// openStore uses Redis when ESTATE_REDIS_ADDR is set and the encrypted SQLite
// file otherwise.
func openStore(ctx context.Context, cfg *config.Config) (storage.TokenStore, error) {
	if cfg.RedisAddr != "" {
		store, err := storage.DialRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		log.Debug().Str("addr", cfg.RedisAddr).Msg("using redis token store")
		return store, nil
	}

	if cfg.TokenKey == "" {
		return nil, errors.New("ESTATE_TOKEN_KEY is not set")
	}
	if err := config.EnsureDir(); err != nil {
		return nil, fmt.Errorf("failed to create config dir: %w", err)
	}
	store, err := storage.NewSQLiteStore(cfg.DBPath, cfg.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("failed to open token store at %s: %w", cfg.DBPath, err)
	}
	log.Debug().Str("dbPath", cfg.DBPath).Msg("using sqlite token store")
	return store, nil
}

// describeError renders validation problems and API errors for the terminal.
func describeError(err error) string {
	var verr *estate.ValidationError
	if errors.As(err, &verr) {
		return verr.Error()
	}
	if ce, ok := api.AsClientError(err); ok {
		msg := ce.Message
		for _, e := range ce.Errors {
			if e != msg {
				msg += "\n  " + e
			}
		}
		return msg
	}
	return err.Error()
}
