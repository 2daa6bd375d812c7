package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/imap"
	"github.com/brandon/mailsync/internal/outbound"
	"github.com/brandon/mailsync/internal/provider"
	"github.com/brandon/mailsync/internal/secrets"
	"github.com/brandon/mailsync/internal/store"
	syncer "github.com/brandon/mailsync/internal/sync"
	"github.com/brandon/mailsync/internal/watch"
	"github.com/brandon/mailsync/pkg/types"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "mailsync",
		Usage:   "multi-provider mail synchronization and transport engine",
		Version: version,
		Commands: []*cli.Command{
			accountCommand(),
			syncCommand(),
			watchCommand(),
			sendCommand(),
			sweepCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// engine bundles the wired-up components shared by every command.
type engine struct {
	cfg          *config.Config
	logger       *logrus.Logger
	store        *store.Store
	broker       *imap.Broker
	creds        *secrets.Resolver
	orchestrator *syncer.Orchestrator
	pipeline     *outbound.Pipeline
	monitor      *watch.Monitor
}

func newEngine() (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	keyringStore, err := secrets.OpenKeyring()
	if err != nil {
		st.Close()
		return nil, err
	}
	creds := secrets.NewResolver(keyringStore, nil)

	dialer := imap.NewDialer(logger)
	dialer.ConnectTimeout = time.Duration(cfg.ConnectTimeoutSeconds) * time.Second
	broker := imap.NewBroker(dialer.Dial, logger)

	return &engine{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		broker:       broker,
		creds:        creds,
		orchestrator: syncer.NewOrchestrator(st, broker, creds, logger),
		pipeline:     outbound.NewPipeline(st, outbound.NewTransport(logger), broker, creds, logger),
		monitor:      watch.NewMonitor(st, broker, creds, logger),
	}, nil
}

func (e *engine) Close() {
	e.broker.Close()
	e.store.Close()
}

// withEngine wires the engine and tears it down around an action.
func withEngine(fn func(ctx context.Context, e *engine, c *cli.Context) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return fn(ctx, e, c)
	}
}

func accountCommand() *cli.Command {
	return &cli.Command{
		Name:  "account",
		Usage: "manage configured accounts",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "add or update an account",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "display-name"},
					&cli.StringFlag{Name: "provider", Usage: "provider id (gmail, icloud, yahoo, outlook, custom)"},
					&cli.StringFlag{Name: "imap-host"},
					&cli.IntFlag{Name: "imap-port"},
					&cli.StringFlag{Name: "smtp-host"},
					&cli.IntFlag{Name: "smtp-port"},
					&cli.StringFlag{Name: "password", Usage: "account or app-specific password"},
					&cli.StringFlag{Name: "access-token", Usage: "OAuth access token"},
					&cli.StringFlag{Name: "refresh-token", Usage: "OAuth refresh token"},
				},
				Action: withEngine(addAccount),
			},
			{
				Name:   "list",
				Usage:  "list configured accounts",
				Action: withEngine(listAccounts),
			},
		},
	}
}

func addAccount(ctx context.Context, e *engine, c *cli.Context) error {
	email := c.String("email")

	// Resolve transport defaults: explicit provider id, then the static
	// registry by domain, then autoconfig discovery.
	var profile *types.ProviderProfile
	if id := c.String("provider"); id != "" {
		profile = provider.Lookup(&id)
	} else {
		resolver, err := provider.NewResolver(e.logger)
		if err != nil {
			return err
		}
		profile = resolver.Resolve(ctx, email)
	}

	account := &types.Account{
		Email:       email,
		DisplayName: c.String("display-name"),
		IMAPHost:    firstNonEmpty(c.String("imap-host"), profile.IMAPHost),
		IMAPPort:    firstNonZero(c.Int("imap-port"), profile.IMAPPort),
		SMTPHost:    firstNonEmpty(c.String("smtp-host"), profile.SMTPHost),
		SMTPPort:    firstNonZero(c.Int("smtp-port"), profile.SMTPPort),
		AuthMethod:  profile.AuthMethod,
		Active:      true,
	}
	if profile.ID != "" {
		id := profile.ID
		account.Provider = &id
	}
	imapSec := profile.IMAPSecurity
	smtpSec := profile.SMTPSecurity
	account.IMAPSecurity = &imapSec
	account.SMTPSecurity = &smtpSec
	if account.IMAPHost == "" || account.SMTPHost == "" {
		return fmt.Errorf("no server hosts for %s; pass --imap-host and --smtp-host", email)
	}

	cred := &types.Credential{}
	switch {
	case c.String("access-token") != "":
		cred.Kind = types.CredentialOAuth
		cred.AccessToken = c.String("access-token")
		cred.RefreshToken = c.String("refresh-token")
		account.AuthMethod = types.AuthXOAuth2
	case c.String("password") != "":
		cred.Kind = types.CredentialPassword
		cred.Secret = c.String("password")
		account.AuthMethod = types.AuthPlain
	default:
		return fmt.Errorf("one of --password or --access-token is required")
	}

	if err := e.store.UpsertAccount(account); err != nil {
		return err
	}
	keyringStore, err := secrets.OpenKeyring()
	if err != nil {
		return err
	}
	if err := keyringStore.Put(account.ID, cred); err != nil {
		return err
	}
	e.logger.WithFields(logrus.Fields{
		"email":     account.Email,
		"imap_host": account.IMAPHost,
		"smtp_host": account.SMTPHost,
	}).Info("Account configured")
	return nil
}

func listAccounts(_ context.Context, e *engine, _ *cli.Context) error {
	accounts, err := e.store.ListActiveAccounts()
	if err != nil {
		return err
	}
	for _, a := range accounts {
		fmt.Printf("%d\t%s\t%s:%d\n", a.ID, a.Email, a.IMAPHost, a.IMAPPort)
	}
	return nil
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "synchronize an account or a single folder",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "email", Required: true},
			&cli.StringFlag{Name: "folder", Usage: "sync only this folder path"},
		},
		Action: withEngine(func(ctx context.Context, e *engine, c *cli.Context) error {
			account, err := e.store.GetAccountByEmail(c.String("email"))
			if err != nil {
				return err
			}
			if account == nil {
				return fmt.Errorf("unknown account %s", c.String("email"))
			}
			if folder := c.String("folder"); folder != "" {
				return e.orchestrator.SyncFolder(ctx, account.ID, folder)
			}
			return e.orchestrator.SyncAccountInboxFirst(ctx, account.ID, func(inbox []*types.Email) {
				e.logger.WithFields(logrus.Fields{
					"account":      account.Email,
					"new_messages": len(inbox),
				}).Info("Inbox synced")
			})
		}),
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "watch a folder for changes and sync on every push",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "email", Required: true},
			&cli.StringFlag{Name: "folder", Value: "INBOX"},
		},
		Action: withEngine(func(ctx context.Context, e *engine, c *cli.Context) error {
			account, err := e.store.GetAccountByEmail(c.String("email"))
			if err != nil {
				return err
			}
			if account == nil {
				return fmt.Errorf("unknown account %s", c.String("email"))
			}
			folder := c.String("folder")

			for {
				events := e.monitor.Watch(ctx, account.ID, folder)
				for ev := range events {
					switch ev.Type {
					case watch.EventNewMail:
						if err := e.orchestrator.SyncFolder(ctx, account.ID, ev.Folder); err != nil {
							e.logger.WithError(err).Warn("Push-triggered sync failed")
						}
					case watch.EventDisconnected:
						if ev.Err != nil {
							e.logger.WithError(ev.Err).Warn("Watch disconnected")
						}
					}
				}
				if ctx.Err() != nil {
					return nil
				}
				// Reconnect after a disconnect; brief backoff.
				select {
				case <-time.After(5 * time.Second):
				case <-ctx.Done():
					return nil
				}
			}
		}),
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "queue a message and deliver the queue",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "email", Required: true},
			&cli.StringSliceFlag{Name: "to", Required: true},
			&cli.StringSliceFlag{Name: "cc"},
			&cli.StringSliceFlag{Name: "bcc"},
			&cli.StringFlag{Name: "subject", Required: true},
			&cli.StringFlag{Name: "text", Usage: "plain text body"},
			&cli.StringFlag{Name: "html", Usage: "HTML body"},
			&cli.StringFlag{Name: "in-reply-to", Usage: "Message-ID being replied to"},
		},
		Action: withEngine(func(ctx context.Context, e *engine, c *cli.Context) error {
			account, err := e.store.GetAccountByEmail(c.String("email"))
			if err != nil {
				return err
			}
			if account == nil {
				return fmt.Errorf("unknown account %s", c.String("email"))
			}

			draft := &outbound.Draft{
				To:        c.StringSlice("to"),
				Cc:        c.StringSlice("cc"),
				Bcc:       c.StringSlice("bcc"),
				Subject:   c.String("subject"),
				BodyText:  c.String("text"),
				BodyHTML:  c.String("html"),
				InReplyTo: c.String("in-reply-to"),
			}
			id, err := e.pipeline.Queue(ctx, account.ID, draft)
			if err != nil {
				return err
			}
			e.logger.WithField("email_id", id).Info("Queued for delivery")
			return e.pipeline.ProcessQueue(ctx, account.ID)
		}),
	}
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "recover stuck sends and drain every account's queue",
		Action: withEngine(func(ctx context.Context, e *engine, _ *cli.Context) error {
			if err := e.pipeline.RecoverStuck(ctx); err != nil {
				return err
			}
			accounts, err := e.store.ListActiveAccounts()
			if err != nil {
				return err
			}
			for _, account := range accounts {
				if err := e.pipeline.ProcessQueue(ctx, account.ID); err != nil {
					e.logger.WithError(err).WithField("account", account.Email).Warn("Queue drain failed")
				}
			}
			return nil
		}),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
