// Package main is the entry point for the template mailer. It renders the
// bundled example templates and delivers them through the configured
// provider.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/shineum/template-mailer/internal/account"
	"github.com/shineum/template-mailer/internal/catalog"
	"github.com/shineum/template-mailer/internal/config"
	"github.com/shineum/template-mailer/internal/logging"
	"github.com/shineum/template-mailer/internal/mail"
	"github.com/shineum/template-mailer/internal/mailctx"
	"github.com/shineum/template-mailer/internal/provider"
	"github.com/shineum/template-mailer/internal/provider/graph"
	"github.com/shineum/template-mailer/internal/provider/ses"
	"github.com/shineum/template-mailer/internal/provider/smtpsend"
	"github.com/shineum/template-mailer/internal/provider/stdout"
	"github.com/shineum/template-mailer/internal/resource"
	"github.com/shineum/template-mailer/internal/runner"
	"github.com/shineum/template-mailer/internal/smtp"
	"github.com/shineum/template-mailer/internal/tmpl"
	mailtls "github.com/shineum/template-mailer/internal/tls"
)

// requestor identifies this program to the test-account endpoint.
const requestor = "template-mailer"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run parses args, sends the selected examples and returns the exit code.
// Encoded mail goes to stdout, logs and errors to stderr.
func run(ctx context.Context, args []string, stdoutW, stderrW io.Writer) int {
	fs := flag.NewFlagSet("mailsend", flag.ContinueOnError)
	fs.SetOutput(stderrW)
	configPath := fs.String("config", "", "path to YAML configuration file (optional)")
	dryRun := fs.Bool("dry-run", false, "print mail instead of sending it")
	example := fs.String("example", "all", "example to send: hello, avatar or all")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	switch *example {
	case "hello", "avatar", "all":
	default:
		fmt.Fprintf(stderrW, "unknown example %q\n", *example)
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		printChain(stderrW, err)
		return 1
	}
	if *dryRun {
		cfg.Provider = config.ProviderStdout
	}
	if err := cfg.Validate(); err != nil {
		printChain(stderrW, err)
		return 1
	}

	flush := logging.Setup(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		SentryDSN:   cfg.Logging.SentryDSN,
		Environment: cfg.Logging.Environment,
		Output:      stderrW,
	})
	defer flush()

	r, err := runner.New(1)
	if err != nil {
		printChain(stderrW, err)
		return 1
	}
	r.Start(ctx)
	defer r.Stop()

	if err := send(ctx, r, cfg, *example, stdoutW); err != nil {
		slog.Error("mail example failed", "example", *example, "error", err)
		printChain(stderrW, err)
		return 1
	}
	return 0
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

type app struct {
	cfg      *config.Config
	mctx     *mailctx.Simple
	engine   *tmpl.Engine
	resolver *resource.Resolver
	provider provider.Provider
	out      io.Writer
}

// send runs the selected examples one after another. A runner stopped by
// cancellation surfaces as an error wrapping runner.ErrRunnerStopped.
func send(ctx context.Context, r *runner.Runner, cfg *config.Config, example string, out io.Writer) (err error) {
	defer func() {
		if p := recover(); p != nil {
			perr, ok := p.(error)
			if !ok || !errors.Is(perr, runner.ErrRunnerStopped) {
				panic(p)
			}
			err = perr
		}
	}()

	a, err := newApp(ctx, r, cfg, out)
	if err != nil {
		return err
	}

	slog.Info("starting template-mailer",
		"provider", a.provider.Name(),
		"domain", a.mctx.Domain(),
		"example", example,
	)

	if example == "hello" || example == "all" {
		if err := a.helloWorld(ctx, r); err != nil {
			return err
		}
	}
	if example == "avatar" || example == "all" {
		if err := a.avatar(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func newApp(ctx context.Context, r *runner.Runner, cfg *config.Config, out io.Writer) (*app, error) {
	opts := []mailctx.Option{}
	if cfg.Context.BaseDir != "" {
		opts = append(opts, mailctx.WithBaseDir(cfg.Context.BaseDir))
	}
	mctx, err := mailctx.New(cfg.Context.Domain, opts...)
	if err != nil {
		return nil, err
	}

	resolver, err := newResolver(ctx, cfg)
	if err != nil {
		return nil, err
	}

	prov, err := selectProvider(ctx, r, cfg, out)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		mctx:     mctx,
		engine:   tmpl.NewEngine(),
		resolver: resolver,
		provider: prov,
		out:      out,
	}, nil
}

func newResolver(ctx context.Context, cfg *config.Config) (*resource.Resolver, error) {
	if cfg.S3.Region == "" {
		return resource.NewResolver(), nil
	}
	s3Loader, err := resource.NewS3Loader(ctx, cfg.S3.Region)
	if err != nil {
		return nil, err
	}
	return resource.NewResolver(resource.WithLoader("s3", s3Loader)), nil
}

// selectProvider chooses the delivery backend named by the configuration.
func selectProvider(ctx context.Context, r *runner.Runner, cfg *config.Config, out io.Writer) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderSES:
		slog.Info("using AWS SES provider", "region", cfg.SES.Region, "sender", cfg.SES.Sender)
		return ses.New(ctx, ses.SESProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})

	case config.ProviderGraph:
		slog.Info("using Microsoft Graph provider", "sender", cfg.Graph.Sender)
		return graph.New(graph.GraphProviderConfig{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}), nil

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.NewWithWriter(out, false), nil

	default:
		connCfg, err := smtpConfig(ctx, r, cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("using SMTP provider",
			"server", connCfg.Address(),
			"security", connCfg.Security().String(),
		)
		return smtpsend.New(connCfg), nil
	}
}

// smtpConfig acquires the account, from the configuration or the
// test-account endpoint, and applies the configured overrides.
func smtpConfig(ctx context.Context, r *runner.Runner, cfg *config.Config) (smtp.ConnectionConfig, error) {
	var src account.Source
	if cfg.StaticAccount() {
		src = account.Static{
			Account: account.Account{Username: cfg.SMTP.Username, Password: cfg.SMTP.Password},
			SMTP: &account.SMTPHints{
				Host:           cfg.SMTP.Host,
				Port:           cfg.SMTP.Port,
				UseTLSDirectly: cfg.SMTP.Port == 465,
			},
		}
	} else {
		src = account.NewHTTPSource(cfg.Account.URL, requestor, nil)
	}

	info, err := runner.Block(ctx, r, src.Fetch)
	if err != nil {
		return smtp.ConnectionConfig{}, err
	}

	tlsCfg, err := mailtls.ClientConfig(mailtls.ClientOptions{
		CAFile:             cfg.SMTP.CAFile,
		InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
	})
	if err != nil {
		return smtp.ConnectionConfig{}, err
	}

	b, err := account.ConfigBuilder(info, tlsCfg)
	if err != nil {
		return smtp.ConnectionConfig{}, err
	}
	if cfg.SMTP.Security != "" {
		mode, err := smtp.ParseSecurityMode(cfg.SMTP.Security)
		if err != nil {
			return smtp.ConnectionConfig{}, err
		}
		b.Security(mode)
	}
	if strings.EqualFold(cfg.SMTP.Auth, "LOGIN") {
		b.Auth(smtp.Login(info.Account.Username, info.Account.Password))
	}
	if cfg.SMTP.ClientName != "" {
		b.ClientName(cfg.SMTP.ClientName)
	}
	b.Timeout(cfg.SMTP.Timeout)

	return b.Build()
}

// helloWorld renders the hello world template, prints the 7-bit encoding
// and sends it.
func (a *app) helloWorld(ctx context.Context, r *runner.Runner) error {
	hw, err := catalog.LoadHelloWorld(ctx, a.engine, a.resolver, a.cfg.Templates.Dir, a.mctx)
	if err != nil {
		return err
	}

	m, err := hw.CreateMail(ctx, a.cfg.Mail.From, a.cfg.Mail.To,
		catalog.HelloWorldData{Name: "Lucy", Target: "Tom"}, a.mctx)
	if err != nil {
		return err
	}

	em, err := m.IntoEncodable(ctx, a.mctx)
	if err != nil {
		return err
	}
	raw, err := em.Encode(mail.MailTypeASCII)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "### HELLO WORLD MAIL ###\n%s\n", raw)

	return a.deliver(ctx, r, em)
}

// avatar embeds the hello world logo inline through the avatar template.
func (a *app) avatar(ctx context.Context, r *runner.Runner) error {
	av, err := catalog.LoadAvatar(ctx, a.engine, a.resolver, a.cfg.Templates.Dir, a.mctx)
	if err != nil {
		return err
	}

	iri, err := resource.IRIFromParts("path",
		filepath.ToSlash(filepath.Join(a.cfg.Templates.Dir, catalog.HelloWorldName, "logo.png")))
	if err != nil {
		return err
	}

	m, err := av.CreateMail(ctx, a.cfg.Mail.From, a.cfg.Mail.To, iri, a.mctx)
	if err != nil {
		return err
	}
	em, err := m.IntoEncodable(ctx, a.mctx)
	if err != nil {
		return err
	}
	return a.deliver(ctx, r, em)
}

func (a *app) deliver(ctx context.Context, r *runner.Runner, em *mail.EncodableMail) error {
	_, err := runner.Block(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.provider.Send(ctx, em)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "### %s: sent %s ###\n", a.provider.Name(), em.MessageID())
	return nil
}

// printChain writes every link of err's cause chain. Joined errors are
// followed through their last member, which carries the cause.
func printChain(w io.Writer, err error) {
	for err != nil {
		fmt.Fprintf(w, "Err: %v\n", err)
		fmt.Fprintf(w, "Debug: %#v\n", err)

		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			errs := u.Unwrap()
			if len(errs) == 0 {
				return
			}
			err = errs[len(errs)-1]
		default:
			err = errors.Unwrap(err)
		}
	}
}
