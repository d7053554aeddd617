// authctl drives an account API from the command line. Credentials are kept
// in the configured storage backends so consecutive runs share one session.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	authclient "github.com/goliatone/go-authclient"
	"github.com/goliatone/go-authclient/internal/fakeapi"
	"github.com/goliatone/go-authclient/logging"
	"github.com/goliatone/go-print"
)

const passwordEnv = "AUTHCTL_PASSWORD"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", authclient.MessageOf(err))
		os.Exit(1)
	}
}

type options struct {
	configPath string
	baseURL    string
	logLevel   string
	email      string
	name       string
	username   string
	avatar     string
	current    string
	password   string
	remember   bool
	token      string
	link       string
	addr       string
}

func run(args []string) error {
	var opts options

	flagSet := pflag.NewFlagSet("authctl", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to a TOML config file")
	flagSet.StringVar(&opts.baseURL, "base-url", "", "API base URL (overrides config)")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn, error or disabled")
	flagSet.StringVarP(&opts.email, "email", "e", "", "account email")
	flagSet.StringVar(&opts.name, "name", "", "display name")
	flagSet.StringVar(&opts.username, "username", "", "username")
	flagSet.StringVar(&opts.avatar, "avatar", "", "path to an avatar image")
	flagSet.StringVar(&opts.current, "current-password", "", "current password for password changes")
	flagSet.StringVarP(&opts.password, "password", "p", "", "password (default $"+passwordEnv+")")
	flagSet.BoolVar(&opts.remember, "remember", false, "keep the credential in durable storage")
	flagSet.StringVar(&opts.token, "token", "", "password reset token")
	flagSet.StringVar(&opts.link, "link", "", "email verification link")
	flagSet.StringVar(&opts.addr, "addr", "127.0.0.1:8000", "listen address for serve-fake")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help || flagSet.NArg() == 0 {
		printHelp(flagSet)
		return nil
	}
	if opts.password == "" {
		opts.password = os.Getenv(passwordEnv)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := flagSet.Arg(0)
	if command == "serve-fake" {
		return serveFake(ctx, opts)
	}

	cfg, err := authclient.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.baseURL != "" {
		cfg.BaseURL = opts.baseURL
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.NewConsole(os.Stderr, cfg.LogLevel)
	if cfg.Durable.Driver == authclient.DriverMemory {
		logger.Warn("durable storage uses the memory driver, the session ends with this process")
	}

	c, err := newClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	session, err := c.controller.Init(ctx)
	if err != nil {
		logger.Debug("session hydration failed: %v", err)
	}

	switch command {
	case "login":
		session, err = c.controller.Login(ctx, opts.email, opts.password, opts.remember)
		if err != nil {
			return err
		}
		return printJSON(session)
	case "logout":
		if err := c.controller.Logout(ctx); err != nil {
			return err
		}
		return printNotice(c.controller)
	case "whoami":
		if !session.IsAuthenticated() {
			return authclient.ErrInvalidCredentials
		}
		return printJSON(session.User)
	case "register":
		notice, err := c.controller.Register(ctx, authclient.RegisterInput{
			Name:                 opts.name,
			Email:                opts.email,
			Password:             opts.password,
			PasswordConfirmation: opts.password,
		})
		if err != nil {
			return err
		}
		fmt.Println(notice.Message)
		return nil
	case "profile":
		return profile(ctx, c.controller, opts)
	case "password":
		if err := c.controller.UpdatePassword(ctx, authclient.PasswordUpdate{
			CurrentPassword:      opts.current,
			Password:             opts.password,
			PasswordConfirmation: opts.password,
		}); err != nil {
			return err
		}
		return printNotice(c.controller)
	case "forgot-password":
		if err := c.controller.ForgotPassword(ctx, opts.email); err != nil {
			return err
		}
		return printNotice(c.controller)
	case "reset-password":
		if err := c.controller.ResetPassword(ctx, authclient.ResetPasswordInput{
			Token:                opts.token,
			Email:                opts.email,
			Password:             opts.password,
			PasswordConfirmation: opts.password,
		}); err != nil {
			return err
		}
		return printNotice(c.controller)
	case "verify-email":
		in, err := authclient.ParseVerificationLink(opts.link)
		if err != nil {
			return err
		}
		if err := c.controller.VerifyEmail(ctx, in); err != nil {
			return err
		}
		return printNotice(c.controller)
	case "resend-verification":
		if err := c.controller.ResendVerification(ctx); err != nil {
			return err
		}
		return printNotice(c.controller)
	}
	return fmt.Errorf("unknown command %q", command)
}

func profile(ctx context.Context, controller *authclient.SessionController, opts options) error {
	update := authclient.ProfileUpdate{
		Name:     opts.name,
		Email:    opts.email,
		Username: opts.username,
	}
	if opts.avatar != "" {
		content, err := os.ReadFile(opts.avatar)
		if err != nil {
			return err
		}
		update.Avatar = &authclient.Avatar{Filename: filepath.Base(opts.avatar), Content: content}
	}

	var (
		user *authclient.User
		err  error
	)
	if update == (authclient.ProfileUpdate{}) {
		user, err = controller.Profile(ctx)
	} else {
		user, err = controller.UpdateProfile(ctx, update)
	}
	if err != nil {
		return err
	}
	return printJSON(user)
}

func serveFake(ctx context.Context, opts options) error {
	logger := logging.NewConsole(os.Stderr, opts.logLevel)
	server := fakeapi.New(fakeapi.Options{})
	if opts.email != "" {
		name := opts.name
		if name == "" {
			name = strings.SplitN(opts.email, "@", 2)[0]
		}
		if _, err := server.SeedUser(name, opts.email, opts.password); err != nil {
			return err
		}
	}
	if err := server.Listen(opts.addr); err != nil {
		return err
	}
	defer server.Close()

	logger.Info("fake API listening on %s", server.URL())
	<-ctx.Done()
	return nil
}

func printJSON(v any) error {
	fmt.Println(print.MaybePrettyJSON(v))
	return nil
}

func printNotice(controller *authclient.SessionController) error {
	if notice, ok := controller.Notice(); ok {
		fmt.Println(notice.Message)
	}
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `authctl signs in to an account API and manages the session.

Usage:
  authctl [flags] <command>

Commands:
  login                 sign in with --email and --password
  logout                end the session
  whoami                print the signed in user
  register              create an account with --name, --email and --password
  profile               print the profile, or update it with --name, --email, --username, --avatar
  password              change the password with --current-password and --password
  forgot-password       request a reset link for --email
  reset-password        set a new password with --token, --email and --password
  verify-email          confirm an email address with --link
  resend-verification   send a new verification email
  serve-fake            run the in-process fake API on --addr

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
