// Package cli is the terminal front-end: one subcommand per screen.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"pingai/internal/util"
	"pingai/pkg/chatstore"
	"pingai/pkg/functions"
	"pingai/pkg/identity"
	"pingai/services/client/internal/app"
	"pingai/services/client/internal/config"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// signOutView has no session requirement.
var signOutView = app.View{Route: "/auth/sign-out", Access: app.Public}

type command struct {
	name    string
	summary string
	view    app.View
	run     func(ctx context.Context, s *session, args []string) error
}

var commands = map[string]command{
	"sign-in":     {name: "sign-in", summary: "email a login link (-email, -function)", view: app.SignInView, run: runSignIn},
	"verify":      {name: "verify", summary: "sign in with the link from the email", view: app.VerifyView, run: runVerify},
	"sign-out":    {name: "sign-out", summary: "end the session", view: signOutView, run: runSignOut},
	"whoami":      {name: "whoami", summary: "show the signed-in customer", view: app.HomeView, run: runWhoami},
	"chats":       {name: "chats", summary: "list local chats", view: app.HomeView, run: runChats},
	"new":         {name: "new", summary: "start a new chat", view: app.NewChatView, run: runNewChat},
	"chat":        {name: "chat", summary: "talk to the assistant (-id)", view: app.ChatView, run: runChat},
	"invitations": {name: "invitations", summary: "list invitations (-watch)", view: app.BackofficeView, run: runInvitations},
	"invite":      {name: "invite", summary: "invite a customer (-email)", view: app.BackofficeView, run: runInvite},
	"resend":      {name: "resend", summary: "resend a pending invitation", view: app.BackofficeView, run: runResend},
	"issue-link":  {name: "issue-link", summary: "mint a login link for a customer (-email)", view: app.BackofficeView, run: runIssueLink},
	"upload":      {name: "upload", summary: "upload a PDF or Word document", view: app.DocumentsView, run: runUpload},
}

// usageError marks bad arguments to a subcommand.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func RunContext(parent context.Context, argv []string, stdout, stderr io.Writer) int {
	return run(parent, argv, os.Stdin, stdout, stderr)
}

func Run(argv []string, stdout, stderr io.Writer) int {
	return RunContext(context.Background(), argv, stdout, stderr)
}

func run(parent context.Context, argv []string, stdin io.Reader, stdout, stderr io.Writer) int {
	out := &syncWriter{w: stdout}
	fs := flag.NewFlagSet("pingai", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", config.ConfigPath, "config file")
	if err := fs.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			usage(out)
			return exitOK
		}
		_, _ = fmt.Fprintln(stderr, err)
		usage(stderr)
		return exitUsage
	}
	rest := fs.Args()
	if len(rest) == 0 {
		usage(out)
		return exitOK
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", rest[0])
		usage(stderr)
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return exitError
	}
	slog.SetDefault(util.NewLogger(stderr, cfg.LogLevel))

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	s, err := openSession(ctx, cfg, stdin, out)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return exitError
	}
	defer s.close()

	if !s.admit(cmd.view) {
		return exitError
	}
	if err := cmd.run(ctx, s, rest[1:]); err != nil {
		var ue usageError
		switch {
		case errors.Is(err, flag.ErrHelp):
			return exitOK
		case errors.As(err, &ue):
			_, _ = fmt.Fprintf(stderr, "%s: %s\n", cmd.name, ue.msg)
			return exitUsage
		}
		_, _ = fmt.Fprintln(stderr, err)
		return exitError
	}
	return exitOK
}

func usage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	_, _ = fmt.Fprintln(w, "usage: pingai [-config path] <command> [flags]")
	_, _ = fmt.Fprintln(w, "\ncommands:")
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "  %-12s %s\n", name, commands[name].summary)
	}
}

// session is the state one invocation shares across screens.
type session struct {
	cfg     config.FileConfig
	stdin   io.Reader
	out     io.Writer
	storage chatstore.Storage
	idp     *identity.Client
	auth    *identity.Auth
	gate    *app.Gate
	fn      *functions.Client
	alerter app.Alerter

	stopEvents func()
	chats      *chatstore.Store
}

func openSession(ctx context.Context, cfg config.FileConfig, stdin io.Reader, out io.Writer) (*session, error) {
	storage, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	idp := identity.NewClient(cfg.AuthServiceURL)
	auth := identity.NewAuth(idp, storage)
	gate := app.NewGate()

	events, stop := auth.OnAuthStateChange()
	go gate.Run(ctx, events)
	auth.Initialize(ctx)
	select {
	case <-gate.Ready():
	case <-ctx.Done():
		stop()
		return nil, ctx.Err()
	}
	return &session{
		cfg:        cfg,
		stdin:      stdin,
		out:        out,
		storage:    storage,
		idp:        idp,
		auth:       auth,
		gate:       gate,
		fn:         functions.NewClient(cfg.FunctionsURL),
		alerter:    printAlerter{w: out},
		stopEvents: stop,
	}, nil
}

func (s *session) close() {
	s.stopEvents()
}

// admit applies the gate to v and explains a redirect.
func (s *session) admit(v app.View) bool {
	d := s.gate.Decide(v)
	switch {
	case d.Allow:
		return true
	case d.Redirect == app.SignInRoute:
		s.printf("Not signed in. Run: pingai sign-in -email you@example.com\n")
	case d.Redirect == app.HomeRoute:
		sess, _ := s.gate.Session()
		s.printf("Already signed in as %s. Run: pingai sign-out first\n", sess.User.Email)
	default:
		s.printf("Session is still loading, try again\n")
	}
	return false
}

func (s *session) redirectTo() string {
	return identity.DefaultRedirect(s.cfg.WebsiteURL)
}

func (s *session) provider() app.Provider {
	return app.IdentityProvider{Client: s.idp}
}

func (s *session) profile(ctx context.Context) (*app.UserProfile, error) {
	p := app.NewUserProfile(s.provider(), s.auth)
	if err := p.Load(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *session) chatStore(ctx context.Context) *chatstore.Store {
	if s.chats == nil {
		s.chats = chatstore.New(ctx, s.storage, chatstore.WithLogger(slog.Default()))
	}
	return s.chats
}

func (s *session) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(s.out, format, args...)
}

// printAlerter shows alerts as plain lines.
type printAlerter struct {
	w io.Writer
}

func (a printAlerter) Alert(title, message string) {
	_, _ = fmt.Fprintf(a.w, "%s: %s\n", title, message)
}

// syncWriter serializes writes from the reply goroutine and the prompt.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// parseFlags parses args and returns the positional arguments.
func parseFlags(fs *flag.FlagSet, args []string) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, err
		}
		return nil, usageError{msg: err.Error()}
	}
	return fs.Args(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
