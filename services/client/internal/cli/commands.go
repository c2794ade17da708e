package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"pingai/pkg/domain"
	"pingai/pkg/webhook"
	"pingai/services/client/internal/app"
)

func runSignIn(ctx context.Context, s *session, args []string) error {
	fs := newFlagSet("sign-in")
	email := fs.String("email", "", "address to send the link to")
	viaFunction := fs.Bool("function", false, "send through the magic link function")
	rest, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	addr := firstNonEmpty(*email, strings.Join(rest, " "))
	if addr == "" {
		return usageError{msg: "email is required"}
	}
	if *viaFunction {
		err = s.fn.RequestMagicLink(ctx, addr, s.redirectTo())
	} else {
		err = s.auth.SignInWithOTP(ctx, addr, s.redirectTo())
	}
	if err != nil {
		s.alerter.Alert("Error", err.Error())
		return fmt.Errorf("sign in: %w", err)
	}
	s.alerter.Alert("Success", "Check your email for the login link!")
	s.printf("Then run: pingai verify '<link from the email>'\n")
	return nil
}

func runVerify(ctx context.Context, s *session, args []string) error {
	rest, err := parseFlags(newFlagSet("verify"), args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return usageError{msg: "expected the link from the email"}
	}
	params, err := app.ParseVerifyLink(rest[0])
	if err != nil {
		return err
	}
	sess, err := s.auth.VerifyOTP(ctx, params.TokenHash)
	if err != nil {
		return fmt.Errorf("verify link: %w", err)
	}
	s.printf("Signed in as %s\n", firstNonEmpty(sess.User.Email, params.Email))
	return nil
}

func runSignOut(ctx context.Context, s *session, _ []string) error {
	if _, ok := s.gate.Session(); !ok {
		s.printf("Not signed in\n")
		return nil
	}
	if err := s.auth.SignOut(ctx); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	s.printf("Signed out\n")
	return nil
}

func runWhoami(ctx context.Context, s *session, _ []string) error {
	if err := s.auth.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	profile, err := s.profile(ctx)
	if err != nil {
		return err
	}
	u, _ := profile.User()
	s.printf("%s\t%s\t%s\n", u.Email, u.Role, u.Status)
	return nil
}

func runChats(ctx context.Context, s *session, _ []string) error {
	store := s.chatStore(ctx)
	chats := store.Chats()
	if len(chats) == 0 {
		s.printf("No chats yet. Run: pingai new\n")
		return nil
	}
	current, _ := store.CurrentChat()
	for _, c := range chats {
		marker := " "
		if c.ID == current.ID {
			marker = "*"
		}
		s.printf("%s %d\t%s\t%d messages\n", marker, c.ID, c.Title, len(c.Messages))
	}
	return nil
}

func runNewChat(ctx context.Context, s *session, _ []string) error {
	chat := s.chatStore(ctx).CreateChat(ctx)
	s.printf("Created chat %d\n", chat.ID)
	return nil
}

// runChat mounts a chat screen and reads turns from stdin. "/title NAME"
// renames the chat and "/quit" leaves.
func runChat(ctx context.Context, s *session, args []string) error {
	fs := newFlagSet("chat")
	id := fs.Int64("id", 0, "chat id (defaults to the current chat)")
	if _, err := parseFlags(fs, args); err != nil {
		return err
	}
	store := s.chatStore(ctx)
	chatID := *id
	if chatID == 0 {
		if current, ok := store.CurrentChat(); ok {
			chatID = current.ID
		} else {
			chatID = store.CreateChat(ctx).ID
		}
	}

	ctrl := app.NewChatController(store, chatID, webhook.NewChatClient(s.cfg.WebhookBaseURL, nil), s.alerter)
	if err := ctrl.Mount(ctx); err != nil {
		return fmt.Errorf("open chat %d: %w", chatID, err)
	}
	defer ctrl.Unmount()

	// a trailing user turn is answered on mount
	ctrl.Wait()
	shown := printTranscript(s, ctrl, 0)

	scanner := bufio.NewScanner(s.stdin)
	for {
		s.printf("> ")
		if !scanner.Scan() {
			s.printf("\n")
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/title":
			title, _ := ctrl.BeginTitleEdit()
			s.printf("title: %s\n", title)
			continue
		case strings.HasPrefix(line, "/title "):
			if ctrl.ConfirmTitleEdit(ctx, strings.TrimPrefix(line, "/title ")) {
				title, _ := ctrl.BeginTitleEdit()
				s.printf("title: %s\n", title)
			}
			continue
		}
		if err := ctrl.HandleSend(ctx, line); err != nil {
			return err
		}
		// the user turn is already on screen
		shown++
		ctrl.Wait()
		shown = printTranscript(s, ctrl, shown)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// printTranscript prints messages from index from on and returns the new
// count.
func printTranscript(s *session, ctrl *app.ChatController, from int) int {
	chat, ok := ctrl.Chat()
	if !ok {
		return from
	}
	if from == 0 {
		s.printf("# %s\n", chat.Title)
	}
	for _, m := range chat.Messages[min(from, len(chat.Messages)):] {
		speaker := "assistant"
		if m.Role == domain.RoleUserMessage {
			speaker = "you"
		}
		s.printf("%s: %s\n", speaker, m.Content)
	}
	return len(chat.Messages)
}

func (s *session) board(ctx context.Context) (*app.InvitationBoard, error) {
	profile, err := s.profile(ctx)
	if err != nil {
		return nil, err
	}
	board := app.NewInvitationBoard(s.provider(), s.auth, profile, s.alerter, s.redirectTo())
	if err := board.Authorize(); err != nil {
		return nil, err
	}
	return board, nil
}

func runInvitations(ctx context.Context, s *session, args []string) error {
	fs := newFlagSet("invitations")
	watch := fs.Bool("watch", false, "keep listening for changes")
	if _, err := parseFlags(fs, args); err != nil {
		return err
	}
	board, err := s.board(ctx)
	if err != nil {
		return err
	}
	if *watch {
		return board.Watch(ctx, func(items []domain.Invitation) { printInvitations(s, items) })
	}
	if err := board.Refresh(ctx); err != nil {
		return err
	}
	printInvitations(s, board.Invitations())
	return nil
}

func printInvitations(s *session, items []domain.Invitation) {
	if len(items) == 0 {
		s.printf("No invitations\n")
		return
	}
	for _, inv := range items {
		verified := "-"
		if inv.User != nil {
			verified = string(inv.User.Role)
		}
		s.printf("%s\t%s\t%s\t%s\t%s\n", inv.ID, inv.Email, inv.Status, verified, inv.CreatedAt.Format("2006-01-02"))
	}
}

func runInvite(ctx context.Context, s *session, args []string) error {
	fs := newFlagSet("invite")
	email := fs.String("email", "", "address to invite")
	rest, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	board, err := s.board(ctx)
	if err != nil {
		return err
	}
	inv, err := board.Send(ctx, firstNonEmpty(*email, strings.Join(rest, " ")))
	if err != nil {
		return err
	}
	s.printf("%s\t%s\t%s\n", inv.ID, inv.Email, inv.Status)
	return nil
}

func runResend(ctx context.Context, s *session, args []string) error {
	rest, err := parseFlags(newFlagSet("resend"), args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return usageError{msg: "expected an invitation id"}
	}
	board, err := s.board(ctx)
	if err != nil {
		return err
	}
	if err := board.Refresh(ctx); err != nil {
		return err
	}
	for _, inv := range board.Invitations() {
		if inv.ID == rest[0] {
			return board.Resend(ctx, inv)
		}
	}
	return fmt.Errorf("invitation %s not found", rest[0])
}

func runIssueLink(ctx context.Context, s *session, args []string) error {
	fs := newFlagSet("issue-link")
	email := fs.String("email", "", "customer address")
	redirect := fs.String("redirect", "", "redirect target (defaults to the website verify page)")
	rest, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	addr := firstNonEmpty(*email, strings.Join(rest, " "))
	if addr == "" {
		return usageError{msg: "email is required"}
	}
	token, err := s.auth.AccessToken()
	if err != nil {
		return err
	}
	material, err := s.fn.IssueMagicLink(ctx, token, addr, firstNonEmpty(*redirect, s.redirectTo()))
	if err != nil {
		return fmt.Errorf("issue link: %w", err)
	}
	s.printf("magic link:\t%s\nroute:\t%s\n", material.MagicLink, material.RedirectRoute)
	return nil
}

func runUpload(ctx context.Context, s *session, args []string) error {
	rest, err := parseFlags(newFlagSet("upload"), args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return usageError{msg: "expected a file path"}
	}
	profile, err := s.profile(ctx)
	if err != nil {
		return err
	}
	if err := app.NewDocumentUploader(s.fn, s.auth, profile).Upload(ctx, rest[0]); err != nil {
		s.alerter.Alert("Error", "Failed to upload document")
		return err
	}
	s.alerter.Alert("Success", "Document uploaded successfully")
	return nil
}
