package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"assistant-relay/pkg/upstream"
)

var (
	email    string
	password string
	model    string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account and save its token",
	RunE: func(cmd *cobra.Command, args []string) error {
		return signIn(cmd, (*gatewayClient).register)
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and save the session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		return signIn(cmd, (*gatewayClient).login)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the saved session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := tokens().clear(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
		return nil
	},
}

var meCmd = &cobra.Command{
	Use:   "me",
	Short: "Show the signed-in account",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(true)
		if err != nil {
			return err
		}
		acct, err := c.me(commandContext(cmd))
		if err != nil {
			return err
		}
		status := acct.SubscriptionStatus
		if status == "" {
			status = "none"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (id %d), subscription: %s\n", acct.Email, acct.ID, status)
		return nil
	},
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Print a checkout link for the subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(true)
		if err != nil {
			return err
		}
		url, err := c.checkout(commandContext(cmd))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), url)
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with the assistant",
	Long: `With a message argument, sends it and prints the streamed reply.
Without one, starts an interactive conversation: type /reset to start over
and /exit to quit. Ctrl-C while a reply is streaming stops that reply.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(true)
		if err != nil {
			return err
		}
		m := model
		if m == "" {
			m = viper.GetString("model")
		}
		r := &repl{client: c, model: m, out: cmd.OutOrStdout(), turnContext: interruptible}
		ctx := commandContext(cmd)
		if len(args) > 0 {
			return r.turn(ctx, strings.Join(args, " "))
		}
		return r.run(ctx, cmd.InOrStdin())
	},
}

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <audio-file>",
	Short: "Transcribe an audio clip",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(true)
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		text, err := c.transcribe(commandContext(cmd), args[0], f)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), text)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{registerCmd, loginCmd} {
		cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
		cmd.Flags().StringVarP(&password, "password", "p", "", "account password (prompted when empty)")
	}
	chatCmd.Flags().StringVarP(&model, "model", "m", "", "model id passed to the provider")
}

func signIn(cmd *cobra.Command, call func(*gatewayClient, context.Context, string, string) (authResult, error)) error {
	in := bufio.NewReader(cmd.InOrStdin())
	if email == "" {
		email = promptLine(cmd.OutOrStdout(), in, "Email: ")
	}
	if password == "" {
		password = promptLine(cmd.OutOrStdout(), in, "Password: ")
	}

	c, err := newClient(false)
	if err != nil {
		return err
	}
	res, err := call(c, commandContext(cmd), email, password)
	if err != nil {
		return err
	}
	if err := tokens().save(res.Token); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", res.User.Email)
	return nil
}

func promptLine(out io.Writer, in *bufio.Reader, label string) string {
	fmt.Fprint(out, label)
	line, _ := in.ReadString('\n')
	return strings.TrimSpace(line)
}

func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt)
}

// repl holds one conversation. Replies, including partial ones, are kept in
// the history sent with the next turn.
type repl struct {
	client  *gatewayClient
	model   string
	out     io.Writer
	history []upstream.Message
	// turnContext scopes one reply so it can be interrupted on its own.
	turnContext func(context.Context) (context.Context, context.CancelFunc)
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(r.out, "Type /exit to quit, /reset to start a new conversation.")
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for {
		fmt.Fprint(r.out, "You: ")
		if !sc.Scan() {
			fmt.Fprintln(r.out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/exit", "exit":
			return nil
		case "/reset":
			r.history = nil
			fmt.Fprintln(r.out, "Conversation cleared.")
			continue
		}
		if err := r.turn(ctx, line); err != nil {
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
				return fmt.Errorf("%w; run 'chat-cli login'", err)
			}
			fmt.Fprintf(r.out, "Error: %v\n", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (r *repl) turn(ctx context.Context, text string) error {
	r.history = append(r.history, upstream.Message{Role: "user", Content: text})

	turnCtx, stop := ctx, context.CancelFunc(func() {})
	if r.turnContext != nil {
		turnCtx, stop = r.turnContext(ctx)
	}
	defer stop()

	fmt.Fprint(r.out, "Assistant: ")
	reply, err := r.client.chat(turnCtx, r.history, r.model, func(d string) { fmt.Fprint(r.out, d) })
	fmt.Fprintln(r.out)

	if reply != "" {
		r.history = append(r.history, upstream.Message{Role: "assistant", Content: reply})
	} else if err != nil {
		// nothing came back; let the user retry without a dangling turn
		r.history = r.history[:len(r.history)-1]
	}

	switch {
	case err == nil:
		return nil
	case turnCtx.Err() != nil && ctx.Err() == nil:
		fmt.Fprintln(r.out, "(stopped)")
		return nil
	case errors.Is(err, ErrTruncated):
		fmt.Fprintln(r.out, "(reply was cut short)")
		return nil
	}
	return err
}
