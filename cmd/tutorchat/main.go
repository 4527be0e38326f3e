package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tutorchat/internal/app"
	"tutorchat/internal/config"
	"tutorchat/pkg/types"
)

var (
	version = "dev"
	commit  = "unknown"
)

// sessionFlags are the identity the process logs in with.
type sessionFlags struct {
	userID   string
	role     string
	email    string
	name     string
	token    string
	students []string
	room     string
	sound    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tutorchat",
		Short: "Real-time tutoring chat engine",
		Long: `tutorchat keeps one session's rooms, live messages, presence and unread
counts in sync with the chat backend, and serves them to local consumers
over HTTP and a WebSocket feed.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringP("config", "c", "", "config file path (JSON or YAML)")

	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tutorchat %s (commit: %s)\n", version, commit)
		},
	}
}

func newServeCmd() *cobra.Command {
	var f sessionFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Log in and serve the chat engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := f.session(cmd)
			if err != nil {
				return err
			}
			configPath, _ := cmd.Flags().GetString("config")
			if configPath == "" {
				configPath = os.Getenv(config.EnvPrefix + "CONFIG_FILE")
			}
			cfg, err := config.LoadConfigWithPrecedence(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, sess)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.userID, "user-id", "", "backend user id")
	flags.StringVar(&f.role, "role", string(types.RoleStudent), "student, teacher or admin")
	flags.StringVar(&f.email, "email", "", "login email")
	flags.StringVar(&f.name, "name", "", "display name")
	flags.StringVar(&f.token, "token", "", "bearer token (default $TUTORCHAT_TOKEN)")
	flags.StringSliceVar(&f.students, "students", nil, "student room ids a teacher aggregates")
	flags.StringVar(&f.room, "room", "", "a student's room with their teacher (default the user id)")
	flags.BoolVar(&f.sound, "sound", true, "play a cue on incoming messages")
	_ = cmd.MarkFlagRequired("user-id")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

// session builds and validates the login identity. --sound only overrides
// the stored preference when given explicitly.
func (f *sessionFlags) session(cmd *cobra.Command) (types.Session, error) {
	token := f.token
	if token == "" {
		token = os.Getenv(config.EnvPrefix + "TOKEN")
	}
	sess := types.Session{
		ID:              f.userID,
		Role:            types.Role(f.role),
		Email:           f.email,
		Name:            f.name,
		Token:           token,
		StudentIDs:      f.students,
		CounterpartRoom: f.room,
	}
	if cmd.Flags().Changed("sound") {
		enabled := f.sound
		sess.SoundEnabled = &enabled
	}
	if err := sess.Validate(); err != nil {
		return types.Session{}, fmt.Errorf("invalid session: %w", err)
	}
	return sess, nil
}

// serve runs the application until SIGINT or SIGTERM
// FUNCTIONAL DISCOVERY: Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func serve(parent context.Context, cfg *config.Config, sess types.Session) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(cfg, sess, app.Options{})
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-application.Errors():
	}

	// TECHNICAL DISCOVERY: Timeout context prevents hanging shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return runErr
}
