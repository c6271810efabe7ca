package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/g960059/termrelay/internal/config"
	"github.com/g960059/termrelay/internal/delivery"
	"github.com/g960059/termrelay/internal/doctor"
	"github.com/g960059/termrelay/internal/logging"
	"github.com/g960059/termrelay/internal/proxy"
	"github.com/g960059/termrelay/internal/registry"
)

const maxSendStdinBytes int64 = 1 << 20

// exitError carries a specific process exit code out of a cobra RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

type Runner struct {
	out    io.Writer
	errOut io.Writer
	stdin  *os.File
	now    func() time.Time

	configPath string
	// load is replaced in tests to avoid touching the home directory.
	load func(path string) (config.Config, error)
}

func NewRunner(out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{
		out:    out,
		errOut: errOut,
		stdin:  os.Stdin,
		now:    time.Now,
		load:   config.Load,
	}
}

// WithConfig makes the runner use cfg instead of loading one.
func (r *Runner) WithConfig(cfg config.Config) *Runner {
	r.load = func(string) (config.Config, error) { return cfg, nil }
	return r
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	root := r.rootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", ee.err)
		}
		return ee.code
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	if strings.HasPrefix(err.Error(), "unknown command") {
		r.printUsage()
		return 2
	}
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: termrelay [--config <path>] <run|list|show|send|status|doctor> ...")
}

func (r *Runner) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "termrelay",
		Short:         "Relay an interactive assistant session to a remote channel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	root.PersistentFlags().StringVar(&r.configPath, "config", "", "config file (YAML)")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &exitError{code: 2, err: err}
	})
	root.AddCommand(
		r.runCmd(),
		r.listCmd(),
		r.showCmd(),
		r.sendCmd(),
		r.statusCmd(),
		r.doctorCmd(),
	)
	return root
}

func (r *Runner) config() (config.Config, error) {
	path := r.configPath
	if path == "" {
		path = os.Getenv("TERMRELAY_CONFIG")
	}
	return r.load(path)
}

func (r *Runner) client(cfg config.Config) *registry.Client {
	return registry.NewClient(cfg, logging.New(r.errOut, "termrelay"))
}

type runFlags struct {
	sessionID      string
	conversationID string
	project        string
	terminal       string
	tunnelID       string
	transport      string
}

func (r *Runner) runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [flags] [-- args for the assistant]",
		Short: "Start the assistant under a relaying pseudo-terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.runSession(cmd.Context(), f, args)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&f.sessionID, "session-id", "", "session id (generated when empty)")
	cmd.Flags().StringVar(&f.conversationID, "conversation-id", "", "conversation the session continues")
	cmd.Flags().StringVar(&f.project, "project", "", "project name (defaults to the working directory)")
	cmd.Flags().StringVar(&f.terminal, "terminal", "", "terminal label (defaults to $TERM_PROGRAM)")
	cmd.Flags().StringVar(&f.tunnelID, "vibe-tunnel-id", "", "remote tunnel session id")
	cmd.Flags().StringVar(&f.transport, "transport", "auto", "auto|pty|inner|direct")
	return cmd
}

func (r *Runner) runSession(ctx context.Context, f runFlags, args []string) error {
	cfg, err := r.config()
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	sessionID := strings.TrimSpace(f.sessionID)
	if sessionID == "" {
		sessionID = newSessionID()
	}
	project := f.project
	if project == "" {
		project = detectProject()
	}
	terminal := f.terminal
	if terminal == "" {
		terminal = detectTerminal()
	}

	logger, closer, err := logging.OpenFile(cfg.SessionLogPath(sessionID), "termrelay")
	if err != nil {
		return sessionErr(sessionID, err)
	}
	defer closer.Close() //nolint:errcheck

	binary := cfg.ResolveBinary()
	if _, err := exec.LookPath(binary); err != nil {
		return sessionErr(sessionID, fmt.Errorf("%s not found: %w", cfg.BinaryName, err))
	}

	transport, err := proxy.NewTransport(chooseTransport(f.transport, f.tunnelID), r.stdin)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	sink := delivery.NewSender(sessionID, delivery.SenderOptions{
		SocketPath: cfg.OutputSocketPath(),
		Timeout:    cfg.DeliveryTimeout,
		QueueSize:  cfg.DeliveryQueue,
		Redact:     cfg.RedactOutput,
		Logger:     logger,
	})
	p, err := proxy.New(cfg, proxy.Options{
		SessionID:      sessionID,
		ConversationID: f.conversationID,
		Project:        project,
		Terminal:       terminal,
		TunnelID:       f.tunnelID,
		Command:        binary,
		Args:           args,
		Transport:      transport,
		Registry:       registry.NewClient(cfg, logger),
		Sink:           sink,
		Logger:         logger,
		Stdin:          r.stdin,
		Stdout:         r.out,
		Banner:         r.errOut,
	})
	if err != nil {
		return sessionErr(sessionID, err)
	}
	code, err := p.Run(ctx)
	if err != nil {
		return sessionErr(sessionID, err)
	}
	_, _ = fmt.Fprintf(r.errOut, "\n[Session %s] ended\n", sessionID)
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func sessionErr(sessionID string, err error) error {
	return &exitError{code: 1, err: fmt.Errorf("[Session %s] %w", sessionID, err)}
}

func chooseTransport(name, tunnelID string) string {
	if name != "auto" {
		return name
	}
	if tunnelID != "" {
		return proxy.TransportInner
	}
	return proxy.TransportPTY
}

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func detectProject() string {
	wd, err := os.Getwd()
	if err != nil {
		return "unknown"
	}
	return filepath.Base(wd)
}

func detectTerminal() string {
	if v := strings.TrimSpace(os.Getenv("TERM_PROGRAM")); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv("TERM")); v != "" {
		return v
	}
	return "unknown"
}

func (r *Runner) listCmd() *cobra.Command {
	var jsonOut bool
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := r.config()
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			sessions, err := r.client(cfg).List(cmd.Context())
			if err != nil {
				return err
			}
			sessions = filterStatus(sessions, statuses)
			if jsonOut {
				return r.writeJSON(sessions)
			}
			now := r.now()
			for _, s := range sessions {
				_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\t%s\n",
					s.SessionID, s.Status, s.Activity, s.Project, humanize.RelTime(s.LastActivity, now, "ago", "from now"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only sessions in these states")
	return cmd
}

func filterStatus(sessions []registry.SessionInfo, statuses []string) []registry.SessionInfo {
	if len(statuses) == 0 {
		return sessions
	}
	want := map[string]bool{}
	for _, s := range statuses {
		want[strings.ToLower(strings.TrimSpace(s))] = true
	}
	out := sessions[:0]
	for _, s := range sessions {
		if want[s.Status] {
			out = append(out, s)
		}
	}
	return out
}

func (r *Runner) showCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := r.config()
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			s, err := r.client(cfg).Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return r.writeJSON(s)
			}
			now := r.now()
			rows := [][2]string{
				{"session", s.SessionID},
				{"conversation", s.ConversationID},
				{"status", s.Status},
				{"activity", s.Activity},
				{"project", s.Project},
				{"terminal", s.Terminal},
				{"socket", s.SocketPath},
				{"thread", s.ThreadTS},
				{"channel", s.Channel},
				{"created", humanize.RelTime(s.CreatedAt, now, "ago", "from now")},
				{"last activity", humanize.RelTime(s.LastActivity, now, "ago", "from now")},
			}
			if s.LastHeartbeat != nil {
				rows = append(rows, [2]string{"last heartbeat", humanize.RelTime(*s.LastHeartbeat, now, "ago", "from now")})
			}
			if s.EndedAt != nil {
				rows = append(rows, [2]string{"ended", humanize.RelTime(*s.EndedAt, now, "ago", "from now")})
			}
			if s.VibeTunnelID != "" {
				rows = append(rows, [2]string{"tunnel", s.VibeTunnelID})
			}
			for _, row := range rows {
				_, _ = fmt.Fprintf(r.out, "%s:\t%s\n", row[0], row[1])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) sendCmd() *cobra.Command {
	var fromStdin bool
	cmd := &cobra.Command{
		Use:   "send <session-id> [text...]",
		Short: "Type text into a running session and press enter",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := r.config()
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			text := strings.Join(args[1:], " ")
			if fromStdin {
				raw, err := io.ReadAll(io.LimitReader(r.stdin, maxSendStdinBytes))
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = string(raw)
			}
			if strings.TrimSpace(text) == "" {
				return &exitError{code: 2, err: errors.New("nothing to send")}
			}
			if len(text) > cfg.InjectChunk {
				return &exitError{code: 2, err: fmt.Errorf("text exceeds %d bytes", cfg.InjectChunk)}
			}
			socketPath := cfg.SessionSocketPath(args[0])
			if s, err := r.client(cfg).Get(cmd.Context(), args[0]); err == nil && s.SocketPath != "" {
				socketPath = s.SocketPath
			}
			if err := sendText(cmd.Context(), socketPath, text, cfg.ShortCommandTimeout); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(r.out, "sent %s to %s\n", humanize.Bytes(uint64(len(text))), args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "read text from stdin")
	return cmd
}

func sendText(ctx context.Context, socketPath, text string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("session not reachable: %w", err)
	}
	defer conn.Close() //nolint:errcheck
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := io.WriteString(conn, text); err != nil {
		return fmt.Errorf("write session socket: %w", err)
	}
	return nil
}

func (r *Runner) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show registry and output sink availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := r.config()
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			client := registry.NewClient(cfg, logging.Discard())
			_, _ = fmt.Fprintf(r.out, "registry:\t%s\t%s\n", cfg.RegistrySocketPath(), availability(client.Available()))
			_, _ = fmt.Fprintf(r.out, "output sink:\t%s\t%s\n", cfg.OutputSocketPath(), availability(isSocket(cfg.OutputSocketPath())))
			if !client.Available() {
				return nil
			}
			sessions, err := client.List(cmd.Context())
			if err != nil {
				return err
			}
			counts := map[string]int{}
			for _, s := range sessions {
				counts[s.Status]++
			}
			keys := make([]string, 0, len(counts))
			for k := range counts {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			_, _ = fmt.Fprintf(r.out, "sessions:\t%d\n", len(sessions))
			for _, k := range keys {
				_, _ = fmt.Fprintf(r.out, "  %s:\t%d\n", k, counts[k])
			}
			return nil
		},
	}
}

func (r *Runner) doctorCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the binary, directories, registry and output sink",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := r.config()
			if err != nil {
				return &exitError{code: 2, err: err}
			}
			res := doctor.Run(cmd.Context(), cfg)
			if jsonOut {
				if err := r.writeJSON(res); err != nil {
					return err
				}
			} else {
				for _, c := range res.Checks {
					_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", c.Name, c.Status, c.Message, c.Path)
				}
			}
			if !res.OK {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func availability(ok bool) string {
	if ok {
		return "available"
	}
	return "not running"
}

func isSocket(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode()&os.ModeSocket != 0
}

func (r *Runner) writeJSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
