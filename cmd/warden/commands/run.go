package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/internal/mcp"
	"github.com/wardenhq/warden/internal/permission"
	"github.com/wardenhq/warden/internal/session"
	"github.com/wardenhq/warden/internal/storage"
)

var (
	runDir   string
	runTitle string
	runAgent []string
)

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Start a supervised agent session",
	Long: `Start a supervised agent session. Events are streamed to stdout as
JSON lines; further input is read from stdin.

Stdin lines starting with "/" are commands, everything else is sent to the
agent as a user message:

  /approve <id>         approve a pending permission request once
  /always <id>          approve and remember the inferred pattern
  /deny <id>            reject a pending permission request
  /abort                abort the in-flight turn
  /restart              restart the agent process, replaying the transcript
  /quit                 terminate the session and exit

Examples:
  warden run "Fix the bug in main.go"
  warden run --directory ./project --agent claude --agent --output-format --agent stream-json`,
	RunE: runSession,
}

func init() {
	runCmd.Flags().StringVarP(&runDir, "directory", "d", "", "Working directory")
	runCmd.Flags().StringVar(&runTitle, "title", "", "Session title")
	runCmd.Flags().StringArrayVar(&runAgent, "agent", nil, "Agent command (repeat for arguments)")
}

func runSession(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(runDir)
	if err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if len(runAgent) > 0 {
		appConfig.AgentCommand = runAgent
	}
	if logLevel != "" {
		appConfig.LogLevel = logLevel
	}
	if len(appConfig.AgentCommand) == 0 {
		return fmt.Errorf("no agent command configured. Use --agent or set agentCommand in warden.json")
	}

	logging.Init(logging.Config{Level: logging.ParseLevel(appConfig.LogLevel)})

	permStore, err := permission.NewStore(appConfig.PermissionsFile)
	if err != nil {
		return fmt.Errorf("failed to load permissions: %w", err)
	}
	defer permStore.Close()
	if err := permStore.Watch(); err != nil {
		logging.Warn().Err(err).Msg("permission file watching unavailable")
	}

	checker := permission.NewChecker(permStore)
	store := storage.New(config.StorageDir(workDir))
	servers := mcp.NewManager(appConfig.MCPServers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := session.NewManager(ctx, session.Options{
		Checker:      checker,
		Store:        store,
		Servers:      servers,
		AgentCommand: appConfig.AgentCommand,
		AbortTimeout: appConfig.AbortTimeout(),
	})
	defer manager.Close()

	// Stream every event to stdout as one JSON object per line.
	unsubscribe := event.SubscribeAll(newEventWriter(os.Stdout))
	defer unsubscribe()

	sess := manager.Spawn(workDir, runTitle)

	if message := strings.Join(args, " "); message != "" {
		if err := sess.SendMessage(ctx, message, nil); err != nil {
			return err
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleLine(ctx, sess, checker, line); err != nil {
				if err == errQuit {
					return nil
				}
				fmt.Fprintln(os.Stderr, err)
			}
		}
	}
}

var errQuit = fmt.Errorf("quit")

// newEventWriter returns a subscriber that writes each event as one JSON
// line. Subscribers run on their own goroutines, so the writes are
// serialized to keep the stream line-framed.
func newEventWriter(w io.Writer) func(event.Event) {
	encoder := json.NewEncoder(w)
	var mu sync.Mutex
	return func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		if err := encoder.Encode(e); err != nil {
			logging.Error().Err(err).Msg("failed to write event")
		}
	}
}

func handleLine(ctx context.Context, sess *session.Session, checker *permission.Checker, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return sess.SendMessage(ctx, line, nil)
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/approve", "/always", "/deny":
		if len(fields) < 2 {
			return fmt.Errorf("usage: %s <request-id>", fields[0])
		}
		action := map[string]string{
			"/approve": "once",
			"/always":  "always",
			"/deny":    "reject",
		}[fields[0]]
		checker.Respond(fields[1], action)
		return nil
	case "/abort":
		return sess.Abort()
	case "/restart":
		return sess.Restart(ctx)
	case "/quit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}
