package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/perch-dev/perch/internal/config"
	"github.com/perch-dev/perch/internal/history"
	"github.com/perch-dev/perch/internal/logger"
	"github.com/perch-dev/perch/internal/permission"
	"github.com/perch-dev/perch/internal/rpc"
	"github.com/perch-dev/perch/internal/session"
)

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, _ := cmd.Flags().GetString("session")
			cwd, _ := cmd.Flags().GetString("cwd")
			return runChat(cmd, sessionID, cwd)
		},
	}
	cmd.Flags().String("session", "", "Resume an existing session")
	cmd.Flags().String("cwd", "", "Working directory for a new session")
	return cmd
}

func runChat(cmd *cobra.Command, sessionID, cwd string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return err
	}

	ctx := cmd.Context()
	conn, sess, perm, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Pick up token/URL edits while the chat is running; a URL change
	// takes effect on the next run, but logging follows immediately.
	if path, err := config.DefaultPath(); err == nil {
		if stop, err := config.Watch(path, func(next *config.Config) {
			initLogging(next)
		}); err == nil {
			defer stop()
		}
	}

	historyPath := cfg.History.Path
	if historyPath == "" {
		historyPath, err = config.DefaultHistoryPath()
		if err != nil {
			return err
		}
	}
	store, err := history.Open(historyPath)
	if err != nil {
		return err
	}
	defer store.Close()

	perm.SetHandler(terminalPermission)

	if cwd == "" {
		cwd, err = os.Getwd()
		if err != nil {
			return err
		}
	}
	if sessionID == "" {
		sessionID, err = sess.Create(ctx, cwd, nil)
		if err != nil {
			return err
		}
		fmt.Printf("session %s\n", sessionID)
	}

	snap, err := sess.Subscribe(ctx, sessionID, true)
	if err != nil {
		return err
	}
	if snap.Title != "" {
		fmt.Printf("[%s]\n", snap.Title)
	}
	store.TouchSession(sessionID, snap.Cwd, snap.Title)

	stateSub := conn.Router().OnSessionState(sessionID, func(u rpc.SessionStateUpdate) {
		snap.ApplyState(u)
		store.TouchSession(sessionID, snap.Cwd, snap.Title)
	})
	defer stateSub.Cancel()

	in := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !in.Scan() {
			break
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}

		messageID := uuid.NewString()
		snap.AddOptimistic(messageID, session.Text(line))
		store.AppendItem(sessionID, messageID, "user", line)

		var agent strings.Builder
		res, err := sess.Prompt(ctx, sessionID, session.Text(line), session.PromptOptions{
			MessageID: messageID,
			OnUpdate: func(u rpc.SessionUpdate) {
				snap.Apply(u)
				if text, ok := agentChunk(u); ok {
					fmt.Print(text)
					agent.WriteString(text)
				}
			},
		})
		fmt.Println()
		if agent.Len() > 0 {
			store.AppendItem(sessionID, "", "agent", agent.String())
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "prompt failed:", err)
			if conn.State() != rpc.StateConnected {
				return err
			}
			continue
		}
		if res.StopReason != "" && res.StopReason != "end_turn" {
			fmt.Printf("[%s]\n", res.StopReason)
		}
	}
	return nil
}

// agentChunk extracts printable text from an agent_message_chunk.
func agentChunk(u rpc.SessionUpdate) (string, bool) {
	var body struct {
		SessionUpdate string `json:"sessionUpdate"`
		Content       struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(u.Update, &body); err != nil {
		return "", false
	}
	if body.SessionUpdate != "agent_message_chunk" {
		return "", false
	}
	return body.Content.Text, true
}

// terminalPermission answers a tool-call approval on stdin. If another
// client answers first the context is cancelled and the local answer
// is discarded.
func terminalPermission(ctx context.Context, req rpc.PermissionRequest) permission.Outcome {
	fmt.Printf("\npermission: %s\n", req.ToolCall.Title)
	for i, opt := range req.Options {
		fmt.Printf("  %d) %s\n", i+1, opt.Name)
	}
	fmt.Print("choice (enter to cancel): ")

	answers := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		answers <- strings.TrimSpace(line)
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n(answered by another client)")
		return permission.Cancelled()
	case line := <-answers:
		n, err := strconv.Atoi(line)
		if err != nil || n < 1 || n > len(req.Options) {
			return permission.Cancelled()
		}
		logger.Debug("permission answered", "option", req.Options[n-1].OptionID)
		return permission.Selected(req.Options[n-1].OptionID)
	}
}
