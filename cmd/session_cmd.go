package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goconvo/internal/chat"
	"github.com/nextlevelbuilder/goconvo/internal/config"
	"github.com/nextlevelbuilder/goconvo/internal/session"
	"github.com/nextlevelbuilder/goconvo/internal/transport"
)

func sessionCmd() *cobra.Command {
	var (
		projectPath string
		model       string
		resume      string
	)
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Interactive chat through a stream-json subprocess session",
		Long:  "Spawns the configured subprocess in the project directory and drives it over the stream-json protocol. /interrupt aborts the current response, /force flushes one queued message, /stop exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			return runSession(cmd.Context(), cfg, projectPath, model, resume)
		},
	}
	cmd.Flags().StringVar(&projectPath, "project", ".", "child working directory")
	cmd.Flags().StringVar(&model, "model", "", "model override")
	cmd.Flags().StringVar(&resume, "resume", "", "resume an existing session id")
	return cmd
}

func runSession(ctx context.Context, cfg *config.Config, projectPath, model, resume string) error {
	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	s := session.New(transport.New(), session.Options{
		ConversationID: chat.NewID(),
		Start: transport.StartOptions{
			Binary:          cfg.Subprocess.Binary,
			ProjectPath:     projectPath,
			Model:           model,
			ResumeSessionID: resume,
			ExtraArgs:       cfg.Subprocess.ExtraArgs,
		},
		ResponseFormat: cfg.Subprocess.ResponseFormat,
		Store:          st,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := s.Events(runCtx)
	if err := s.Start(runCtx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			renderSessionEvent(ev)
			if ev.Kind == session.EventStopped {
				return
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("goconvo session — /interrupt, /force, /stop")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/interrupt":
			s.Interrupt()
		case "/force":
			s.ForceSend()
		case "/stop":
			s.Stop()
			<-done
			return nil
		default:
			s.SendMessage(line)
		}
	}
	s.Stop()
	<-done
	return scanner.Err()
}

func renderSessionEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventMessage:
		printMessage(ev.Message)
	case session.EventSessionIDChanged:
		fmt.Fprintf(os.Stderr, "session id: %s\n", ev.SessionID)
	case session.EventHistoricalLoaded:
		fmt.Fprintf(os.Stderr, "replayed %d historical messages\n", ev.Count)
	case session.EventInterruptAcknowledged:
		fmt.Println("(interrupt acknowledged)")
	case session.EventResponseCompleted:
		fmt.Println("(ready)")
	case session.EventWarning:
		fmt.Fprintf(os.Stderr, "warning: %s\n", ev.Text)
	case session.EventError:
		fmt.Fprintf(os.Stderr, "error: %s\n", ev.Text)
	}
}
