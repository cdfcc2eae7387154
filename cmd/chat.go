package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goconvo/internal/chat"
	"github.com/nextlevelbuilder/goconvo/internal/config"
	"github.com/nextlevelbuilder/goconvo/internal/engine"
	"github.com/nextlevelbuilder/goconvo/internal/providers"
	"github.com/nextlevelbuilder/goconvo/internal/store"
	"github.com/nextlevelbuilder/goconvo/internal/tools"
	"github.com/nextlevelbuilder/goconvo/internal/tracing"
)

func chatCmd() *cobra.Command {
	var (
		projectPath string
		providerTag string
		model       string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat through the in-process conversation engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), cfg, projectPath, chat.ProviderTag(providerTag), model)
		},
	}
	cmd.Flags().StringVar(&projectPath, "project", ".", "project directory the tools operate on")
	cmd.Flags().StringVar(&providerTag, "provider", "anthropic", "provider: anthropic or openai")
	cmd.Flags().StringVar(&model, "model", "", "model override")
	return cmd
}

func runChat(ctx context.Context, cfg *config.Config, projectPath string, tag chat.ProviderTag, model string) error {
	shutdown, err := tracing.Init(ctx, tracing.Options{
		Endpoint: cfg.Tracing.Endpoint,
		Insecure: cfg.Tracing.Insecure,
	})
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	resolver := newResolver(cfg)
	conv, err := bootstrapConversation(ctx, st, projectPath, tag, model)
	if err != nil {
		return err
	}

	sup := engine.NewSupervisor(engine.Config{
		Store:         st,
		Resolver:      resolver,
		Tools:         tools.DefaultRegistry(),
		MaxIterations: cfg.Engine.MaxIterations,
	})

	fmt.Println("goconvo chat — empty line or Ctrl-D exits")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			return nil
		}

		eng, err := sup.GetOrCreate(ctx, conv.ID)
		if err != nil {
			return err
		}
		turnCtx, cancelTurn := context.WithCancel(ctx)
		events := eng.Events(turnCtx)
		eng.SendUserMessage(chat.UserText{Text: line})

		if err := printTurn(events); err != nil {
			cancelTurn()
			return err
		}
		cancelTurn()

		// The supervisor disposes the engine on completion; wait so the
		// next turn subscribes to a fresh engine, not a stale ring.
		for sup.Live(conv.ID) {
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// printTurn renders one turn's events until the loop completes.
func printTurn(events <-chan engine.Event) error {
	for ev := range events {
		switch ev.Kind {
		case engine.EventMessageEmitted:
			printMessage(ev.Message)
		case engine.EventWarning:
			fmt.Fprintf(os.Stderr, "warning: %s\n", ev.Text)
		case engine.EventError:
			fmt.Fprintf(os.Stderr, "error: %s\n", ev.Text)
			return nil
		case engine.EventInterrupted:
			fmt.Println("(interrupted)")
			return nil
		case engine.EventCompleted:
			if ev.Usage != nil {
				fmt.Printf("(done: %d in / %d out tokens)\n", ev.Usage.InputTokens, ev.Usage.OutputTokens)
			}
			return nil
		}
	}
	return nil
}

func printMessage(m *chat.Message) {
	if m == nil || m.Historical {
		return
	}
	for _, item := range m.Content {
		switch v := item.(type) {
		case chat.AssistantText:
			fmt.Println(v.Structured.FullText)
		case chat.ToolCall:
			fmt.Printf("[tool call %s]\n", v.Name)
		case chat.ToolResult:
			status := "ok"
			if v.IsError {
				status = "error"
			}
			fmt.Printf("[tool result %s: %s]\n", v.ToolName, status)
		}
	}
}

// newResolver builds the provider resolver from config.
func newResolver(cfg *config.Config) engine.ProviderResolver {
	return func(tag chat.ProviderTag) (providers.Provider, error) {
		switch tag {
		case chat.ProviderAnthropic:
			if cfg.Providers.Anthropic.APIKey == "" {
				return nil, fmt.Errorf("GOCONVO_ANTHROPIC_API_KEY is not set")
			}
			return providers.NewAnthropic(providers.AnthropicConfig{
				APIKey:            cfg.Providers.Anthropic.APIKey,
				BaseURL:           cfg.Providers.Anthropic.BaseURL,
				DefaultModel:      cfg.Providers.Anthropic.Model,
				MaxTokens:         cfg.Providers.Anthropic.MaxTokens,
				RequestsPerMinute: cfg.Providers.Anthropic.RequestsPerMinute,
			}), nil
		case chat.ProviderOpenAI:
			if cfg.Providers.OpenAI.APIKey == "" {
				return nil, fmt.Errorf("GOCONVO_OPENAI_API_KEY is not set")
			}
			return providers.NewOpenAI(providers.OpenAIConfig{
				APIKey:            cfg.Providers.OpenAI.APIKey,
				BaseURL:           cfg.Providers.OpenAI.BaseURL,
				DefaultModel:      cfg.Providers.OpenAI.Model,
				MaxTokens:         cfg.Providers.OpenAI.MaxTokens,
				RequestsPerMinute: cfg.Providers.OpenAI.RequestsPerMinute,
			}), nil
		default:
			return nil, fmt.Errorf("no in-process provider for tag %q", tag)
		}
	}
}

// bootstrapConversation creates the project, agent definition, thread, and
// conversation for a fresh interactive run.
func bootstrapConversation(ctx context.Context, st store.ConversationStore, projectPath string, tag chat.ProviderTag, model string) (*chat.Conversation, error) {
	abs, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	if projectPath != "" && projectPath != "." {
		abs = projectPath
	}
	now := time.Now().UTC()

	project := &chat.Project{ID: chat.NewID(), Path: abs, Name: abs, CreatedAt: now}
	if err := st.SaveProject(ctx, project); err != nil {
		return nil, err
	}
	def := &chat.AgentDefinition{
		ID:            chat.NewID(),
		Name:          "assistant",
		SystemPrompts: []string{"You are a coding assistant operating on the user's project directory."},
		Provider:      tag,
		ModelOverride: model,
	}
	if err := st.SaveAgentDefinition(ctx, def); err != nil {
		return nil, err
	}

	thread := &chat.Thread{ID: chat.NewID(), CreatedAt: now, UpdatedAt: now}
	conv := &chat.Conversation{
		ID:                chat.NewID(),
		ProjectID:         project.ID,
		AgentDefinitionID: def.ID,
		Initiator:         chat.Initiator{Kind: chat.InitiatorUser},
		CurrentThreadID:   thread.ID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	thread.ConversationID = conv.ID
	if err := st.SaveThread(ctx, thread); err != nil {
		return nil, err
	}
	if err := st.SaveConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}
