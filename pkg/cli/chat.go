package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vervet/pkg/model"
	"github.com/urfave/cli/v3"
)

func chatCommand() *cli.Command {
	var (
		cfg      config
		identity string
		domain   string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "identity",
			Aliases:     []string{"i"},
			Usage:       "Identity to converse as",
			Sources:     cli.EnvVars("VERVET_IDENTITY"),
			Destination: &identity,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "domain",
			Usage:       "Domain profile for this session",
			Sources:     cli.EnvVars("VERVET_DOMAIN"),
			Destination: &domain,
		},
		&cli.StringFlag{
			Name:        "webhook-base",
			Usage:       "Base URL for intent webhook delivery",
			Sources:     cli.EnvVars("VERVET_WEBHOOK_BASE"),
			Destination: &cfg.webhookBase,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Interactive conversation session from the terminal",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg.setupLogger()

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}

			gemini, err := cfg.newGemini(ctx)
			if err != nil {
				return err
			}

			profiles, err := cfg.loadProfiles()
			if err != nil {
				return err
			}

			if domain == "" {
				domain = cfg.defaultDomain
			}
			profile, ok := profiles[domain]
			if !ok {
				return goerr.New("unknown domain", goerr.V("domain", domain))
			}

			conversations := cfg.newConversations(repo, gemini, nil)
			intents := cfg.newIntents(gemini, nil)

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "> ",
				HistoryFile:     filepath.Join(os.TempDir(), ".vervet_history"),
				HistoryLimit:    100,
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
			})
			if err != nil {
				return goerr.Wrap(err, "failed to initialize terminal")
			}
			defer rl.Close()

			out := c.Root().Writer
			fmt.Fprintf(out, "Chat session started as %q (domain: %s). Type 'exit' to quit.\n\n", identity, profile.Key)
			fmt.Fprintf(out, "agent: %s\n\n", profile.Greeting)

			for {
				line, err := rl.Readline()
				if err != nil {
					if err == readline.ErrInterrupt || err == io.EOF {
						break
					}
					return goerr.Wrap(err, "failed to read input")
				}

				message := strings.TrimSpace(line)
				if message == "" {
					continue
				}
				if message == "exit" || message == "quit" {
					break
				}

				wait := spinner.New(spinner.CharSets[14], 100*time.Millisecond,
					spinner.WithWriter(os.Stderr))
				wait.Start()

				reply, err := conversations.HandleTurn(ctx, profile, model.Identity(identity), message, model.ChannelChat)
				wait.Stop()
				if err != nil {
					fmt.Fprintf(out, "error: %v\n\n", err)
					continue
				}

				fmt.Fprintf(out, "agent: %s\n", reply)

				matches := intents.ProcessTurn(ctx, profile, model.Identity(identity), message, model.ChannelChat)
				for _, m := range matches {
					fmt.Fprintf(out, "  [intent: %s (%.2f)]\n", m.Intent, m.Confidence)
				}
				fmt.Fprintln(out)
			}

			fmt.Fprintf(out, "\nChat session completed\n")
			return nil
		},
	}
}
