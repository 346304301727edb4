package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rojolang/converse-sdk-go/pkg/converse"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	verbose  bool
	agentID  string
	apiKey   string
	endpoint string
	textOnly bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "converse",
		Short: "Converse SDK Go CLI",
		Long:  "A command-line interface for the Converse SDK Go library",
	}

	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&agentID, "agent", "", "Agent ID to converse with")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for authentication")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "WebSocket endpoint URL")

	// Add subcommands
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		converse.GetGlobalLogger().WithError(err).Fatal("CLI execution failed")
	}
}

func buildConfig() *converse.Config {
	config := converse.NewConfig()
	if agentID != "" {
		config.AgentID = agentID
	}
	if apiKey != "" {
		config.APIKey = apiKey
	}
	if endpoint != "" {
		config.WsEndpoint = endpoint
	}
	if verbose {
		config.DebugLevel = "DEBUG"
		logConfig := converse.DefaultLogConfig()
		logConfig.Level = converse.DebugLevel
		converse.SetGlobalLogger(converse.NewLogger(logConfig))
	}
	return config
}

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long:  "Connect to an agent and exchange messages from the terminal. Agent audio plays through the default output device unless --text-only is set.",
		Run: func(cmd *cobra.Command, args []string) {
			config := buildConfig()

			if issues := config.Validate(); len(issues) > 0 {
				fmt.Println("Configuration problems:")
				for _, issue := range issues {
					fmt.Printf("  ✗ %s\n", issue)
				}
				os.Exit(1)
			}

			session := converse.NewAgentSession(config)
			defer session.Release()

			if !textOnly {
				session.SetAudioSink(converse.NewPortAudioSink(converse.NewAudioConfig()))
			}

			session.OnError(converse.CreateErrorLoggingHandler("Chat"))
			session.OnStateChange(func(state converse.ConnectionState) {
				if verbose {
					fmt.Printf("-- %s\n", state)
				}
			})
			session.OnEvent(converse.CreateQualityAlertHandler(converse.QualityPoor, func(q converse.ConnectionQuality) {
				fmt.Printf("-- connection quality degraded to %s\n", q)
			}))
			session.OnTranscript(func(t converse.Transcript) {
				if t.IsFinal {
					fmt.Printf("[you]   %s\n", t.Text)
				}
			})
			session.OnAgentResponse(func(text string) {
				fmt.Printf("[agent] %s\n", text)
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Printf("Connecting to agent %s...\n", config.AgentID)
			if err := session.StartConversation(ctx); err != nil {
				converse.GetGlobalLogger().WithError(err).Fatal("Failed to start conversation")
			}
			fmt.Println("Connected. Type a message and press enter; /quit to leave.")

			go func() {
				<-ctx.Done()
				fmt.Println("\nLeaving conversation...")
				session.Release()
				os.Exit(0)
			}()

			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/quit" {
					break
				}
				if err := session.SendMessage(line); err != nil {
					fmt.Printf("send failed: %v\n", err)
				}
			}

			session.StopConversation()
			fmt.Println("Conversation ended.")
		},
	}

	cmd.Flags().BoolVar(&textOnly, "text-only", false, "Disable audio playback")
	return cmd
}

func setupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Setup and configuration commands",
		Long:  "Commands for checking and inspecting the Converse SDK configuration",
	}

	cmd.AddCommand(setupCheckCmd())
	cmd.AddCommand(setupConfigCmd())

	return cmd
}

func setupCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the environment",
		Long:  "Validate credentials, endpoints and audio output",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Checking configuration...")

			config := buildConfig()
			issues := config.Validate()
			if len(issues) == 0 {
				fmt.Println("  ✓ Configuration valid")
			} else {
				for _, issue := range issues {
					fmt.Printf("  ✗ %s\n", issue)
				}
			}

			fmt.Printf("  API key: %s\n", maskString(config.APIKey))
			fmt.Printf("  Dev API key: %s\n", maskString(os.Getenv("CONVERSE_DEV_API_KEY")))

			fmt.Println("Checking audio output...")
			sink := converse.NewPortAudioSink(converse.NewAudioConfig())
			if err := sink.Start(); err != nil {
				fmt.Printf("  ✗ Audio playback unavailable: %v\n", err)
				fmt.Println("    (chat --text-only still works)")
			} else {
				fmt.Println("  ✓ Audio playback available")
				sink.Stop()
			}
			sink.Release()

			if len(issues) > 0 {
				os.Exit(1)
			}
			fmt.Println("Setup check completed!")
		},
	}

	return cmd
}

func setupConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		Long:  "Display current configuration settings",
		Run: func(cmd *cobra.Command, args []string) {
			buildConfig().PrintConfig()
		},
	}

	return cmd
}

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Audio device management",
		Long:  "Commands for listing audio devices",
	}

	cmd.AddCommand(devicesListCmd())

	return cmd
}

func devicesListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List available audio devices",
		Long:  "List all available audio input and output devices",
		Run: func(cmd *cobra.Command, args []string) {
			devices, err := converse.ListAudioDevices()
			if err != nil {
				converse.GetGlobalLogger().WithError(err).Error("Failed to list audio devices")
				fmt.Printf("Error listing devices: %v\n", err)
				return
			}

			fmt.Println("Available Audio Devices:")
			for _, device := range devices {
				marker := ""
				if device.IsDefault {
					marker = " (Default)"
				}

				capabilities := ""
				if device.IsInput && device.IsOutput {
					capabilities = "Input/Output"
				} else if device.IsInput {
					capabilities = "Input"
				} else if device.IsOutput {
					capabilities = "Output"
				}

				fmt.Printf("  %d: %s%s - %s (%.0f Hz, %s)\n",
					device.ID, device.Name, marker, capabilities, device.DefaultSampleRate, device.HostAPI)
			}
		},
	}

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("converse %s\n", version)
		},
	}
}

// Helper function to mask sensitive strings
func maskString(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}