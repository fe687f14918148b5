package main

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "webguard",
	Short: "WebGuard CLI",
	Long:  "A CLI for inspecting and steering the WebGuard policy service.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(protectionCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(modeCmd())
	rootCmd.AddCommand(whitelistCmd())
	rootCmd.AddCommand(tempAllowCmd())
	rootCmd.AddCommand(mfaCmd())
	rootCmd.AddCommand(sensorsCmd())
	rootCmd.AddCommand(downloadsCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(riskCmd())
	rootCmd.AddCommand(selfDestructCmd())
	rootCmd.AddCommand(loginCmd())
}

// --- status ---

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current policy settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/settings")
			if err != nil {
				printError(err.Error())
				return nil
			}
			if s, ok := result["settings"].(map[string]any); ok {
				printResult(s)
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

// --- decide ---

func decideCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decide <kind> <origin>",
		Short: "Evaluate a capability request (e.g. camera-mic, geolocation)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.post("/v1/decide", map[string]any{
				"kind":   args[0],
				"origin": args[1],
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

// --- protection ---

func protectionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "protection", Short: "Toggle protection"}

	for _, sub := range []struct {
		use     string
		enabled bool
	}{{"on", true}, {"off", false}} {
		sub := sub
		cmd.AddCommand(&cobra.Command{
			Use:   sub.use,
			Short: "Turn protection " + sub.use,
			RunE: func(cmd *cobra.Command, args []string) error {
				client := newClient()
				result, err := client.patch("/v1/settings", map[string]any{
					"protection_enabled": sub.enabled,
				})
				if err != nil {
					printError(err.Error())
					return nil
				}
				if s, ok := result["settings"].(map[string]any); ok {
					printResult(s)
					return nil
				}
				printResult(result)
				return nil
			},
		})
	}

	clipboard := &cobra.Command{
		Use:   "clipboard <on|off>",
		Short: "Toggle clipboard protection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "on" && args[0] != "off" {
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			client := newClient()
			result, err := client.patch("/v1/settings", map[string]any{
				"clipboard_protection_enabled": args[0] == "on",
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			if s, ok := result["settings"].(map[string]any); ok {
				printResult(s)
				return nil
			}
			printResult(result)
			return nil
		},
	}
	cmd.AddCommand(clipboard)
	return cmd
}

// --- role / mode ---

func roleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "role <guest|user|admin>",
		Short: "Switch the active role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.put("/v1/role", map[string]any{"role": args[0]})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

func modeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mode <normal|work|safe>",
		Short: "Switch the operating mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.patch("/v1/settings", map[string]any{"mode": args[0]})
			if err != nil {
				printError(err.Error())
				return nil
			}
			if s, ok := result["settings"].(map[string]any); ok {
				printResult(s)
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

// --- whitelist ---

func whitelistCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "whitelist", Short: "Manage trusted origins"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List trusted origins",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/whitelist")
			if err != nil {
				printError(err.Error())
				return nil
			}
			if origins, ok := result["whitelist"].([]any); ok {
				for _, o := range origins {
					fmt.Println(o)
				}
				return nil
			}
			printResult(result)
			return nil
		},
	}

	addCmd := &cobra.Command{
		Use:   "add <origin>",
		Short: "Trust an origin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if _, err := client.post("/v1/whitelist", map[string]any{"origin": args[0]}); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Origin trusted: " + args[0])
			return nil
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <origin>",
		Short: "Untrust an origin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if err := client.delete("/v1/whitelist?origin=" + url.QueryEscape(args[0])); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Origin removed: " + args[0])
			return nil
		},
	}

	cmd.AddCommand(listCmd, addCmd, removeCmd)
	return cmd
}

// --- temp-allow ---

func tempAllowCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "temp-allow", Short: "Temporary origin grants"}

	grantCmd := &cobra.Command{
		Use:   "grant <origin>",
		Short: "Grant a timed exemption for an origin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			minutes, _ := cmd.Flags().GetInt("minutes")
			client := newClient()
			result, err := client.post("/v1/temp-allow", map[string]any{
				"origin":  args[0],
				"minutes": minutes,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	grantCmd.Flags().Int("minutes", 15, "Minutes until the grant expires")

	checkCmd := &cobra.Command{
		Use:   "check <origin>",
		Short: "Check whether an origin currently holds a grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/temp-allow?origin=" + url.QueryEscape(args[0]))
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(grantCmd, checkCmd)
	return cmd
}

// --- mfa / sensors ---

func mfaCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mfa", Short: "Admin MFA"}

	verifyCmd := &cobra.Command{
		Use:   "verify [pin]",
		Short: "Verify the admin PIN",
		RunE: func(cmd *cobra.Command, args []string) error {
			var pin string
			if len(args) > 0 {
				pin = args[0]
			} else {
				fmt.Print("PIN: ")
				scanner := bufio.NewScanner(os.Stdin)
				scanner.Scan()
				pin = strings.TrimSpace(scanner.Text())
			}
			client := newClient()
			result, err := client.post("/v1/mfa/verify", map[string]any{"pin": pin})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(verifyCmd)
	return cmd
}

func sensorsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sensors", Short: "Sensor capability unlock"}

	unlockCmd := &cobra.Command{
		Use:   "unlock",
		Short: "Open a timed sensors-unlock window (admin with active MFA)",
		RunE: func(cmd *cobra.Command, args []string) error {
			minutes, _ := cmd.Flags().GetInt("minutes")
			client := newClient()
			result, err := client.post("/v1/sensors/unlock", map[string]any{"minutes": minutes})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	unlockCmd.Flags().Int("minutes", 0, "Window length in minutes (0 uses the default)")

	cmd.AddCommand(unlockCmd)
	return cmd
}

// --- downloads ---

func downloadsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "downloads", Short: "Blocked download queue"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List blocked downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/downloads")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	allowCmd := &cobra.Command{
		Use:   "allow <id>",
		Short: "Release a blocked download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if _, err := client.post("/v1/downloads/"+args[0]+"/allow", nil); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Download released.")
			return nil
		},
	}

	cmd.AddCommand(listCmd, allowCmd)
	return cmd
}

// --- logs / stats / risk ---

func logsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			client := newClient()
			result, err := client.get(fmt.Sprintf("/v1/logs?limit=%d", limit))
			if err != nil {
				printError(err.Error())
				return nil
			}
			entries, ok := result["logs"].([]any)
			if !ok {
				printResult(result)
				return nil
			}
			for _, e := range entries {
				entry, ok := e.(map[string]any)
				if !ok {
					continue
				}
				fmt.Printf("%v  [%v]  %v\n", entry["timestamp"], entry["kind"], entry["message"])
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 50, "Maximum entries to show")

	addCmd := &cobra.Command{
		Use:   "add <message>",
		Short: "Record a log entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			client := newClient()
			result, err := client.post("/v1/logs", map[string]any{
				"kind":    kind,
				"message": args[0],
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	addCmd.Flags().String("kind", "info", "Entry kind: info, alert, threat")

	cmd.AddCommand(addCmd)
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show today's counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/stats")
			if err != nil {
				printError(err.Error())
				return nil
			}
			if s, ok := result["stats"].(map[string]any); ok {
				printResult(s)
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

func riskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "risk <origin>",
		Short: "Show the risk assessment for an origin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/risk?origin=" + url.QueryEscape(args[0]))
			if err != nil {
				printError(err.Error())
				return nil
			}
			if r, ok := result["risk"].(map[string]any); ok {
				printResult(r)
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

// --- self-destruct ---

func selfDestructCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "self-destruct",
		Short: "Clear session state (grants, MFA, unlock windows, per-site counters)",
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			if !force {
				fmt.Print("Clear all session state? Type 'yes' to confirm: ")
				scanner := bufio.NewScanner(os.Stdin)
				scanner.Scan()
				if strings.TrimSpace(scanner.Text()) != "yes" {
					fmt.Println("Aborted.")
					return nil
				}
			}
			client := newClient()
			if _, err := client.post("/v1/self-destruct", nil); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Session state cleared.")
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Skip confirmation")
	return cmd
}

// --- login ---

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <token>",
		Short: "Save the API token to the CLI config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loadConfig()
			cfg.Token = args[0]
			if err := saveConfig(); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Token saved to " + configPath())
			return nil
		},
	}
}
