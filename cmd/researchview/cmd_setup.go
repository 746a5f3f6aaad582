package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/researchview/internal/config"
	"github.com/user/researchview/internal/scheduler"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("researchview setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.DataDir = prompt(scanner, "Data directory", cfg.DataDir)
		cfg.History.Backend = prompt(scanner, "History backend (file or sqlite)", cfg.History.Backend)

		days := prompt(scanner, "Delete sessions after how many days (0 keeps everything)", strconv.Itoa(cfg.History.RetentionDays))
		if n, err := strconv.Atoi(days); err == nil {
			cfg.History.RetentionDays = n
		}
		if cfg.History.RetentionDays > 0 {
			schedule := prompt(scanner, "Prune schedule (cron)", cfg.History.PruneSchedule)
			if err := scheduler.ValidateSchedule(schedule); err != nil {
				fmt.Fprintf(os.Stderr, "%v; keeping %s\n", err, cfg.History.PruneSchedule)
			} else {
				cfg.History.PruneSchedule = schedule
			}
		}

		enableHTTP := prompt(scanner, "Serve the HTTP API (y/n)", yesNo(cfg.HTTP.Enabled))
		cfg.HTTP.Enabled = strings.HasPrefix(strings.ToLower(enableHTTP), "y")
		if cfg.HTTP.Enabled {
			cfg.HTTP.Listen = prompt(scanner, "HTTP listen address", cfg.HTTP.Listen)
		}

		cfg.Telegram.Token = prompt(scanner, "Telegram bot token for error notifications (optional)", cfg.Telegram.Token)
		if cfg.Telegram.Token != "" {
			chatID := prompt(scanner, "Telegram chat ID", strconv.FormatInt(cfg.Telegram.ChatID, 10))
			if n, err := strconv.ParseInt(chatID, 10, 64); err == nil {
				cfg.Telegram.ChatID = n
			}
		}

		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

func yesNo(b bool) string {
	if b {
		return "y"
	}
	return "n"
}
