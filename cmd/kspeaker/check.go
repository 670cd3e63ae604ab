package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kspeaker/internal/config"
	"github.com/goodtune/kspeaker/internal/policy"
	"github.com/goodtune/kspeaker/internal/storage"
	"github.com/goodtune/kspeaker/internal/usage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	checkDay    string
	checkTime   string
	checkAction string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check policy decisions interactively",
	Long:  `Check what policy decisions kspeaker would make for a token, or show today's usage.`,
}

var checkPlayCmd = &cobra.Command{
	Use:   "play [flags] TOKEN",
	Short: "Check whether a token may play",
	Long:  `Evaluate the playback policy for a token's assigned track at the current or a given time.`,
	Example: `  kspeaker -c config.yaml check play 04a1b2c3
  kspeaker check play --day saturday --time 22:30 04a1b2c3`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckPlay,
}

var checkUsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show today's playback usage",
	Args:  cobra.NoArgs,
	RunE:  runCheckUsage,
}

func init() {
	checkPlayCmd.Flags().StringVar(&checkDay, "day", "", "Day of week (monday, tuesday, etc.) - defaults to current day")
	checkPlayCmd.Flags().StringVar(&checkTime, "time", "", "Time of day (HH:MM) - defaults to current time")
	checkPlayCmd.Flags().StringVar(&checkAction, "action", "play", "Action to check (play, resume, continue)")

	checkCmd.AddCommand(checkPlayCmd)
	checkCmd.AddCommand(checkUsageCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckPlay(cmd *cobra.Command, args []string) error {
	tokenID := strings.ToLower(strings.TrimSpace(args[0]))

	action := policy.Action(checkAction)
	switch action {
	case policy.ActionPlay, policy.ActionResume, policy.ActionContinue:
	default:
		return fmt.Errorf("invalid action: %s", checkAction)
	}

	checkDateTime := time.Now()
	if checkDay != "" || checkTime != "" {
		var err error
		checkDateTime, err = parseCheckTime(checkDay, checkTime)
		if err != nil {
			return fmt.Errorf("invalid --time value: %w", err)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, _, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	evaluator, err := newEvaluator(cfg.Policy, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize policy evaluator: %w", err)
	}
	tracker := usage.NewTracker(store.Usage(), usage.Config{}, logger)
	engine := policy.NewEngine(store.Policy(), tracker, evaluator, logger)
	engine.SetClock(&policy.TestClock{CurrentTime: checkDateTime})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Look the token up without registering it
	token, err := store.Tokens().Get(ctx, tokenID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to look up token: %w", err)
	}

	req := policy.Request{Action: action, TokenID: tokenID, At: checkDateTime}
	if token != nil {
		req.TrackRef = token.TrackRef
	}

	snap, err := engine.Snapshot(ctx, checkDateTime)
	if err != nil {
		return err
	}
	decision := engine.Evaluate(ctx, req, snap)

	printPlayResult(req, token, snap, decision)
	return nil
}

func runCheckUsage(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, _, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	engine := policy.NewEngine(store.Policy(), nil, nil, logger)
	settings, err := engine.Settings(ctx)
	if err != nil {
		return err
	}

	var limit time.Duration
	if settings.Enabled {
		limit = time.Duration(settings.DailyLimitMinutes) * time.Minute
	}
	tracker := usage.NewTracker(store.Usage(), usage.Config{}, logger)
	stats, err := tracker.GetUsageStats(ctx, time.Now(), limit)
	if err != nil {
		return fmt.Errorf("failed to read usage: %w", err)
	}

	cyan := color.New(color.FgCyan, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	green := color.New(color.FgGreen, color.Bold)

	fmt.Println()
	cyan.Println("USAGE TODAY")
	fmt.Printf("Played:     %s\n", stats.TodayUsage.Round(time.Second))
	if limit == 0 {
		fmt.Println("Limit:      none")
	} else {
		fmt.Printf("Limit:      %s\n", limit)
		fmt.Printf("Remaining:  %s\n", stats.RemainingToday.Round(time.Second))
		if stats.LimitExceeded {
			red.Println("Status:     LIMIT REACHED")
		} else {
			green.Println("Status:     within limit")
		}
	}
	fmt.Println()
	return nil
}

// printPlayResult prints the policy check result with colors
func printPlayResult(req policy.Request, token *storage.Token, snap policy.Snapshot, decision policy.Decision) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("PLAYBACK POLICY CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Token:      %s\n", req.TokenID)
	switch {
	case token == nil:
		yellow.Println("            (not registered yet)")
	case token.Name != "":
		fmt.Printf("Name:       %s\n", token.Name)
	}
	if req.TrackRef != "" {
		fmt.Printf("Track:      %s\n", req.TrackRef)
	} else {
		fmt.Printf("Track:      (none assigned)\n")
	}
	fmt.Printf("Action:     %s\n", req.Action)
	fmt.Printf("Check Time: %s (%s)\n", req.At.Format("2006-01-02 15:04"), req.At.Weekday())
	fmt.Printf("Used Today: %s\n", snap.UsageToday.Round(time.Second))
	if !snap.Settings.Enabled {
		yellow.Println("Policy:     disabled")
	}
	fmt.Println()

	cyan.Print("Decision:   ")
	if decision.Allowed {
		green.Println("ALLOW")
		fmt.Println("            → Playback will start")
	} else {
		red.Println("BLOCK")
		fmt.Printf("Reason:     %s\n", decision.Reason)
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

// parseCheckTime parses day and time flags into a time.Time
func parseCheckTime(dayStr, timeStr string) (time.Time, error) {
	now := time.Now()

	hour := now.Hour()
	minute := now.Minute()

	if timeStr != "" {
		minuteOfDay, err := policy.ParseClock(timeStr)
		if err != nil {
			return time.Time{}, err
		}
		hour, minute = minuteOfDay/60, minuteOfDay%60
	}

	targetDay := now.Weekday()
	if dayStr != "" {
		switch strings.ToLower(dayStr) {
		case "sunday", "sun":
			targetDay = time.Sunday
		case "monday", "mon":
			targetDay = time.Monday
		case "tuesday", "tue":
			targetDay = time.Tuesday
		case "wednesday", "wed":
			targetDay = time.Wednesday
		case "thursday", "thu":
			targetDay = time.Thursday
		case "friday", "fri":
			targetDay = time.Friday
		case "saturday", "sat":
			targetDay = time.Saturday
		default:
			return time.Time{}, fmt.Errorf("invalid day: %s", dayStr)
		}
	}

	daysUntilTarget := int(targetDay - now.Weekday())
	if daysUntilTarget < 0 {
		daysUntilTarget += 7
	}

	targetDate := now.AddDate(0, 0, daysUntilTarget)
	return time.Date(targetDate.Year(), targetDate.Month(), targetDate.Day(), hour, minute, 0, 0, now.Location()), nil
}
