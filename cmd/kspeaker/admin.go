package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kspeaker/internal/config"
	"github.com/goodtune/kspeaker/internal/directory"
	"github.com/goodtune/kspeaker/internal/policy"
	"github.com/goodtune/kspeaker/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Admin commands open the store directly. With badger storage the service
// must be stopped first, since the database allows one process.

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage tokens and their track assignments",
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tokens",
	Args:  cobra.NoArgs,
	RunE: withStore(func(ctx context.Context, store storage.Store, args []string) error {
		tokens, err := store.Tokens().List(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		color.New(color.FgCyan, color.Bold).Fprintln(w, "ID\tNAME\tTRACK\tUPDATED")
		for _, t := range tokens {
			track := t.TrackRef
			if track == "" {
				track = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Name, track, t.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	}),
}

var tokenAssignName string

var tokenAssignCmd = &cobra.Command{
	Use:     "assign TOKEN TRACK_URI",
	Short:   "Assign a track to a token, registering the token if needed",
	Example: `  kspeaker token assign 04a1b2c3 file:///music/lullaby.mp3 --name "Lullaby"`,
	Args:    cobra.ExactArgs(2),
	RunE: withDirectory(func(ctx context.Context, dir *directory.Client, args []string) error {
		id := normalizeTokenID(args[0])
		if _, err := dir.Resolve(ctx, id); err != nil {
			return err
		}
		if err := dir.UpdateAssignment(ctx, id, args[1], tokenAssignName); err != nil {
			return err
		}
		color.Green("Assigned %s to %s", args[1], id)
		return nil
	}),
}

var tokenClearCmd = &cobra.Command{
	Use:   "clear TOKEN",
	Short: "Remove a token's track assignment",
	Args:  cobra.ExactArgs(1),
	RunE: withDirectory(func(ctx context.Context, dir *directory.Client, args []string) error {
		id := normalizeTokenID(args[0])
		if err := dir.ClearAssignment(ctx, id); err != nil {
			return err
		}
		color.Green("Cleared assignment of %s", id)
		return nil
	}),
}

var tokenRenameCmd = &cobra.Command{
	Use:   "rename TOKEN NAME",
	Short: "Rename a token",
	Args:  cobra.ExactArgs(2),
	RunE: withStore(func(ctx context.Context, store storage.Store, args []string) error {
		return store.Tokens().Rename(ctx, normalizeTokenID(args[0]), args[1])
	}),
}

var tokenDeleteCmd = &cobra.Command{
	Use:   "delete TOKEN",
	Short: "Forget a token",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(ctx context.Context, store storage.Store, args []string) error {
		return store.Tokens().Delete(ctx, normalizeTokenID(args[0]))
	}),
}

var recordingsCmd = &cobra.Command{
	Use:   "recordings [TOKEN]",
	Short: "List saved recordings, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: withStore(func(ctx context.Context, store storage.Store, args []string) error {
		tokenID := ""
		if len(args) == 1 {
			tokenID = normalizeTokenID(args[0])
		}
		recs, err := store.Recordings().List(ctx, tokenID)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		color.New(color.FgCyan, color.Bold).Fprintln(w, "ID\tTOKEN\tSTARTED\tLENGTH\tPATH")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.TokenID, r.StartedAt.Local().Format("2006-01-02 15:04"), r.Duration.Round(time.Second), r.Path)
		}
		return w.Flush()
	}),
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show or change parental control settings",
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored policy settings",
	Args:  cobra.NoArgs,
	RunE: withStore(func(ctx context.Context, store storage.Store, args []string) error {
		engine := policy.NewEngine(store.Policy(), nil, nil, zerolog.Nop())
		s, err := engine.Settings(ctx)
		if err != nil {
			return err
		}
		printSettings(s)
		return nil
	}),
}

var (
	policyEnabled     bool
	policyVolumeLimit int
	policyQuiet       string
	policyQuietOff    bool
	policyDailyLimit  int
	policyAccessMode  string
	policyAccessList  []string
)

var policySetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change policy settings; unset flags keep their stored value",
	Example: `  kspeaker policy set --enabled --quiet 21:00-07:00 --daily-limit 60
  kspeaker policy set --access-mode whitelist --access-list 04a1b2c3,04ffeedd`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store storage.Store, _ []string) error {
			engine := policy.NewEngine(store.Policy(), nil, nil, zerolog.Nop())
			s, err := engine.Settings(ctx)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("enabled") {
				s.Enabled = policyEnabled
			}
			if flags.Changed("volume-limit") {
				if policyVolumeLimit < 0 || policyVolumeLimit > 100 {
					return fmt.Errorf("volume limit must be 0-100")
				}
				s.VolumeLimit = policyVolumeLimit
			}
			if flags.Changed("quiet") {
				start, end, ok := strings.Cut(policyQuiet, "-")
				if !ok {
					return fmt.Errorf("quiet hours must be HH:MM-HH:MM")
				}
				for _, v := range []string{start, end} {
					if _, err := policy.ParseClock(v); err != nil {
						return err
					}
				}
				s.QuietHours = storage.QuietHours{Enabled: true, Start: start, End: end}
			}
			if policyQuietOff {
				s.QuietHours.Enabled = false
			}
			if flags.Changed("daily-limit") {
				if policyDailyLimit < 0 {
					return fmt.Errorf("daily limit must not be negative")
				}
				s.DailyLimitMinutes = policyDailyLimit
			}
			if flags.Changed("access-mode") {
				switch mode := storage.AccessMode(policyAccessMode); mode {
				case storage.AccessBlacklist, storage.AccessWhitelist:
					s.AccessMode = mode
				default:
					return fmt.Errorf("access mode must be blacklist or whitelist")
				}
			}
			if flags.Changed("access-list") {
				s.AccessList = s.AccessList[:0]
				for _, id := range policyAccessList {
					if id = normalizeTokenID(id); id != "" {
						s.AccessList = append(s.AccessList, id)
					}
				}
			}

			if err := store.Policy().Put(ctx, s); err != nil {
				return fmt.Errorf("failed to save policy: %w", err)
			}
			color.Green("Policy saved")
			printSettings(s)
			return nil
		})(cmd, args)
	},
}

func init() {
	tokenAssignCmd.Flags().StringVar(&tokenAssignName, "name", "", "Display name of the track")

	policySetCmd.Flags().BoolVar(&policyEnabled, "enabled", false, "Enable policy enforcement")
	policySetCmd.Flags().IntVar(&policyVolumeLimit, "volume-limit", 100, "Maximum volume percent")
	policySetCmd.Flags().StringVar(&policyQuiet, "quiet", "", "Quiet hours as HH:MM-HH:MM")
	policySetCmd.Flags().BoolVar(&policyQuietOff, "no-quiet", false, "Disable quiet hours")
	policySetCmd.Flags().IntVar(&policyDailyLimit, "daily-limit", 0, "Daily playback limit in minutes (0 for none)")
	policySetCmd.Flags().StringVar(&policyAccessMode, "access-mode", "", "blacklist or whitelist")
	policySetCmd.Flags().StringSliceVar(&policyAccessList, "access-list", nil, "Token ids for the access list")

	tokenCmd.AddCommand(tokenListCmd, tokenAssignCmd, tokenClearCmd, tokenRenameCmd, tokenDeleteCmd)
	policyCmd.AddCommand(policyShowCmd, policySetCmd)
	rootCmd.AddCommand(tokenCmd, recordingsCmd, policyCmd)
}

func normalizeTokenID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// withStore runs fn against the configured store.
func withStore(fn func(ctx context.Context, store storage.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
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
		return fn(ctx, store, args)
	}
}

func withDirectory(fn func(ctx context.Context, dir *directory.Client, args []string) error) func(*cobra.Command, []string) error {
	return withStore(func(ctx context.Context, store storage.Store, args []string) error {
		return fn(ctx, directory.New(store.Tokens(), zerolog.Nop()), args)
	})
}

func printSettings(s storage.PolicySettings) {
	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	cyan.Println("POLICY")
	if s.Enabled {
		fmt.Println("Enabled:      yes")
	} else {
		yellow.Println("Enabled:      no (nothing is enforced)")
	}
	fmt.Printf("Volume limit: %d%%\n", s.VolumeLimit)
	if s.QuietHours.Enabled {
		fmt.Printf("Quiet hours:  %s-%s\n", s.QuietHours.Start, s.QuietHours.End)
	} else {
		fmt.Println("Quiet hours:  off")
	}
	if s.DailyLimitMinutes > 0 {
		fmt.Printf("Daily limit:  %d minutes\n", s.DailyLimitMinutes)
	} else {
		fmt.Println("Daily limit:  none")
	}
	fmt.Printf("Access mode:  %s %v\n", s.AccessMode, s.AccessList)
	fmt.Println()
}
