package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/alvmarrod/shelf-weaver/internal/output"
	"github.com/alvmarrod/shelf-weaver/internal/profile"
	"github.com/alvmarrod/shelf-weaver/internal/storage"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles [domain]",
	Short: "Show learned site profiles",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runProfiles,
}

func init() {
	profilesCmd.Flags().StringP("format", "f", "", "dump full profiles as json or yaml")
}

func runProfiles(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := storage.NewStorage(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	profiles, err := store.LoadProfiles(cmd.Context())
	if err != nil {
		return err
	}
	if len(args) == 1 {
		domain := strings.TrimPrefix(strings.ToLower(args[0]), "www.")
		var matched []profile.SiteProfile
		for _, p := range profiles {
			if p.Domain == domain {
				matched = append(matched, p)
			}
		}
		if len(matched) == 0 {
			return fmt.Errorf("no profile stored for %s", domain)
		}
		profiles = matched
	}

	if raw, _ := cmd.Flags().GetString("format"); raw != "" {
		format, err := output.ParseFormat(raw)
		if err != nil {
			return err
		}
		if format == output.FormatJSONL {
			return output.EncodeLines(cmd.OutOrStdout(), profiles)
		}
		return output.Encode(cmd.OutOrStdout(), format, profiles)
	}

	if len(profiles) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No profiles stored yet")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DOMAIN\tSOURCE\tCONFIDENCE\tFAILURES\tVALIDATED\tRULES")
	for _, p := range profiles {
		validated := "never"
		if !p.LastValidated.IsZero() {
			validated = humanize.Time(p.LastValidated)
		}
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%d\t%s\t%s\n",
			p.Domain, p.Source, p.Confidence, p.ConsecutiveFailures, validated, p.Rules.Fingerprint())
	}
	return tw.Flush()
}
