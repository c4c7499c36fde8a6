package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/alvmarrod/shelf-weaver/internal/product"
	"github.com/alvmarrod/shelf-weaver/internal/trend"
)

// WriteSummary prints a human-readable digest of a diff
func WriteSummary(w io.Writer, diff trend.DiffResult) error {
	s := diff.Summary
	if diff.Baseline {
		fmt.Fprintf(w, "Baseline snapshot for %s: %s products\n", diff.Source.Label, humanize.Comma(int64(s.Total)))
		return nil
	}

	partial := ""
	if diff.Partial {
		partial = " (partial run)"
	}
	fmt.Fprintf(w, "%s%s: %d products | %d new, %d missing, %d changed (%d up, %d down), %d unchanged\n",
		diff.Source.Label, partial, s.Total, s.New, s.Missing, s.Changed, s.PriceIncreases, s.PriceDecreases, s.Unchanged)

	if len(diff.Changed) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tBEFORE\tAFTER\tDELTA\tTREND\tVOLATILITY")
	changed := append([]trend.Change(nil), diff.Changed...)
	sort.SliceStable(changed, func(i, j int) bool { return changed[i].Name < changed[j].Name })
	for _, c := range changed {
		delta := "-"
		if c.PercentDelta != nil {
			delta = c.PercentDelta.StringFixed(1) + "%"
		} else if !c.Has(trend.ChangePrice) {
			delta = string(c.Kinds[0])
		}
		volatility := "-"
		if v := diff.Volatility[c.Key]; v != nil {
			volatility = fmt.Sprintf("%.3f", *v)
		}
		trendDir := string(diff.Trends[c.Key])
		if trendDir == "" {
			trendDir = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", c.Name, c.Before, c.After, delta, trendDir, volatility)
	}
	return tw.Flush()
}

// WriteQuality prints the data quality score of a report and its most
// frequent issues
func WriteQuality(w io.Writer, q product.Quality) error {
	if q.Total == 0 {
		_, err := fmt.Fprintln(w, "Data quality: no products")
		return err
	}
	_, err := fmt.Fprintf(w, "Data quality: score %.2f (completeness %.2f, validity %.2f) | %d valid, %d invalid\n",
		q.Score, q.Completeness, q.Validity, q.Valid, q.Invalid)
	if err != nil {
		return err
	}
	for _, group := range []struct {
		label  string
		counts map[product.Issue]int
	}{{"errors", q.Errors}, {"warnings", q.Warnings}} {
		if len(group.counts) == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "  %s: %s\n", group.label, topIssues(group.counts, 3)); err != nil {
			return err
		}
	}
	return nil
}

func topIssues(counts map[product.Issue]int, n int) string {
	issues := make([]product.Issue, 0, len(counts))
	for i := range counts {
		issues = append(issues, i)
	}
	sort.Slice(issues, func(a, b int) bool {
		if counts[issues[a]] != counts[issues[b]] {
			return counts[issues[a]] > counts[issues[b]]
		}
		return issues[a] < issues[b]
	})
	if len(issues) > n {
		issues = issues[:n]
	}
	parts := make([]string, len(issues))
	for i, issue := range issues {
		parts[i] = fmt.Sprintf("%s=%d", issue, counts[issue])
	}
	return strings.Join(parts, ", ")
}
