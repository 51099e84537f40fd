package cmd

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/bounce-monitor/bounce"
	"github.com/dhcgn/bounce-monitor/filter"
	"github.com/dhcgn/bounce-monitor/mbox"
	"github.com/dhcgn/bounce-monitor/mimedecode"
	"github.com/dhcgn/bounce-monitor/stats"
)

var (
	reportDir       string
	topN            int
	unparseableOut  string
	includeHeader   []string
	includeBody     []string
	excludeHeader   []string
	excludeBody     []string
	classifyLogTick int
)

var classifyCmd = &cobra.Command{
	Use:   "classify [mbox file]",
	Short: "Classify the bounces of an mbox archive and write CSV reports",
	Long: "Runs every message of an mbox archive through the bounce decoder and " +
		"extractor without touching any mailbox or database.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger, cleanup, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		mboxPath := args[0]
		total, err := mbox.CountFile(mboxPath)
		if err != nil {
			return err
		}
		fmt.Printf("Classifying mbox file: %s (%d messages)\n", mboxPath, total)

		filterOpts := filter.Options{
			IncludeHeader: includeHeader,
			IncludeBody:   includeBody,
			ExcludeHeader: excludeHeader,
			ExcludeBody:   excludeBody,
		}
		if (len(includeHeader) > 0 || len(includeBody) > 0) && (len(excludeHeader) > 0 || len(excludeBody) > 0) {
			return fmt.Errorf("include and exclude flags are mutually exclusive")
		}

		reader, err := mbox.NewReader(mbox.Options{Path: mboxPath, Filter: filterOpts}, logger)
		if err != nil {
			return fmt.Errorf("create reader: %w", err)
		}

		classifier := mbox.NewClassifier(mimedecode.New(logger), bounce.New(logger), logger)
		seen := 0
		classifier.OnRow = func(mbox.Row) {
			seen++
			if classifyLogTick > 0 && seen%classifyLogTick == 0 {
				logger.Info("classifying", "messages", seen)
			}
		}

		report, err := classifier.Classify(cmd.Context(), reader)
		if err != nil {
			return fmt.Errorf("error reading mbox file: %w", err)
		}

		printReport(report, reader.FilterStats())

		if err := saveReports(report, reportDir, 1000); err != nil {
			return fmt.Errorf("error saving CSV reports: %w", err)
		}
		fmt.Printf("\nReports saved to directory: %s\n", reportDir)

		if unparseableOut != "" && len(report.Unparseable) > 0 {
			if err := writeUnparseable(unparseableOut, report); err != nil {
				return err
			}
			fmt.Printf("%d unparseable bounces written to %s\n", len(report.Unparseable), unparseableOut)
		}
		return nil
	},
}

func init() {
	classifyCmd.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	classifyCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	classifyCmd.Flags().StringVar(&unparseableOut, "unparseable", "", "Write bounces without a recoverable recipient to this mbox file")
	classifyCmd.Flags().IntVar(&classifyLogTick, "log-every", 250, "Log progress every N messages (0 disables)")
	classifyCmd.Flags().StringArrayVar(&includeHeader, "include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	classifyCmd.Flags().StringArrayVar(&includeBody, "include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	classifyCmd.Flags().StringArrayVar(&excludeHeader, "exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	classifyCmd.Flags().StringArrayVar(&excludeBody, "exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	rootCmd.AddCommand(classifyCmd)
}

func printReport(report mbox.Report, filterHits map[string]int) {
	fmt.Printf("\nClassified %d messages\n", report.Messages)
	for _, outcome := range []mbox.Outcome{
		mbox.OutcomeBounce, mbox.OutcomeUnparseable, mbox.OutcomeNotBounce, mbox.OutcomeDuplicate, mbox.OutcomeError,
	} {
		fmt.Printf("  %-12s %d\n", outcome, report.Counts[outcome])
	}
	fmt.Println()

	if len(filterHits) > 0 {
		fmt.Println("Filter hits:")
		printFilterHits(filterHits)
		fmt.Println()
	}

	sections := []struct {
		title  string
		counts map[string]int
	}{
		{"Domains", report.Domains},
		{"SMTP codes", report.Codes},
		{"Statuses", report.Statuses},
	}
	for _, s := range sections {
		fmt.Printf("Top %d %s:\n", topN, s.title)
		stats.PrettyPrintTop(s.counts, topN)
		fmt.Println()
	}
}

func printFilterHits(hits map[string]int) {
	names := make([]string, 0, len(hits))
	for name := range hits {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if hits[names[i]] != hits[names[j]] {
			return hits[names[i]] > hits[names[j]]
		}
		return names[i] < names[j]
	})
	for _, name := range names {
		fmt.Printf("  %s: %d hits\n", name, hits[name])
	}
}

func saveReports(report mbox.Report, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	file, err := os.Create(filepath.Join(dir, "bounces.csv"))
	if err != nil {
		return err
	}
	if err := report.WriteCSV(file); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	tops := map[string]map[string]int{
		"domain":    report.Domains,
		"smtp_code": report.Codes,
		"status":    report.Statuses,
	}
	for name, counts := range tops {
		if err := saveTopCSV(filepath.Join(dir, fmt.Sprintf("report_%s.csv", name)), counts, limit); err != nil {
			return err
		}
	}
	return nil
}

func saveTopCSV(path string, counts map[string]int, limit int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range stats.Top(counts, limit) {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeUnparseable(path string, report mbox.Report) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := mbox.Write(file, time.Now(), report.Unparseable...); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
