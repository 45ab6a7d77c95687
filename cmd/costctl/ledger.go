package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/beefsync/costengine/internal/apply"
	"github.com/beefsync/costengine/internal/domain"
	"github.com/beefsync/costengine/internal/ledger"
	"github.com/beefsync/costengine/internal/repository"
)

// withLedger opens the configured gateway for the duration of fn.
func withLedger(c *cli.Context, fn func(l *ledger.Ledger) error) error {
	gateway, err := repository.New(repositoryConfig(c))
	if err != nil {
		return fmt.Errorf("failed to open cost gateway: %w", err)
	}
	defer gateway.Close()

	return fn(ledger.New(gateway, ledger.WithLogger(slog.Default())))
}

func animalFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "animal",
		Aliases:  []string{"id"},
		Usage:    "Animal ID",
		Required: true,
	}
}

func parseDateFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD, got %q", domain.ErrInvalidInput, s)
	}
	return t, nil
}

func applyCommand() *cli.Command {
	flags := append([]cli.Flag{
		animalFlag(),
		&cli.StringFlag{Name: "date", Usage: "Date charged (YYYY-MM-DD, default today)"},
		&cli.StringFlag{Name: "notes", Usage: "Notes stored on every entry"},
		&cli.BoolFlag{Name: "skip-dna", Usage: "Do not charge DNA tests"},
	}, animalFlags()...)

	return &cli.Command{
		Name:   "apply",
		Usage:  "Price an animal's protocol and record it in the ledger",
		Flags:  flags,
		Action: runApply,
	}
}

func runApply(c *cli.Context) error {
	calc, err := newCalculator(c)
	if err != nil {
		return err
	}
	animal, err := animalFromFlags(c, c.String("animal"))
	if err != nil {
		return err
	}
	date, err := parseDateFlag(c.String("date"))
	if err != nil {
		return err
	}

	return withLedger(c, func(l *ledger.Ledger) error {
		result, err := apply.NewProcessor(calc, l).Process(c.Context, &apply.Input{
			Animal:  animal,
			Date:    date,
			Notes:   c.String("notes"),
			SkipDNA: c.Bool("skip-dna"),
		})
		if err != nil {
			if result != nil && len(result.Entries) > 0 {
				fmt.Fprintf(os.Stderr, "stored %d entries before the failure; rerun with --skip-dna or record the rest manually\n", len(result.Entries))
			}
			return err
		}

		if c.String("format") == "json" {
			return writeJSON(os.Stdout, result)
		}
		if err := printEntries(os.Stdout, result.Entries); err != nil {
			return err
		}
		fmt.Printf("\nRecorded %s for %s\n", money(result.Total), animal.ID)
		return nil
	})
}

func ledgerCommand() *cli.Command {
	return &cli.Command{
		Name:  "ledger",
		Usage: "Read and amend the cost ledger",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List an animal's entries in creation order",
				Flags: []cli.Flag{animalFlag()},
				Action: func(c *cli.Context) error {
					return withLedger(c, func(l *ledger.Ledger) error {
						entries, err := l.ListByAnimal(c.Context, c.String("animal"))
						if err != nil {
							return err
						}
						if c.String("format") == "json" {
							return writeJSON(os.Stdout, entries)
						}
						return printEntries(os.Stdout, entries)
					})
				},
			},
			{
				Name:  "total",
				Usage: "Show an animal's total by category",
				Flags: []cli.Flag{animalFlag()},
				Action: func(c *cli.Context) error {
					animalID := c.String("animal")
					return withLedger(c, func(l *ledger.Ledger) error {
						total, err := l.TotalForAnimal(c.Context, animalID)
						if err != nil {
							return err
						}
						byCategory, err := l.TotalsByCategory(c.Context, animalID)
						if err != nil {
							return err
						}
						if c.String("format") == "json" {
							return writeJSON(os.Stdout, map[string]interface{}{
								"animalId":   animalID,
								"total":      total,
								"byCategory": byCategory,
							})
						}
						tw := newTable(os.Stdout)
						for _, cat := range sortedCategories(byCategory) {
							fmt.Fprintf(tw, "%s\t%s\n", cat, money(byCategory[cat]))
						}
						fmt.Fprintf(tw, "TOTAL\t%s\n", money(total))
						return tw.Flush()
					})
				},
			},
			{
				Name:  "summary",
				Usage: "Aggregate the whole ledger",
				Action: func(c *cli.Context) error {
					return withLedger(c, func(l *ledger.Ledger) error {
						summary, err := l.AggregateAll(c.Context)
						if err != nil {
							return err
						}
						if c.String("format") == "json" {
							return writeJSON(os.Stdout, summary)
						}
						fmt.Printf("Animals with costs: %d\n", summary.CountOfAnimalsWithCosts)
						fmt.Printf("Total:              %s\n", money(summary.TotalAcrossAllAnimals))
						fmt.Printf("Average per animal: %s\n\n", money(summary.AveragePerAnimal))
						tw := newTable(os.Stdout)
						for _, cat := range sortedCategories(summary.TotalsByCategory) {
							fmt.Fprintf(tw, "%s\t%s\n", cat, money(summary.TotalsByCategory[cat]))
						}
						return tw.Flush()
					})
				},
			},
			{
				Name:  "add",
				Usage: "Record a manual cost",
				Flags: []cli.Flag{
					animalFlag(),
					&cli.StringFlag{Name: "category", Value: string(domain.CategoryManual), Usage: "Cost category"},
					&cli.StringFlag{Name: "subcategory", Usage: "Free-form subcategory"},
					&cli.StringFlag{Name: "amount", Required: true, Usage: "Amount as a decimal, e.g. 120.50"},
					&cli.StringFlag{Name: "date", Usage: "Date charged (YYYY-MM-DD, default today)"},
					&cli.StringFlag{Name: "notes", Usage: "Notes"},
				},
				Action: func(c *cli.Context) error {
					amount, err := decimal.NewFromString(c.String("amount"))
					if err != nil {
						return fmt.Errorf("%w: amount %q", domain.ErrInvalidInput, c.String("amount"))
					}
					date, err := parseDateFlag(c.String("date"))
					if err != nil {
						return err
					}
					return withLedger(c, func(l *ledger.Ledger) error {
						entry, err := l.Append(c.Context, c.String("animal"), domain.CostEntryDraft{
							Category:    domain.CostCategory(c.String("category")),
							Subcategory: c.String("subcategory"),
							Amount:      amount,
							Date:        date,
							Notes:       c.String("notes"),
						})
						if err != nil {
							return err
						}
						fmt.Println(entry.ID)
						return nil
					})
				},
			},
			{
				Name:  "reverse",
				Usage: "Cancel an entry by appending its reversal",
				Flags: []cli.Flag{
					animalFlag(),
					&cli.StringFlag{Name: "entry", Required: true, Usage: "Entry ID to reverse"},
					&cli.StringFlag{Name: "notes", Usage: "Reason for the reversal"},
				},
				Action: func(c *cli.Context) error {
					return withLedger(c, func(l *ledger.Ledger) error {
						entry, err := l.Reverse(c.Context, c.String("animal"), c.String("entry"), c.String("notes"))
						if err != nil {
							return err
						}
						fmt.Println(entry.ID)
						return nil
					})
				},
			},
		},
	}
}

func sortedCategories(m map[domain.CostCategory]decimal.Decimal) []domain.CostCategory {
	out := make([]domain.CostCategory, 0, len(m))
	for cat := range m {
		out = append(out, cat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
