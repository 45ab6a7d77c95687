package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/beefsync/costengine/internal/domain"
	"github.com/beefsync/costengine/internal/rules"
)

func bracketsCommand() *cli.Command {
	return &cli.Command{
		Name:  "brackets",
		Usage: "List the age bracket ladder for a sex, or resolve one age",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "sex",
				Aliases:  []string{"s"},
				Usage:    "Sex (male, female)",
				Required: true,
			},
			&cli.IntFlag{
				Name:    "age",
				Aliases: []string{"a"},
				Value:   -1,
				Usage:   "Resolve this age in months instead of listing the ladder",
			},
		},
		Action: func(c *cli.Context) error {
			sex, err := domain.ParseSex(c.String("sex"))
			if err != nil {
				return err
			}

			if c.IsSet("age") {
				bracket, err := rules.ResolveBracket(c.Int("age"), sex)
				if err != nil {
					return err
				}
				fmt.Println(bracket)
				return nil
			}

			brackets, err := rules.Brackets(sex)
			if err != nil {
				return err
			}
			if c.String("format") == "json" {
				return writeJSON(os.Stdout, brackets)
			}
			for _, b := range brackets {
				fmt.Println(b)
			}
			return nil
		},
	}
}

func calculateCommand() *cli.Command {
	return &cli.Command{
		Name:   "calculate",
		Usage:  "Price the protocol and DNA charges for an animal without recording them",
		Flags:  animalFlags(),
		Action: runCalculate,
	}
}

func runCalculate(c *cli.Context) error {
	calc, err := newCalculator(c)
	if err != nil {
		return err
	}
	animal, err := animalFromFlags(c, "")
	if err != nil {
		return err
	}

	breakdown, err := calc.Calculate(animal)
	if err != nil {
		return err
	}
	dna, err := calc.CalculateDnaCharges(animal)
	if err != nil {
		return err
	}

	if c.String("format") == "json" {
		return writeJSON(os.Stdout, map[string]interface{}{
			"breakdown":  breakdown,
			"dnaCharges": dna,
		})
	}
	return printBreakdown(os.Stdout, breakdown, dna)
}

func catalogCommand() *cli.Command {
	return &cli.Command{
		Name:  "catalog",
		Usage: "Inspect the rule catalog",
		Subcommands: []*cli.Command{
			{
				Name:  "items",
				Usage: "List priced catalog entries",
				Action: func(c *cli.Context) error {
					catalog, err := loadCatalog(c)
					if err != nil {
						return err
					}
					entries := catalog.Entries()
					if c.String("format") == "json" {
						return writeJSON(os.Stdout, entries)
					}
					tw := newTable(os.Stdout)
					fmt.Fprintln(tw, "NAME\tUNIT PRICE\tUNIT\tPER ANIMAL")
					for _, e := range entries {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Name, money(e.UnitPrice), e.Unit, money(e.PerAnimalCost))
					}
					return tw.Flush()
				},
			},
			{
				Name:  "protocols",
				Usage: "List protocol definitions",
				Action: func(c *cli.Context) error {
					catalog, err := loadCatalog(c)
					if err != nil {
						return err
					}
					protocols := catalog.Protocols()
					if c.String("format") == "json" {
						return writeJSON(os.Stdout, protocols)
					}
					for _, p := range protocols {
						fmt.Printf("%s %s: %s\n", p.Sex, p.Bracket, p.Name)
						for _, item := range p.Items {
							if item.Conditional() {
								fmt.Printf("  - %s [%s]\n", item.Item, item.Condition)
							} else {
								fmt.Printf("  - %s x %s\n", item.Item, item.Quantity)
							}
						}
					}
					return nil
				},
			},
			{
				Name:  "check",
				Usage: "Validate the catalog and report protocol items without entries",
				Action: func(c *cli.Context) error {
					catalog, err := loadCatalog(c)
					if err != nil {
						return err
					}
					dangling := catalog.DanglingItems()
					if len(dangling) > 0 {
						return cli.Exit(fmt.Sprintf("items without catalog entries: %s", strings.Join(dangling, ", ")), 2)
					}
					fmt.Printf("catalog ok (fingerprint %s)\n", catalog.Fingerprint())
					return nil
				},
			},
		},
	}
}
