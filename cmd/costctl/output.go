package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"github.com/beefsync/costengine/internal/domain"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func printBreakdown(w io.Writer, b domain.CostBreakdown, dna []domain.CostEntryDraft) error {
	fmt.Fprintf(w, "Sex: %s  Bracket: %s  Protocol: %s\n\n", b.Sex, b.Bracket, orDash(b.ProtocolName))

	tw := newTable(w)
	fmt.Fprintln(tw, "ITEM\tQTY\tUNIT\tUNIT COST\tLINE COST")
	for _, item := range b.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			item.ItemName, item.Quantity.String(), item.Unit, money(item.UnitCost), money(item.LineCost))
	}
	fmt.Fprintf(tw, "TOTAL\t\t\t\t%s\n", money(b.Total))
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(b.Skipped) > 0 {
		fmt.Fprintf(w, "\nWarning: no catalog entry for %s\n", strings.Join(b.Skipped, ", "))
	}
	if len(dna) > 0 {
		fmt.Fprintln(w, "\nDNA charges:")
		tw = newTable(w)
		for _, d := range dna {
			fmt.Fprintf(tw, "  %s\t%s\n", d.Subcategory, money(d.Amount))
		}
		return tw.Flush()
	}
	return nil
}

func printEntries(w io.Writer, entries []*domain.CostEntry) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tDATE\tCATEGORY\tSUBCATEGORY\tAMOUNT\tREVERSAL OF")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Date.Format("2006-01-02"), e.Category, orDash(e.Subcategory),
			money(e.SignedAmount()), orDash(e.ReversalOf))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
