package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/warp/points-ledger/ledger"
)

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(eventCreateCmd)
	eventCmd.AddCommand(eventListCmd)
	eventCmd.AddCommand(eventStatusCmd)

	f := eventCreateCmd.Flags()
	f.String("name", "", "Event name")
	f.String("starts", "", "Window start (RFC 3339)")
	f.String("ends", "", "Window end (RFC 3339)")
	f.String("payment", "RP", "Payment currency: RP or EXT")
	f.String("rate", "", "Payment units per 1 SH")
	f.String("per-person-cap", "", "Maximum SH per member")
	f.String("global-cap", "", "Maximum SH distributed in total")
	f.Bool("fiscal", false, "Require fiscal regularity")
	f.Bool("activate", false, "Open the event immediately")
}

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Administer SH issuance events",
}

// =============================================================================
// EVENT CREATE
// =============================================================================

var eventCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an issuance event",
	Args:  cobra.NoArgs,
	RunE:  runEventCreate,
}

func runEventCreate(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	name, _ := f.GetString("name")
	payment, _ := f.GetString("payment")
	fiscal, _ := f.GetBool("fiscal")
	activate, _ := f.GetBool("activate")

	spec := ledger.EventSpec{
		Name:                     name,
		PaymentCurrency:          ledger.PaymentCurrency(strings.ToUpper(payment)),
		FiscalRegularityRequired: fiscal,
		Activate:                 activate,
	}

	var err error
	if spec.StartsAt, err = timeFlag(cmd, "starts"); err != nil {
		return err
	}
	if spec.EndsAt, err = timeFlag(cmd, "ends"); err != nil {
		return err
	}
	if spec.Rate, err = decimalFlag(cmd, "rate"); err != nil {
		return err
	}
	if spec.PerPersonCap, err = decimalFlag(cmd, "per-person-cap"); err != nil {
		return err
	}
	if spec.GlobalCap, err = decimalFlag(cmd, "global-cap"); err != nil {
		return err
	}

	a, err := newApp(cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	ev, err := a.service().CreateEvent(cmd.Context(), spec)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created event %s (%s)\n", ev.ID, ev.Status)
	return nil
}

func timeFlag(cmd *cobra.Command, name string) (time.Time, error) {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return time.Time{}, fmt.Errorf("--%s is required", name)
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

func decimalFlag(cmd *cobra.Command, name string) (decimal.Decimal, error) {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return decimal.Zero, fmt.Errorf("--%s is required", name)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("--%s: %w", name, err)
	}
	return d, nil
}

// =============================================================================
// EVENT LIST
// =============================================================================

var eventListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issuance events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()

		events, err := a.service().ListEvents(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPAY\tRATE\tDISTRIBUTED\tGLOBAL CAP\tWINDOW")
		for _, e := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s..%s\n",
				e.ID, e.Name, e.Status, e.PaymentCurrency, e.Rate, e.Distributed, e.GlobalCap,
				e.StartsAt.Format(time.RFC3339), e.EndsAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

// =============================================================================
// EVENT STATUS
// =============================================================================

var eventStatusCmd = &cobra.Command{
	Use:   "status EVENT_ID active|closed",
	Short: "Activate or close an issuance event",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()

		ev, err := a.service().SetEventStatus(cmd.Context(),
			ledger.EventID(args[0]), ledger.EventStatus(strings.ToLower(args[1])))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "event %s is now %s\n", ev.ID, ev.Status)
		return nil
	},
}
