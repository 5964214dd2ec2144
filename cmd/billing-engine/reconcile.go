package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vikram2000b/sage-billing-engine/pkg/payments"
)

var reconcileReq payments.ReconcileRequest
var reconcileDate string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Mark a provider invoice paid after a manual bank transfer",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := reconcileReq
		if reconcileDate != "" {
			t, err := time.Parse("2006-01-02", reconcileDate)
			if err != nil {
				return fmt.Errorf("--transfer-date: %w", err)
			}
			req.TransferDate = t
		} else {
			req.TransferDate = time.Now().UTC()
		}

		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.payments.Reconcile(cmd.Context(), req)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	f := reconcileCmd.Flags()
	f.StringVar(&reconcileReq.WorkspaceID, "workspace", "", "workspace id (required)")
	f.StringVar(&reconcileReq.InvoiceID, "invoice", "", "provider invoice id (required)")
	f.Float64Var(&reconcileReq.Amount, "amount", 0, "amount received")
	f.StringVar(&reconcileReq.Currency, "currency", "inr", "currency of the transfer")
	f.StringVar(&reconcileReq.TransferMethod, "method", "neft", "transfer method (neft, rtgs, imps, wire, ...)")
	f.StringVar(&reconcileReq.BankReference, "reference", "", "bank reference / UTR")
	f.StringVar(&reconcileReq.Notes, "notes", "", "free-form notes")
	f.StringVar(&reconcileDate, "transfer-date", "", "transfer date (YYYY-MM-DD, default today)")
	_ = reconcileCmd.MarkFlagRequired("workspace")
	_ = reconcileCmd.MarkFlagRequired("invoice")
}
