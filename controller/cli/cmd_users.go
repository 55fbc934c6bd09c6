package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/licht8/pyWGgen-sub000/controller/lifecycle"
	"github.com/licht8/pyWGgen-sub000/controller/store"
	"github.com/licht8/pyWGgen-sub000/shared/models"
)

var (
	createDays     int
	createEmail    string
	createTelegram string
	createNotes    string
	resetDays      int
	listDeleted    bool
	historyLimit   int

	createCmd = &cobra.Command{
		Use:   "create <username>",
		Short: "Provision a new VPN user and emit its client artifacts",
		Args:  cobra.ExactArgs(1),
		RunE:  runCreate,
	}
	blockCmd = &cobra.Command{
		Use:   "block <username>",
		Short: "Suspend a user's access without losing its identity or address",
		Args:  cobra.ExactArgs(1),
		RunE:  runBlock,
	}
	unblockCmd = &cobra.Command{
		Use:   "unblock <username>",
		Short: "Restore access for a blocked or expired user",
		Args:  cobra.ExactArgs(1),
		RunE:  runUnblock,
	}
	deleteCmd = &cobra.Command{
		Use:   "delete <username>",
		Short: "Remove a user from the daemon, keeping an audit stub",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}
	extendCmd = &cobra.Command{
		Use:   "extend <username> <days>",
		Short: "Push a user's expiry out by a number of days",
		Args:  cobra.ExactArgs(2),
		RunE:  runExtend,
	}
	resetCmd = &cobra.Command{
		Use:   "reset <username>",
		Short: "Restart a user's lifetime from now",
		Args:  cobra.ExactArgs(1),
		RunE:  runReset,
	}
	rotateCmd = &cobra.Command{
		Use:   "rotate <username>",
		Short: "Issue a fresh keypair and re-render client artifacts",
		Args:  cobra.ExactArgs(1),
		RunE:  runRotate,
	}
	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Expire every lapsed user, with a single daemon reload",
		Args:  cobra.NoArgs,
		RunE:  runSweep,
	}
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	showCmd = &cobra.Command{
		Use:   "show <username>",
		Short: "Show one user record",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	historyCmd = &cobra.Command{
		Use:   "history <username>",
		Short: "Show the audit trail for a user",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}
)

func init() {
	createCmd.Flags().IntVar(&createDays, "days", 0, "lifetime in days (default from config)")
	createCmd.Flags().StringVar(&createEmail, "email", "", "contact email")
	createCmd.Flags().StringVar(&createTelegram, "telegram", "", "telegram handle")
	createCmd.Flags().StringVar(&createNotes, "notes", "", "free-form notes")
	resetCmd.Flags().IntVar(&resetDays, "days", 0, "new lifetime in days (default from config)")
	listCmd.Flags().BoolVar(&listDeleted, "include-deleted", false, "include soft-deleted records")
	listCmd.Flags().BoolVar(&jsonOut, "json", false, "emit JSON")
	showCmd.Flags().BoolVar(&jsonOut, "json", false, "emit JSON")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum number of entries")

	rootCmd.AddCommand(createCmd, blockCmd, unblockCmd, deleteCmd, extendCmd,
		resetCmd, rotateCmd, sweepCmd, listCmd, showCmd, historyCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	username := args[0]
	if !models.ValidUsername(username) {
		return invalidInput("invalid username %q: use 1-32 characters from [A-Za-z0-9_.-]", username)
	}
	if createDays < 0 {
		return invalidInput("lifetime days must be positive")
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	rec, err := a.coordinator.Create(cmd.Context(), lifecycle.CreateRequest{
		Username:     username,
		LifetimeDays: createDays,
		Email:        createEmail,
		Telegram:     createTelegram,
		Notes:        createNotes,
	})
	if err != nil {
		return err
	}
	fmt.Printf("User %s created, expires %s\n", rec.Username, rec.ExpiresAt.Format("2006-01-02"))
	if rec.ClientConfigPath != "" {
		fmt.Printf("  config: %s\n  qr:     %s\n", rec.ClientConfigPath, rec.QRPath)
	}
	return nil
}

func runBlock(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.coordinator.Block(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("User %s blocked\n", args[0])
	return nil
}

func runUnblock(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.coordinator.Unblock(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("User %s unblocked\n", args[0])
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.coordinator.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("User %s deleted\n", args[0])
	return nil
}

func runExtend(cmd *cobra.Command, args []string) error {
	days, err := parseDays(args[1])
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.coordinator.Extend(cmd.Context(), args[0], days); err != nil {
		return err
	}
	fmt.Printf("User %s extended by %d days\n", args[0], days)
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	if resetDays < 0 {
		return invalidInput("lifetime days must be positive")
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.coordinator.Reset(cmd.Context(), args[0], resetDays); err != nil {
		return err
	}
	fmt.Printf("User %s lifetime reset\n", args[0])
	return nil
}

func runRotate(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	rec, err := a.coordinator.Rotate(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("User %s rotated\n", rec.Username)
	if rec.ClientConfigPath != "" {
		fmt.Printf("  config: %s\n  qr:     %s\n", rec.ClientConfigPath, rec.QRPath)
	}
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	expired, err := a.coordinator.Sweep(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Sweep complete: %d user(s) expired\n", expired)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	users := a.store.List(func(rec *models.UserRecord) bool {
		return listDeleted || !rec.Deleted()
	})
	if jsonOut {
		return printJSON(users)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tSTATUS\tADDRESS\tEXPIRES\tRX\tTX")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
			u.Username, u.Status, u.Address, u.ExpiresAt.Format("2006-01-02"),
			u.TotalReceived, u.TotalSent)
	}
	return w.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	var rec *models.UserRecord
	if r, ok := a.store.Get(args[0]); ok {
		rec = r
	}
	snap := a.aggregator.Snapshot(cmd.Context())
	row := userRow(snap, rec, args[0])
	if row == nil {
		return fmt.Errorf("%w: %s", store.ErrUnknownUser, args[0])
	}
	if jsonOut {
		return printJSON(row)
	}
	printUserRow(row)
	return nil
}

// userRow picks the joined row for username out of the snapshot, falling
// back to a record-only row for soft-deleted users the join leaves out.
func userRow(snap *models.DiagnosticSnapshot, rec *models.UserRecord, username string) *models.UserDiagnostic {
	for i := range snap.Users {
		if snap.Users[i].Username == username {
			return &snap.Users[i]
		}
	}
	if rec == nil {
		return nil
	}
	return &models.UserDiagnostic{Username: rec.Username, Record: rec}
}

func printUserRow(row *models.UserDiagnostic) {
	if rec := row.Record; rec != nil {
		fmt.Printf("Username:   %s\nStatus:     %s\nAddress:    %s\nCreated:    %s\nExpires:    %s\n",
			rec.Username, rec.Status, rec.Address,
			rec.CreatedAt.Format("2006-01-02 15:04"), rec.ExpiresAt.Format("2006-01-02 15:04"))
		if rec.PublicKey != "" {
			fmt.Printf("PublicKey:  %s\n", rec.PublicKey)
		}
		fmt.Printf("Traffic:    rx %d / tx %d bytes\n", rec.TotalReceived, rec.TotalSent)
		if rec.ClientConfigPath != "" {
			fmt.Printf("Artifacts:  %s, %s\n", rec.ClientConfigPath, rec.QRPath)
		}
	} else {
		fmt.Printf("Username:   %s\nStatus:     (no store record)\n", row.Username)
	}

	if cfg := row.Config; cfg != nil {
		state := "present"
		if cfg.Commented {
			state = "commented out"
		}
		fmt.Printf("Config:     %s, AllowedIPs %s\n", state, strings.Join(cfg.AllowedIPs, ", "))
	} else {
		fmt.Println("Config:     no peer block")
	}

	if live := row.Live; live != nil {
		handshake := "never"
		if live.LatestHandshake != nil {
			handshake = live.LatestHandshake.Format("2006-01-02 15:04:05")
		}
		endpoint := ""
		if live.Endpoint != "" {
			endpoint = ", endpoint " + live.Endpoint
		}
		fmt.Printf("Live:       handshake %s, rx %d / tx %d bytes%s\n",
			handshake, live.ReceiveBytes, live.TransmitBytes, endpoint)
	} else {
		fmt.Println("Live:       no active peer")
	}

	if len(row.Drift) > 0 {
		flags := make([]string, 0, len(row.Drift))
		for _, d := range row.Drift {
			flags = append(flags, string(d))
		}
		fmt.Printf("Drift:      %s\n", strings.Join(flags, ", "))
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if a.journal == nil {
		return fmt.Errorf("audit journal is not configured")
	}
	entries, err := a.journal.History(args[0], historyLimit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOK\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", e.At.Format("2006-01-02 15:04:05"), e.Action, e.Success, e.Detail)
	}
	return w.Flush()
}

func parseDays(raw string) (int, error) {
	var days int
	if _, err := fmt.Sscanf(raw, "%d", &days); err != nil || days <= 0 {
		return 0, invalidInput("invalid day count %q", raw)
	}
	return days, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
