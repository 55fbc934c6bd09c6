package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/licht8/pyWGgen-sub000/shared/models"
)

var (
	diagnoseCmd = &cobra.Command{
		Use:   "diagnose",
		Short: "Join the store, the server config, and the live daemon into one report",
		Args:  cobra.NoArgs,
		RunE:  runDiagnose,
	}
	askCmd = &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask the configured LLM analyzer about the current server state",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}
)

func init() {
	diagnoseCmd.Flags().BoolVar(&jsonOut, "json", false, "emit the raw snapshot as JSON")
	rootCmd.AddCommand(diagnoseCmd, askCmd)
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	snap := a.aggregator.Snapshot(cmd.Context())
	if jsonOut {
		return printJSON(snap)
	}
	printSnapshot(snap)
	return nil
}

func printSnapshot(snap *models.DiagnosticSnapshot) {
	fmt.Printf("Host %s, uptime %ds\n", snap.Hostname, snap.UptimeSeconds)
	if snap.Interface != nil {
		fmt.Printf("Interface %s: service=%t link=%t port=%d peers=%d\n",
			snap.Interface.Name, snap.Interface.ServiceActive, snap.Interface.LinkUp,
			snap.Interface.ListenPort, snap.Interface.PeerCount)
	}
	if snap.Firewall != nil {
		fmt.Printf("Firewall zone=%s vpn_port_open=%t\n", snap.Firewall.Zone, snap.Firewall.VPNPortOpen)
	}
	if snap.NAT != nil {
		fmt.Printf("NAT forwarding=%t masquerade=%t\n", snap.NAT.IPForwarding, snap.NAT.OK())
	}
	fmt.Printf("Users: db=%d cfg=%d live=%d blocked=%d\n",
		snap.Totals.DatabaseUsers, snap.Totals.ConfiguredPeers,
		snap.Totals.LivePeers, snap.Totals.BlockedUsers)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tSTATUS\tADDRESS\tHANDSHAKE\tRX\tTX\tDRIFT")
	for _, u := range snap.Users {
		status, address := "-", "-"
		if u.Record != nil {
			status = string(u.Record.Status)
			address = u.Record.Address
		} else if u.Config != nil && len(u.Config.AllowedIPs) > 0 {
			address = u.Config.AllowedIPs[0]
		}
		handshake := "never"
		if u.Live != nil && u.Live.LatestHandshake != nil {
			handshake = u.Live.LatestHandshake.Format("15:04:05")
		}
		var rx, tx uint64
		if u.Live != nil {
			rx, tx = u.Live.ReceiveBytes, u.Live.TransmitBytes
		}
		drift := make([]string, 0, len(u.Drift))
		for _, d := range u.Drift {
			drift = append(drift, string(d))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			u.Username, status, address, handshake, rx, tx, strings.Join(drift, ","))
	}
	w.Flush()

	for _, perr := range snap.ProbeErrors {
		fmt.Fprintln(os.Stderr, "probe:", perr)
	}
}

func runAsk(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	question := strings.Join(args, " ")
	if err := a.analyzer.Health(cmd.Context()); err != nil {
		return err
	}
	snap := a.aggregator.Snapshot(cmd.Context())
	answer, err := a.analyzer.Ask(cmd.Context(), snap, question)
	if err != nil {
		return err
	}
	fmt.Println(answer)
	return nil
}
