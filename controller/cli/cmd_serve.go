package cli

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/licht8/pyWGgen-sub000/controller/api"
)

var (
	tokenTTL time.Duration

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/JSON admin binding",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP binding",
		Args:  cobra.NoArgs,
		RunE:  runToken,
	}
)

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(serveCmd, tokenCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.API.TokenSecret == "" {
		return fmt.Errorf("api.token_secret must be set to run the HTTP binding")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := api.NewServer(a.coordinator, a.store, a.journal, a.aggregator, a.analyzer,
		a.cfg.API.TokenSecret, a.logger)
	return srv.ListenAndServe(ctx, a.cfg.API.Addr)
}

func runToken(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.API.TokenSecret == "" {
		return fmt.Errorf("api.token_secret must be set before minting tokens")
	}
	token, err := api.MintToken(a.cfg.API.TokenSecret, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
