package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"passkey_relay/internal/protocol/keyagreement"
	"passkey_relay/internal/service/app"
	"passkey_relay/internal/utils/log"
)

func main() {
	var (
		host     string
		origin   string
		logLevel string
	)

	root := &cobra.Command{
		Use:          "relay-client",
		Short:        "Dapp console for a wallet passkey relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := log.Init(logLevel); err != nil {
				return err
			}
			defer log.Sync()

			session := app.NewSession(keyagreement.NewManager(), origin)
			a := app.NewApp(session, host)

			done := make(chan os.Signal, 1)
			signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-done
				a.Stop()
			}()

			if err := a.Run(cmd.Context()); err != nil {
				log.Error("client stopped", zap.Error(err))
				return err
			}
			return nil
		},
	}
	root.Flags().StringVar(&host, "relay", "localhost:9090", "relay host:port")
	root.Flags().StringVar(&origin, "origin", "http://localhost:3000", "origin reported to the wallet")
	root.Flags().StringVar(&logLevel, "log-level", "error", "zap log level")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
