package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloacina-io/cloacina/internal/store"
)

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Verify the configured backend is reachable and queryable",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		st, err := openStore(ctx, cfg)
		if err != nil {
			fail(exitDatabase, "connect: %v", err)
		}
		defer st.Close()

		if _, err := st.ListExecutions(ctx, store.ExecutionFilter{Limit: 1}); err != nil {
			fail(exitDatabase, "query: %v", err)
		}

		fmt.Println("ok")
		return nil
	},
}
