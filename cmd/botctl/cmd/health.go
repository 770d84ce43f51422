package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var errNotServing = errors.New("gateway is not serving")

var healthService string

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the webhook gateway",
	Long: `Check the gateway's gRPC health service. The gateway reports SERVING only
while its broker and dedup backend answer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		conn, err := grpc.NewClient(grpcAddr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		)
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer conn.Close()

		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: healthService})
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			if err := printJSON(out, resp); err != nil {
				return err
			}
		} else if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			fmt.Fprintf(out, "✓ Gateway is healthy (%s)\n", grpcAddr)
		} else {
			fmt.Fprintf(out, "✗ Gateway is %s (%s)\n", resp.GetStatus(), grpcAddr)
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			return errNotServing
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().StringVar(&healthService, "service", "harborbot.gateway", "health service name (empty for the server as a whole)")
}
