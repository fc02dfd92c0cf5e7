// Package main provides a reference agent built on the gateway client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yourorg/agent-gateway/internal/version"
	"github.com/yourorg/agent-gateway/pkg/client"
)

var rootCmd = &cobra.Command{
	Use:   "gateway-agent",
	Short: "Agent Gateway reference agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

func init() {
	rootCmd.Flags().String("server-url", "", "gateway base URL")
	rootCmd.Flags().String("token", "", "agent bearer token")
	rootCmd.Flags().String("secret", "", "agent HMAC secret")
	rootCmd.Flags().Duration("poll-interval", 60*time.Second, "cycle interval")

	viper.BindPFlag("server_url", rootCmd.Flags().Lookup("server-url"))
	viper.BindPFlag("token", rootCmd.Flags().Lookup("token"))
	viper.BindPFlag("secret", rootCmd.Flags().Lookup("secret"))
	viper.BindPFlag("poll_interval", rootCmd.Flags().Lookup("poll-interval"))

	viper.SetEnvPrefix("AGENT")
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAgent() error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	gw, err := client.New(client.Config{
		ServerURL: viper.GetString("server_url"),
		Token:     viper.GetString("token"),
		Secret:    viper.GetString("secret"),
	})
	if err != nil {
		return err
	}

	interval := viper.GetDuration("poll_interval")
	if interval <= 0 {
		interval = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	logger.Info("agent starting",
		zap.String("version", version.Version),
		zap.Duration("poll_interval", interval))

	// fire-and-forget: every cycle is independent, a failed cycle is logged
	// and the next one starts from scratch
	for {
		cycle(ctx, gw, logger)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func cycle(ctx context.Context, gw *client.Client, logger *zap.Logger) {
	hostname, _ := os.Hostname()
	hb := &client.Heartbeat{
		OSType:       runtime.GOOS,
		Hostname:     hostname,
		AgentVersion: version.Version,
	}
	if err := gw.SendHeartbeat(ctx, hb); err != nil {
		logger.Warn("heartbeat failed", zap.Error(err))
		return
	}

	jobs, err := gw.PollJobs(ctx)
	if err != nil {
		logger.Warn("job poll failed", zap.Error(err))
		return
	}

	for _, j := range jobs {
		status, output, jobErr := execute(j)

		report := &client.Report{
			JobID:  j.ID,
			Status: status,
			Output: output,
			Error:  jobErr,
		}
		if err := gw.UploadReport(ctx, report); err != nil {
			logger.Warn("report upload failed",
				zap.String("job_id", j.ID),
				zap.Error(err))
		}

		if err := gw.AckJob(ctx, j.ID, status); err != nil {
			logger.Warn("job ack failed",
				zap.String("job_id", j.ID),
				zap.Error(err))
			continue
		}

		logger.Info("job completed",
			zap.String("job_id", j.ID),
			zap.String("type", j.Type),
			zap.String("status", status))
	}
}

// execute interprets a job payload locally. The gateway treats payloads as
// opaque; which job types exist is decided here.
func execute(j client.Job) (status, output, jobErr string) {
	switch j.Type {
	case "ping":
		return "done", "pong", ""
	default:
		return "failed", "", fmt.Sprintf("job type %q is not supported by this agent build", j.Type)
	}
}
