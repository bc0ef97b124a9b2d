// Command trialmesh runs the workflow orchestration server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/trialmesh/trialmesh"
	"github.com/trialmesh/trialmesh/internal/api"
	"github.com/trialmesh/trialmesh/internal/config"
	"github.com/trialmesh/trialmesh/internal/logging"
	"github.com/trialmesh/trialmesh/internal/monitoring"
	"github.com/trialmesh/trialmesh/internal/screening"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "trialmesh",
		Short: "Federated clinical-trial workflow orchestrator",
	}
	root.AddCommand(serveCmd())
	return root
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewDefault()

	orc, err := trialmesh.New(ctx,
		trialmesh.WithLogger(logger),
		trialmesh.WithJobWorkers(cfg.JobWorkers),
		trialmesh.WithSiteTimeout(cfg.SiteTimeout),
	)
	if err != nil {
		return err
	}
	defer orc.Close()

	for _, id := range cfg.ScreeningSites {
		site := screening.NewSite(id, logger)
		if cfg.SeedDemoData {
			seedScreeningSite(site)
		}
		if err := orc.RegisterScreeningSite(site); err != nil {
			return err
		}
	}
	for _, id := range cfg.MonitoringSites {
		site := monitoring.NewSite(id, logger)
		if cfg.SeedDemoData {
			seedMonitoringSite(site)
		}
		if err := orc.RegisterMonitoringSite(site); err != nil {
			return err
		}
	}

	server := api.NewServer(orc, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-stop:
	case <-ctx.Done():
	}

	logger.Info(ctx, "Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func seedScreeningSite(site *screening.Site) {
	site.LoadPatients(
		screening.PatientRecord{ID: "demo-1", Age: 52, Sex: "F",
			Conditions: []string{"nsclc"}, Labs: map[string]float64{"egfr": 78}},
		screening.PatientRecord{ID: "demo-2", Age: 67, Sex: "M",
			Conditions: []string{"nsclc", "hypertension"}, Labs: map[string]float64{"egfr": 55}},
		screening.PatientRecord{ID: "demo-3", Age: 44, Sex: "F",
			Conditions: []string{"sclc"}, Labs: map[string]float64{"egfr": 90}},
	)
}

func seedMonitoringSite(site *monitoring.Site) {
	site.LoadPatients(
		monitoring.PatientStatus{PatientID: "demo-1", Active: true, Response: "partial_response"},
		monitoring.PatientStatus{PatientID: "demo-2", Active: false, DropoutReason: "withdrew_consent"},
	)
	site.LoadVisits(
		monitoring.Visit{PatientID: "demo-1", Completed: true},
		monitoring.Visit{PatientID: "demo-2", Missed: true},
	)
	site.LoadAdverseEvents(
		monitoring.AdverseEvent{PatientID: "demo-1", Type: "fatigue", Grade: 1},
	)
	site.LoadLabs(
		monitoring.LabResult{PatientID: "demo-1", Name: "hemoglobin", Value: 12.1},
	)
}
