package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/tuner/internal/common"
	"github.com/G-Research/tuner/internal/common/app"
	"github.com/G-Research/tuner/internal/tuner"
	"github.com/G-Research/tuner/internal/tuner/configuration"
)

const defaultConfigPath = "./config/tuner"

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the control plane, optionally submitting groups and experiments from spec files",
		RunE:  run,
	}
	cmd.Flags().StringSlice("group", nil, "Hyperband group spec files (YAML or JSON) to submit once started")
	cmd.Flags().StringSlice("experiment", nil, "Experiment spec files (YAML or JSON) to submit once started")
	cmd.Flags().Uint16("metricsPort", 0, "Port serving /metrics and /health")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	overrides, err := cmd.Flags().GetStringSlice(configFlag)
	if err != nil {
		return err
	}
	groupFiles, err := cmd.Flags().GetStringSlice("group")
	if err != nil {
		return err
	}
	experimentFiles, err := cmd.Flags().GetStringSlice("experiment")
	if err != nil {
		return err
	}

	var config configuration.TunerConfiguration
	common.LoadConfig(&config, defaultConfigPath, overrides, cmd.Flags())

	ctx := app.CreateContextWithShutdown()
	submitter, shutdown, wg := tuner.StartUp(config)
	defer wg.Wait()
	defer shutdown()

	for _, file := range groupFiles {
		var spec tuner.GroupSpec
		if err := tuner.LoadSpec(file, &spec); err != nil {
			return err
		}
		id, err := submitter.SubmitGroup(&spec)
		if err != nil {
			return err
		}
		log.WithField("id", id).Infof("Submitted group %s from %s", spec.Name, file)
	}
	for _, file := range experimentFiles {
		var spec tuner.ExperimentSpec
		if err := tuner.LoadSpec(file, &spec); err != nil {
			return err
		}
		id, err := submitter.SubmitExperiment(&spec)
		if err != nil {
			return err
		}
		log.WithField("id", id).Infof("Submitted experiment %s from %s", spec.Name, file)
	}

	<-ctx.Done()
	log.Info("Shutting down")
	return nil
}
