package app

import (
	"fmt"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/modempeer/cmd/mpeer-fwupdate/app/options"
	"github.com/autopeer-io/modempeer/pkg/app"
	"github.com/autopeer-io/modempeer/pkg/log"
)

const (
	commandName = "mpeer-fwupdate"
	commandDesc = `The modempeer update daemon flashes the WWAN module from the packages in
its package directory. It switches the module to bootloader mode, flashes every
partition, restores the carrier configuration and retries failed attempts within
persisted limits. It exits non-zero after requesting a hardware reset.`
)

func NewApp() *app.App {
	opts := options.NewUpdaterOptions()
	application := app.NewApp(
		commandName,
		"Launch the modempeer firmware update daemon",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithRunFunc(run(opts)),
	)
	return application
}

func run(opts *options.UpdaterOptions) app.RunFunc {
	return func() error {
		log.Init(opts.Log)
		defer log.Sync()

		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		updater, err := cfg.NewUpdater()
		if err != nil {
			return fmt.Errorf("failed to create updater: %w", err)
		}

		return updater.Run(ctx)
	}
}
