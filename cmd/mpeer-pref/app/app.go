package app

import (
	"fmt"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/modempeer/cmd/mpeer-pref/app/options"
	"github.com/autopeer-io/modempeer/pkg/app"
	"github.com/autopeer-io/modempeer/pkg/log"
)

const (
	commandName = "mpeer-pref"
	commandDesc = `The modempeer preference daemon resolves the carrier of the inserted SIM,
answers preferred-carrier queries and records firmware update notifications.`
)

func NewApp() *app.App {
	opts := options.NewPrefOptions()
	application := app.NewApp(
		commandName,
		"Launch the modempeer preference daemon",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithRunFunc(run(opts)),
	)
	return application
}

func run(opts *options.PrefOptions) app.RunFunc {
	return func() error {
		log.Init(opts.Log)
		defer log.Sync()

		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		p, err := cfg.NewPref()
		if err != nil {
			return fmt.Errorf("failed to create preference daemon: %w", err)
		}

		return p.Run(ctx)
	}
}
