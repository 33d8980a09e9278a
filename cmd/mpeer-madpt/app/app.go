package app

import (
	"fmt"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/modempeer/cmd/mpeer-madpt/app/options"
	"github.com/autopeer-io/modempeer/pkg/app"
	"github.com/autopeer-io/modempeer/pkg/log"
)

const (
	commandName = "mpeer-madpt"
	commandDesc = `The modempeer modem adapter owns the AT channel of the WWAN module.
It probes MBIM, the vendor CLI and the serial port in that order and answers
the modem commands other daemons send over the bus.`
)

func NewApp() *app.App {
	opts := options.NewAdapterOptions()
	application := app.NewApp(
		commandName,
		"Launch the modempeer modem adapter",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithRunFunc(run(opts)),
	)
	return application
}

func run(opts *options.AdapterOptions) app.RunFunc {
	return func() error {
		log.Init(opts.Log)
		defer log.Sync()

		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		adapter, err := cfg.NewAdapter()
		if err != nil {
			return fmt.Errorf("failed to create modem adapter: %w", err)
		}

		return adapter.Run(ctx)
	}
}
