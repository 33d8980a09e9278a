package app

import (
	"github.com/autopeer-io/modempeer/cmd/mpeerctl/app/options"
	"github.com/autopeer-io/modempeer/pkg/app"
)

const (
	commandName = "mpeerctl"
	commandDesc = `mpeerctl talks to the modempeer daemons: it sends single bus commands,
prints the command table and the persisted update counters, resets those
counters and follows update progress on the broker.`
)

func NewApp() *app.App {
	opts := options.NewCtlOptions()
	return app.NewApp(
		commandName,
		"Operate the modempeer daemons",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithSubcommands(
			newSendCommand(opts),
			newCommandsCommand(),
			newStatusCommand(opts),
			newResetCountersCommand(opts),
			newWatchCommand(opts),
		),
	)
}
