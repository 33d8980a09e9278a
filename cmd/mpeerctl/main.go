package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/autopeer-io/modempeer/cmd/mpeerctl/app"
)

func main() {
	app.NewApp().Run()
}
