package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/cmd/fullnode/commands"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/config"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/cli"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/log"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conf := config.DefaultConfig()
	logger, err := log.NewDefaultLogger(conf.LogFormat, conf.LogLevel)
	if err != nil {
		panic(err)
	}

	rcmd := commands.RootCommand(conf, logger)
	rcmd.AddCommand(
		commands.MakeInitFilesCommand(conf, logger),
		commands.NewRunNodeCmd(conf, logger),
		commands.MakeImportCommand(conf, logger),
		commands.MakeShowTipCommand(conf),
		commands.MakeUpgradeConfigCommand(conf, logger),
		commands.VersionCmd,
	)

	if err := cli.RunWithTrace(ctx, rcmd); err != nil {
		os.Exit(2)
	}
}
