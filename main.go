package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/xiaot623/gogo/turnrouter/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("turnrouter failed")
		os.Exit(1)
	}
}
