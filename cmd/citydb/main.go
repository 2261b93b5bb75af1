package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	_ "github.com/ruslano69/citydb-tool/pkg/adapters/mssql"
	_ "github.com/ruslano69/citydb-tool/pkg/adapters/mysql"
	_ "github.com/ruslano69/citydb-tool/pkg/adapters/postgres"
	_ "github.com/ruslano69/citydb-tool/pkg/adapters/sqlite"
)

// exitAborted - код выхода при отмене пользователем (128 + SIGINT)
const exitAborted = 130

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCommand().ExecuteContext(ctx)
	stop()

	switch {
	case err == nil:
	case errors.Is(err, errAborted):
		os.Exit(exitAborted)
	default:
		log.Error().Err(err).Msg("citydb failed")
		os.Exit(1)
	}
}
