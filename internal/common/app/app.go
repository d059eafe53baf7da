package app

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// CreateContextWithShutdown returns a context cancelled on the first SIGINT or SIGTERM.
// A second signal is left to the default handler and kills the process.
func CreateContextWithShutdown() context.Context {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		log.Info("Shutdown signal received")
		stop()
	}()
	return ctx
}
