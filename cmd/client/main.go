// Headless realtime client: connects, announces presence and logs merged
// events. Handy for poking at a running relay from two terminals.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wayfarer/realtime/internal/app"
	"github.com/wayfarer/realtime/internal/app/call"
	"github.com/wayfarer/realtime/internal/config"
	"github.com/wayfarer/realtime/internal/domain"
)

func main() {
	userFlag := flag.String("user", "", "user id")
	tokenFlag := flag.String("token", "", "bearer token")
	callFlag := flag.String("call", "", "user id to call after connecting")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	if *userFlag == "" || *tokenFlag == "" {
		log.Fatal().Msg("-user and -token are required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	user := domain.UserID(*userFlag)
	sess := app.NewSession(cfg, user, *tokenFlag, call.DeviceSource{})
	defer sess.Close()

	sess.Messages.OnInvalidate(func(convKey string) {
		log.Info().Str("conversation", convKey).Msg("messages updated")
	})
	sess.Notify.OnChange(func(unread int) {
		log.Info().Int("unread", unread).Msg("notifications updated")
	})
	sess.Calls.OnIncoming(func(ic *call.IncomingCall) {
		log.Info().Str("from", string(ic.From)).Msg("incoming call, accepting")
		go func() {
			cs, err := ic.Accept(ctx)
			if err != nil {
				log.Error().Err(err).Msg("accept failed")
				return
			}
			cs.OnState(func(st call.State, cause error) {
				log.Info().Str("state", st.String()).Err(cause).Msg("call state")
			})
		}()
	})

	if err := sess.Start(ctx, *tokenFlag); err != nil {
		log.Fatal().Err(err).Msg("connect failed")
	}
	log.Info().Str("user", string(user)).Msg("connected")

	if *callFlag != "" {
		go func() {
			cs, err := sess.Calls.Call(ctx, domain.UserID(*callFlag))
			if err != nil {
				log.Error().Err(err).Msg("call failed")
				return
			}
			cs.OnState(func(st call.State, cause error) {
				log.Info().Str("state", st.String()).Err(cause).Msg("call state")
			})
		}()
	}

	<-ctx.Done()
}
