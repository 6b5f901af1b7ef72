package app

import (
	"context"
	"encoding/json"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dermalink/consult-agent/internal/api"
	"github.com/dermalink/consult-agent/internal/call"
	"github.com/dermalink/consult-agent/internal/channel"
	"github.com/dermalink/consult-agent/internal/config"
	"github.com/dermalink/consult-agent/internal/notify"
	"github.com/dermalink/consult-agent/internal/proto"
	"github.com/dermalink/consult-agent/internal/store"
	"github.com/dermalink/consult-agent/internal/store/sqlite"
	"github.com/dermalink/consult-agent/internal/token"
)

// App wires the channel, negotiator, dispatcher and control API together.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	ch              *channel.Channel
	negotiator      *call.Negotiator
	dispatcher      *notify.Dispatcher
	store           store.Store
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("call history store initialized")

	tokens := token.NewFileSource(cfg.TokenPath, logger)

	ch := channel.New(channel.Options{
		Endpoint:     cfg.SignalURL,
		Tokens:       tokens,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
	}, logger)

	backend := notify.NewClient(cfg.APIBaseURL, tokens, cfg.RequestTimeout)
	dispatcher := notify.NewDispatcher(backend, logger)
	dispatcher.Attach(ch)

	selfID := cfg.SelfID
	if selfID == "" {
		selfID = token.UserID(tokens)
	}

	negotiator := call.NewNegotiator(ch, call.Options{
		SelfID:      selfID,
		STUNServers: cfg.STUNServers,
		RingTimeout: cfg.RingTimeout,
	}, st, logger)
	negotiator.Attach()
	negotiator.OnIncomingCall(func(offer proto.CallOffer) {
		logger.Info().
			Str("from", offer.From).
			Str("chat_id", offer.ChatID).
			Str("kind", string(offer.Type)).
			Msg("incoming call waiting for accept")
	})

	ch.OnStateChange(func(s channel.State) {
		logger.Info().Str("state", s.String()).Msg("signal channel state")
	})
	ch.Subscribe(proto.EventNewMessage, func(data json.RawMessage) {
		v, err := proto.Decode(proto.EventNewMessage, data)
		if err != nil {
			logger.Warn().Err(err).Msg("bad new-message payload")
			return
		}
		msg := v.(*proto.NewMessage)
		logger.Debug().Str("sender", msg.SenderID).Str("content", msg.Content).Msg("chat message received")
	})

	server := api.NewServer(cfg, ch, dispatcher, negotiator, st, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		ch:              ch,
		negotiator:      negotiator,
		dispatcher:      dispatcher,
		store:           st,
		log:             logger,
	}, nil
}

// Run starts the channel and control API and blocks until context
// cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	if err := a.ch.Open(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("open channel: %w", err)
	}

	// Prime the ledger; a failing backend is not fatal, the dispatcher
	// retries on the next push or API call.
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.dispatcher.FetchAll(fetchCtx); err != nil {
		a.log.Warn().Err(err).Msg("initial notification fetch failed")
	}
	cancel()

	serverErr := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("control api listening")
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down control api")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup tears down the negotiator, channel and store.
func (a *App) cleanup() {
	a.negotiator.Close()
	a.dispatcher.Detach()
	a.ch.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
