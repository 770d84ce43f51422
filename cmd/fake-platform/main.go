package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/austindbirch/harborbot/internal/config"
	"github.com/austindbirch/harborbot/internal/logging"
	"github.com/austindbirch/harborbot/internal/secrets"
)

const serviceName = "harborbot-fake-platform"

// optionsFromSecrets trusts the app key and commit-signing key found in the
// bot's own secrets directory. The signing key is optional.
func optionsFromSecrets(store *secrets.Store, log *logging.Logger) (Options, error) {
	creds, err := store.LoadAll(secrets.KindAppID, secrets.KindAppPrivateKey)
	if err != nil {
		return Options{}, err
	}
	appID, err := creds[secrets.KindAppID].AppID()
	if err != nil {
		return Options{}, err
	}
	key, err := creds[secrets.KindAppPrivateKey].RSAKey()
	if err != nil {
		return Options{}, err
	}
	opts := Options{AppID: appID, AppKey: &key.PublicKey, Logger: log}

	if sk, err := store.Load(secrets.KindSigningKey); err != nil {
		log.Plain().WithError(err).Warn("no signing key, commit signatures will report unknown_key")
	} else if signer, err := sk.SSHSigner(); err != nil {
		return Options{}, err
	} else {
		opts.SigningKey = signer.PublicKey()
	}
	return opts, nil
}

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService(serviceName)
	logger := logging.New(serviceName)

	store := secrets.NewStore(cfg.Secrets.Dir, secrets.KindOverrides(cfg.Secrets.Files))
	opts, err := optionsFromSecrets(store, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("app credentials unavailable")
	}
	opts.FailFirstN = cfg.FakePlatform.FailFirstN
	opts.Delay = time.Duration(cfg.FakePlatform.ResponseDelayMS) * time.Millisecond

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	srv := &http.Server{
		Addr:         cfg.FakePlatform.Port,
		Handler:      newServer(opts).routes(),
		ReadTimeout:  cfg.FakePlatform.ReadTimeout,
		WriteTimeout: cfg.FakePlatform.WriteTimeout,
		IdleTimeout:  cfg.FakePlatform.IdleTimeout,
	}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":         srv.Addr,
			"app_id":       opts.AppID,
			"fail_first_n": opts.FailFirstN,
			"delay":        opts.Delay.String(),
		}).Info("fake platform listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("fake platform server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Plain().Info("fake platform stopped")
}
