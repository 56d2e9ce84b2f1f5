// Command msystemsd runs the government e-services integration: the MPass
// login endpoints, the MPay payment-gateway SOAP endpoint, and the MConnect
// person-registry client behind them.
package main

import (
	"context"
	"crypto/x509"
	"database/sql"
	"encoding/base64"
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openimis/msystems/internal/adapters/driven/envelope"
	"github.com/openimis/msystems/internal/adapters/driven/metrics"
	"github.com/openimis/msystems/internal/adapters/driven/registry"
	"github.com/openimis/msystems/internal/adapters/driven/store"
	"github.com/openimis/msystems/internal/adapters/driving/mpass"
	"github.com/openimis/msystems/internal/adapters/driving/mpay"
	"github.com/openimis/msystems/internal/config"
	"github.com/openimis/msystems/internal/core/ports"
	"github.com/openimis/msystems/internal/core/service"
)

func main() {
	configPath := flag.String("config", "/etc/msystems/config.yaml", "path to the configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var policy ports.VerifyPolicy = ports.AlwaysVerify
	if !cfg.Verify() {
		policy = ports.NeverVerify
		logger.Warn("incoming envelope verification is disabled")
	}

	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := store.RunMigrations(cfg.Database.DSN); err != nil {
		return err
	}
	identityStore := store.NewPostgres(db)

	recorder := metrics.NewPrometheusMetricsRecorder()
	reconciler := service.NewReconciler(identityStore,
		cfg.Reconciliation.FallbackRole, cfg.Reconciliation.HomeLocationCode, recorder, logger)

	personRegistry, err := buildMConnect(cfg, policy, recorder, logger)
	if err != nil {
		return err
	}
	mpassHandler, err := buildMPass(cfg, reconciler, personRegistry, recorder, logger)
	if err != nil {
		return err
	}
	mpayServer, err := buildMPay(cfg, identityStore, policy, recorder, logger)
	if err != nil {
		return err
	}

	router := chi.NewRouter()
	router.Mount("/msystems", mpassHandler.Routes())
	router.Post("/mpay/soap", mpayServer.ServeHTTP)
	router.Get("/mpay/payment", mpayServer.RedirectHandler)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-stop:
	}

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func buildMPass(cfg *config.Config, reconciler *service.Reconciler, personRegistry ports.PersonRegistry, recorder ports.MetricsRecorder, logger *zap.Logger) (*mpass.Handler, error) {
	key, err := config.LoadPrivateKey(cfg.SAML.KeyFile)
	if err != nil {
		return nil, err
	}
	cert, err := config.LoadCertificate(cfg.SAML.CertificateFile)
	if err != nil {
		return nil, err
	}

	sessionKey := key
	if cfg.Session.SigningKeyFile != "" {
		sessionKey, err = config.LoadPrivateKey(cfg.Session.SigningKeyFile)
		if err != nil {
			return nil, err
		}
	}

	acsURL, err := url.Parse(cfg.SAML.ACSURL)
	if err != nil {
		return nil, err
	}
	metadataURL, err := url.Parse(cfg.SAML.MetadataURL)
	if err != nil {
		return nil, err
	}

	var idpCerts []string
	for _, path := range cfg.SAML.IdP.CertificateFiles {
		idpCert, err := config.LoadCertificate(path)
		if err != nil {
			return nil, err
		}
		idpCerts = append(idpCerts, certBase64(idpCert))
	}

	svc := mpass.NewService(
		cfg.SAML.EntityID, acsURL, metadataURL, key, cert,
		mpass.IdPConfig{
			EntityID:     cfg.SAML.IdP.EntityID,
			SSOURL:       cfg.SAML.IdP.SSOURL,
			Certificates: idpCerts,
		},
		cfg.Keys(), reconciler,
		mpass.NewSessionStore(sessionKey, cfg.Session.Duration.Std()),
		recorder, logger)

	return mpass.NewHandler(svc, personRegistry, cfg.SAML.SuccessURL,
		rate.Limit(cfg.SAML.LoginRatePerSecond), cfg.SAML.LoginBurst, logger), nil
}

func buildMPay(cfg *config.Config, orders ports.OrderStore, policy ports.VerifyPolicy, recorder ports.MetricsRecorder, logger *zap.Logger) (*mpay.Server, error) {
	key, err := config.LoadPrivateKey(cfg.MPay.KeyFile)
	if err != nil {
		return nil, err
	}
	cert, err := config.LoadCertificate(cfg.MPay.CertificateFile)
	if err != nil {
		return nil, err
	}
	gatewayCert := cert
	if cfg.MPay.GatewayCertificateFile != "" {
		gatewayCert, err = config.LoadCertificate(cfg.MPay.GatewayCertificateFile)
		if err != nil {
			return nil, err
		}
	}

	codec := envelope.NewCodec(key, cert, gatewayCert, policy, logger)
	return mpay.NewServer(mpay.Config{
		ServiceID: cfg.MPay.ServiceID,
		DestinationAccount: mpay.PaymentAccount{
			BankAccount:       cfg.MPay.DestinationAccount.BankAccount,
			BankCode:          cfg.MPay.DestinationAccount.BankCode,
			BankFiscalCode:    cfg.MPay.DestinationAccount.BankFiscalCode,
			BeneficiaryName:   cfg.MPay.DestinationAccount.BeneficiaryName,
			ConfigurationCode: cfg.MPay.DestinationAccount.ConfigurationCode,
		},
		Currency:    cfg.MPay.Currency,
		Reason:      cfg.MPay.Reason,
		PaymentURL:  cfg.MPay.URL,
		PaymentPath: cfg.MPay.PaymentPath,
	}, codec, orders, recorder, logger), nil
}

func certBase64(cert *x509.Certificate) string {
	return base64.StdEncoding.EncodeToString(cert.Raw)
}

func buildMConnect(cfg *config.Config, policy ports.VerifyPolicy, recorder ports.MetricsRecorder, logger *zap.Logger) (ports.PersonRegistry, error) {
	key, err := config.LoadPrivateKey(cfg.MConnect.KeyFile)
	if err != nil {
		return nil, err
	}
	cert, err := config.LoadCertificate(cfg.MConnect.CertificateFile)
	if err != nil {
		return nil, err
	}
	registryCert := cert
	if cfg.MConnect.RegistryCertificateFile != "" {
		registryCert, err = config.LoadCertificate(cfg.MConnect.RegistryCertificateFile)
		if err != nil {
			return nil, err
		}
	}

	codec := envelope.NewCodec(key, cert, registryCert, policy, logger)
	return registry.NewClient(cfg.MConnect.URL, registry.CallContext{
		CallingUser:   cfg.MConnect.CallingUser,
		CallingEntity: cfg.MConnect.CallingEntity,
		CallBasis:     cfg.MConnect.CallBasis,
		CallReason:    cfg.MConnect.CallReason,
	}, codec, recorder, logger), nil
}
