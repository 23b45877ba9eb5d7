package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"rcs-ims-core/pkg/config"
	"rcs-ims-core/pkg/dispatcher"
	"rcs-ims-core/pkg/ims"
	"rcs-ims-core/pkg/messaging"
	"rcs-ims-core/pkg/metrics"
	"rcs-ims-core/pkg/service"
	"rcs-ims-core/pkg/session"
	imssip "rcs-ims-core/pkg/sip"
	"rcs-ims-core/pkg/util"
)

const (
	shutdownTimeout  = 30 * time.Second
	flushTimeout     = 5 * time.Second
	cleanupInterval  = time.Minute
	amqpRetryBackoff = 30 * time.Second
)

var (
	logger    = logrus.New()
	appConfig *config.Config

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

// sessionServices are the services owning IMS sessions
type sessionServices struct {
	im       *service.InstantMessagingService
	richCall *service.RichCallService
	ipCall   *service.IPCallService
	generic  *service.GenericSipService
}

func (s sessionServices) each(fn func(svc *ims.Service, add func(ims.Listener))) {
	fn(s.im.ImsService(), s.im.AddListener)
	fn(s.richCall.ImsService(), s.richCall.AddListener)
	fn(s.ipCall.ImsService(), s.ipCall.AddListener)
	fn(s.generic.ImsService(), s.generic.AddListener)
}

func main() {
	rootCtx, rootCancel = context.WithCancel(context.Background())
	defer rootCancel()

	var err error
	appConfig, err = config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := appConfig.ApplyLogging(logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply logging configuration")
	}

	logger.WithFields(logrus.Fields{
		"local_address": appConfig.SIP.LocalAddress,
		"local_port":    appConfig.SIP.LocalPort,
		"transport":     appConfig.SIP.Transport,
		"public_uri":    appConfig.SIP.PublicURI,
		"env_file":      appConfig.EnvFile,
	}).Info("Starting RCS IMS client")

	shutdown := util.NewGracefulShutdown(logger, shutdownTimeout)
	if err := run(shutdown); err != nil {
		logger.WithError(err).Error("Startup failed")
		shutdownAll(shutdown)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up...")

	shutdownAll(shutdown)
	logger.Info("RCS IMS client stopped")
}

func shutdownAll(shutdown *util.GracefulShutdown) {
	rootCancel()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdown.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("Shutdown completed with errors")
	}
}

// run wires every component and registers it for shutdown. Lower priorities
// stop first: inbound traffic, then sessions, then their sinks.
func run(shutdown *util.GracefulShutdown) error {
	cfg := appConfig

	metrics.SetMetricsPath(cfg.Metrics.Path)
	metrics.StartMetrics(logger, cfg.Metrics.Enabled)
	if cfg.Metrics.Enabled {
		startMetricsServer(shutdown, cfg.Metrics.Address)
	}

	settings := cfg.Services
	holder := config.NewSettingsHolder(&settings)

	publicURI, err := parseURI(cfg.SIP.PublicURI)
	if err != nil {
		return err
	}
	contact := contactURI(cfg, publicURI)

	transport, err := imssip.NewSipgoTransport(imssip.TransportConfig{
		Network:       cfg.SIP.Transport,
		ListenAddress: net.JoinHostPort(cfg.SIP.ListenAddress, strconv.Itoa(cfg.SIP.LocalPort)),
		Hostname:      contact.Host,
		UserAgent:     cfg.SIP.UserAgent,
		Timeouts:      imssip.DefaultTimeoutConfig(),
	}, logger)
	if err != nil {
		return err
	}

	factory := &imssip.MessageFactory{
		UserAgent:   cfg.SIP.UserAgent,
		InstanceID:  cfg.SIP.InstanceID,
		DisplayName: cfg.SIP.DisplayName,
	}
	core := &ims.Core{
		Logger:             logger,
		Transport:          transport,
		Factory:            factory,
		Settings:           holder,
		Username:           cfg.SIP.Username,
		Password:           cfg.SIP.Password,
		PublicURI:          publicURI,
		Contact:            contact,
		OutboundProxy:      cfg.SIP.OutboundProxy,
		BehindNAT:          cfg.SIP.BehindNAT,
		TransactionTimeout: cfg.SIP.TransactionTimeout,
		Panics:             util.NewPanicHandler(logger),
	}

	intents := dispatcher.NewSipIntentManager()
	capabilities := service.NewCapabilityService(core, intents)
	core.Capabilities = capabilities

	media := service.MediaConfig{
		Address:     contact.Host,
		MsrpPort:    cfg.Media.MsrpPort,
		AudioPort:   cfg.Media.AudioPort,
		VideoPort:   cfg.Media.VideoPort,
		AudioCodecs: service.DefaultMediaConfig(contact.Host).AudioCodecs,
		VideoCodecs: service.DefaultMediaConfig(contact.Host).VideoCodecs,
	}
	invitations := service.AutoAnswer{Accept: cfg.Media.AutoAccept, Logger: logger}

	sessions := sessionServices{
		im: service.NewInstantMessagingService(core, media, invitations, func(r service.DeliveryReport) {
			logger.WithFields(logrus.Fields{"from": r.From, "call_id": r.CallID}).Debug("Delivery report")
		}),
		richCall: service.NewRichCallService(core, media, invitations),
		ipCall:   service.NewIPCallService(core, media, invitations),
		generic:  service.NewGenericSipService(core, media, intents, invitations),
	}
	presence := service.NewPresenceService(logger, nil, func(event string) {
		logger.WithField("event", event).Info("Presence subscription needs renewal")
	})
	terms := service.NewTermsService(logger, func(m service.TermsMessage) {
		logger.WithFields(logrus.Fields{"from": m.From, "content_type": m.ContentType}).Info("Terms and conditions request")
	})

	if err := wireSessionStore(shutdown, cfg, sessions); err != nil {
		return err
	}
	wireEventPublisher(shutdown, cfg, sessions)

	nat := cfg.SIP.NatPublicAddress
	if !cfg.SIP.BehindNAT {
		nat = ""
	}
	disp := dispatcher.NewDispatcher(dispatcher.Config{
		LocalAddress:     cfg.SIP.LocalAddress,
		LocalPort:        cfg.SIP.LocalPort,
		NatPublicAddress: nat,
		NatPublicPort:    cfg.SIP.NatPublicPort,
		InstanceID:       cfg.SIP.InstanceID,
		PublicGRUU:       cfg.SIP.PublicGRUU,
		Settings:         holder,
		Intents:          intents,
		Factory:          factory,
	}, dispatcher.Services{
		Capability:       capabilities,
		InstantMessaging: sessions.im,
		RichCall:         sessions.richCall,
		IPCall:           sessions.ipCall,
		Presence:         presence,
		Terms:            terms,
		GenericSip:       sessions.generic,
	}, logger)
	transport.SetRequestSink(disp)
	disp.Start(rootCtx)

	go func() {
		if err := transport.ListenAndServe(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("SIP transport stopped")
		}
	}()

	shutdown.Register(util.ShutdownResource{
		Name:     "dispatcher",
		Priority: 10,
		Shutdown: func(ctx context.Context) error {
			disp.Close()
			select {
			case <-disp.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	shutdown.Register(util.ShutdownResource{
		Name:     "ims-sessions",
		Priority: 20,
		Shutdown: func(ctx context.Context) error {
			sessions.each(func(svc *ims.Service, _ func(ims.Listener)) {
				svc.TerminateAllSessions(ims.TerminationBySystem)
			})
			capabilities.Close()
			return nil
		},
	})
	shutdown.RegisterCloser("sip-transport", transport, 30)

	if cfg.HotReload.Enabled {
		wireHotReload(shutdown, cfg, holder)
	}

	logger.WithFields(logrus.Fields{
		"contact":     contact.String(),
		"auto_accept": cfg.Media.AutoAccept,
		"tags":        capabilities.LocalFeatureTags(),
	}).Info("RCS IMS client ready")
	return nil
}

// wireSessionStore attaches a recorder writing session records to every
// session service
func wireSessionStore(shutdown *util.GracefulShutdown, cfg *config.Config, sessions sessionServices) error {
	store, err := session.NewStore(cfg.Store, logger)
	if err != nil {
		return err
	}

	nodeID, _ := os.Hostname()
	recorder := session.NewRecorder(store, nodeID, logger)
	sessions.each(func(_ *ims.Service, add func(ims.Listener)) {
		add(recorder)
	})

	if mem, ok := store.(*session.MemoryStore); ok {
		go mem.RunCleanup(rootCtx, cleanupInterval)
	}

	shutdown.Register(util.ShutdownResource{
		Name:     "session-recorder",
		Priority: 40,
		Shutdown: func(ctx context.Context) error {
			recorder.Flush(flushTimeout)
			return store.Close()
		},
	})
	logger.WithField("backend", store.Name()).Info("Session store ready")
	return nil
}

// wireEventPublisher publishes session lifecycle events when AMQP is
// configured. A broker that is down at startup is retried in the background.
func wireEventPublisher(shutdown *util.GracefulShutdown, cfg *config.Config, sessions sessionServices) {
	if cfg.Messaging.URL == "" {
		logger.Info("AMQP not configured, session events are not published")
		return
	}

	client := messaging.NewAMQPClient(logger, messaging.AMQPConfig{
		URL:            cfg.Messaging.URL,
		QueueName:      cfg.Messaging.QueueName,
		ConnectTimeout: cfg.Messaging.ConnectTimeout,
	})
	if err := client.Connect(); err != nil {
		logger.WithError(err).Warn("AMQP broker unavailable, retrying in background")
		go retryConnect(client)
	}

	publisher := messaging.NewSessionEventPublisher(client, logger)
	sessions.each(func(_ *ims.Service, add func(ims.Listener)) {
		add(publisher)
	})

	shutdown.Register(util.ShutdownResource{
		Name:     "session-events",
		Priority: 40,
		Shutdown: func(ctx context.Context) error {
			publisher.Close(flushTimeout)
			client.Disconnect()
			return nil
		},
	})
}

func retryConnect(client *messaging.AMQPClient) {
	ticker := time.NewTicker(amqpRetryBackoff)
	defer ticker.Stop()
	for {
		select {
		case <-rootCtx.Done():
			return
		case <-ticker.C:
			if err := client.Connect(); err != nil {
				logger.WithError(err).Debug("AMQP reconnect failed")
				continue
			}
			return
		}
	}
}

func wireHotReload(shutdown *util.GracefulShutdown, cfg *config.Config, holder *config.SettingsHolder) {
	watcher, err := config.NewWatcher(cfg, holder, logger)
	if err != nil {
		logger.WithError(err).Warn("Hot reload disabled")
		return
	}
	watcher.OnReload(func(oldConfig, newConfig *config.Config) {
		logger.WithFields(logrus.Fields{
			"ringing_period": newConfig.Services.RingingPeriod.String(),
			"session_expire": newConfig.Services.SessionRefreshExpire.String(),
			"refresher":      newConfig.Services.SessionRefresher,
		}).Info("Service settings reloaded")
	})
	if err := watcher.Start(); err != nil {
		logger.WithError(err).Warn("Hot reload disabled")
		return
	}
	shutdown.Register(util.ShutdownResource{
		Name:     "config-watcher",
		Priority: 0,
		Shutdown: func(ctx context.Context) error {
			watcher.Stop()
			return nil
		},
	})
}

func startMetricsServer(shutdown *util.GracefulShutdown, address string) {
	mux := http.NewServeMux()
	metrics.RegisterHandler(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()
	shutdown.Register(util.ShutdownResource{
		Name:     "metrics-server",
		Priority: 50,
		Shutdown: server.Shutdown,
	})
	logger.WithField("address", address).Info("Metrics server started")
}

func parseURI(value string) (sip.Uri, error) {
	var uri sip.Uri
	if err := sip.ParseUri(value, &uri); err != nil {
		return uri, fmt.Errorf("invalid SIP_PUBLIC_URI %q: %w", value, err)
	}
	return uri, nil
}

// contactURI is the address peers reach this client at, the NAT mapping when
// one is known
func contactURI(cfg *config.Config, public sip.Uri) sip.Uri {
	host, port := cfg.SIP.LocalAddress, cfg.SIP.LocalPort
	if cfg.SIP.BehindNAT && cfg.SIP.NatPublicAddress != "" {
		host = cfg.SIP.NatPublicAddress
		if cfg.SIP.NatPublicPort > 0 {
			port = cfg.SIP.NatPublicPort
		}
	}
	return sip.Uri{User: public.User, Host: host, Port: port}
}
