// Command OpenChannel relays chat conversations between Skype (and other chat
// channels) and the Motion helpdesk.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/BTreeMap/OpenChannel/internal/api"
	"github.com/BTreeMap/OpenChannel/internal/botframework"
	"github.com/BTreeMap/OpenChannel/internal/channel"
	"github.com/BTreeMap/OpenChannel/internal/helpdesk"
	"github.com/BTreeMap/OpenChannel/internal/lockfile"
	"github.com/BTreeMap/OpenChannel/internal/recovery"
	"github.com/BTreeMap/OpenChannel/internal/relay"
	"github.com/BTreeMap/OpenChannel/internal/store"
	"github.com/BTreeMap/OpenChannel/internal/transfer"
	"github.com/BTreeMap/OpenChannel/internal/twiliowhatsapp"
	"github.com/BTreeMap/OpenChannel/internal/util"
	"github.com/BTreeMap/OpenChannel/internal/whatsapp"
)

// Webhook paths served next to /sendMessage
const (
	BotFrameworkWebhookPath = "/api/messages"
	TwilioWebhookPath       = "/twilio/webhook"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load .env before viper reads the environment
	loadDotEnv()

	flags, err := parseCommandLineFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		slog.Error("OpenChannel configuration rejected", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("Bootstrapping OpenChannel", "api_addr", cfg.APIAddr, "state_dir", cfg.StateDir)
	if err := run(ctx, cfg, flags); err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			slog.Error("OpenChannel is already running", "error", err)
		} else {
			slog.Error("OpenChannel failed to run", "error", err)
		}
		os.Exit(1)
	}
	slog.Info("OpenChannel exited successfully")
}

// initializeLogger sets up structured logging. Debug output is on unless OPENCHANNEL_DEBUG=false.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv(EnvPrefix+"_DEBUG", true) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// run wires the modules together and serves until ctx is cancelled.
func run(ctx context.Context, cfg Config, flags Flags) error {
	lock, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.New(buildStoreOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	tr, err := transfer.New(buildTransferOptions(cfg)...)
	if err != nil {
		st.Close()
		return fmt.Errorf("create attachment transferer: %w", err)
	}
	hd, err := helpdesk.NewClient(buildHelpdeskOptions(cfg)...)
	if err != nil {
		st.Close()
		return fmt.Errorf("create helpdesk client: %w", err)
	}

	// The state directory is locked, so anything left in staging belongs to a dead process
	rm := recovery.NewManager()
	rm.Register(recovery.StoreCheck{Store: st})
	rm.Register(recovery.NewStagingSweeper(tr.StagingDir(), 0))
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery incomplete", "error", err)
	}

	registry := channel.NewRegistry()
	inbound := relay.NewInbound(st, hd, tr, registry,
		relay.WithInboundTimeout(util.ParseDurationEnv(EnvPrefix+"_INBOUND_TIMEOUT", relay.DefaultInboundTimeout)))
	outbound := relay.NewOutbound(st, hd, tr, registry,
		relay.WithOutboundTimeout(util.ParseDurationEnv(EnvPrefix+"_OUTBOUND_TIMEOUT", relay.DefaultOutboundTimeout)))

	webhooks, err := registerChannels(ctx, cfg, flags, registry, inbound)
	if err != nil {
		registry.Close()
		st.Close()
		return err
	}
	slog.Info("Channels registered", "channels", registry.IDs())

	apiOpts := append(webhooks,
		api.WithAddr(cfg.APIAddr),
		api.WithShutdownTimeout(cfg.ShutdownTimeout),
		// Hooks run in order: event sources registered above detach first, then
		// background relays drain before the store and channels they use go away
		api.WithShutdownHook(inbound.Wait),
		api.WithShutdownHook(func(context.Context) error { return registry.Close() }),
		api.WithShutdownHook(func(context.Context) error { return st.Close() }),
	)
	srv, err := api.NewServer(outbound, st, apiOpts...)
	if err != nil {
		registry.Close()
		st.Close()
		return err
	}
	return srv.Run(ctx)
}

// registerChannels builds every configured channel adapter and returns the webhook mounts they need.
// Bot Framework is always present and is the fallback for addresses without a known channel.
func registerChannels(ctx context.Context, cfg Config, flags Flags, registry *channel.Registry, dispatcher channel.InboundDispatcher) ([]api.Option, error) {
	var webhooks []api.Option

	bf, err := botframework.New(dispatcher, buildBotFrameworkOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("create Bot Framework adapter: %w", err)
	}
	if err := registry.Register(bf, botframework.Aliases...); err != nil {
		return nil, err
	}
	if err := registry.SetDefault(botframework.ChannelID); err != nil {
		return nil, err
	}
	webhooks = append(webhooks, api.WithWebhook(BotFrameworkWebhookPath, bf))

	if cfg.TwilioAccountSID != "" {
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFrom),
		)
		if err != nil {
			return nil, fmt.Errorf("create Twilio client: %w", err)
		}
		adapter, err := twiliowhatsapp.NewAdapter(client, dispatcher, buildTwilioAdapterOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("create Twilio adapter: %w", err)
		}
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
		webhooks = append(webhooks, api.WithWebhook(TwilioWebhookPath, adapter))
	}

	if cfg.WhatsAppEnabled {
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(cfg, flags)...)
		if err != nil {
			return nil, fmt.Errorf("create WhatsApp client: %w", err)
		}
		adapter, err := whatsapp.NewAdapter(client, dispatcher, client.OwnJID(), "")
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("create WhatsApp adapter: %w", err)
		}
		if err := registry.Register(adapter); err != nil {
			client.Close()
			return nil, err
		}
		stopListening := adapter.Listen(client)
		webhooks = append(webhooks, api.WithShutdownHook(func(context.Context) error {
			stopListening()
			slog.Debug("WhatsApp listener detached")
			return nil
		}))
	}
	return webhooks, nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(cfg Config) []store.Option {
	slog.Debug("Configuring conversation store", "dsn_type", store.DetectDSNType(cfg.StoreDSN))
	return []store.Option{store.WithDSN(cfg.StoreDSN)}
}

// buildTransferOptions constructs attachment transfer options
func buildTransferOptions(cfg Config) []transfer.Option {
	opts := []transfer.Option{
		transfer.WithStagingDir(filepath.Join(cfg.StateDir, "staging")),
		transfer.WithTimeout(cfg.TransferTimeout),
		transfer.WithMaxBytes(cfg.MaxAttachmentMB << 20),
	}
	if cfg.ProxyURL != "" {
		opts = append(opts, transfer.WithProxy(cfg.ProxyURL, cfg.ProxyToken))
	}
	return opts
}

// buildHelpdeskOptions constructs helpdesk client options
func buildHelpdeskOptions(cfg Config) []helpdesk.Option {
	opts := []helpdesk.Option{helpdesk.WithForwardURL(cfg.URL)}
	if cfg.Domain != "" {
		opts = append(opts, helpdesk.WithDomain(cfg.Domain))
	}
	if cfg.Username != "" {
		opts = append(opts, helpdesk.WithCredentials(cfg.Username, cfg.Password))
	}
	return opts
}

// buildBotFrameworkOptions constructs Bot Framework adapter options
func buildBotFrameworkOptions(cfg Config) []botframework.Option {
	var opts []botframework.Option
	if cfg.AppID != "" {
		opts = append(opts, botframework.WithAppCredentials(cfg.AppID, cfg.AppPassword))
	}
	if cfg.TokenURL != "" {
		opts = append(opts, botframework.WithTokenURL(cfg.TokenURL))
	}
	if cfg.MapKey != "" {
		opts = append(opts, botframework.WithMapKey(cfg.MapKey))
	}
	if len(cfg.IgnoreFrom) > 0 {
		opts = append(opts, botframework.WithIgnoreFrom(cfg.IgnoreFrom...))
	}
	return opts
}

// buildTwilioAdapterOptions constructs Twilio webhook adapter options
func buildTwilioAdapterOptions(cfg Config) []twiliowhatsapp.AdapterOption {
	opts := []twiliowhatsapp.AdapterOption{
		twiliowhatsapp.WithAdapterCredentials(cfg.TwilioAccountSID, cfg.TwilioAuthToken),
		twiliowhatsapp.WithBotNumber(cfg.TwilioFrom),
	}
	if cfg.TwilioWebhookURL != "" {
		opts = append(opts, twiliowhatsapp.WithWebhookURL(cfg.TwilioWebhookURL))
	}
	return opts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(cfg Config, flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if cfg.WhatsAppDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(cfg.WhatsAppDSN))
	}
	return waOpts
}
