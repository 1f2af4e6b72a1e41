// Package bootstrap implements C11: it loads and validates configuration,
// constructs every actor's topology, and runs the whole thing to
// completion or shutdown (spec.md §4.11). Grounded on the teacher's
// cmd/server/main.go + pkg/server/server.go split — config loading,
// dependency construction and HTTP server startup were already separated
// there; this package is that same split generalized to an
// actor-topology instead of a single HTTP handler.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/tedge-io/tedge-agent/internal/actor"
	"github.com/tedge-io/tedge-agent/internal/bridge"
	"github.com/tedge-io/tedge-agent/internal/children"
	"github.com/tedge-io/tedge-agent/internal/config"
	"github.com/tedge-io/tedge-agent/internal/configmodel"
	"github.com/tedge-io/tedge-agent/internal/diagnostics"
	"github.com/tedge-io/tedge-agent/internal/entity"
	"github.com/tedge-io/tedge-agent/internal/filetransfer"
	"github.com/tedge-io/tedge-agent/internal/fswatch"
	"github.com/tedge-io/tedge-agent/internal/mqttclient"
	"github.com/tedge-io/tedge-agent/internal/operations"
	"github.com/tedge-io/tedge-agent/internal/transfer"
	"github.com/tedge-io/tedge-agent/pkg/model"
)

// ExitCode mirrors spec.md §6's bootstrap CLI exit codes.
type ExitCode int

const (
	ExitOK             ExitCode = 0
	ExitGenericFailure ExitCode = 1
	ExitConfigError    ExitCode = 2
	ExitProfileMissing ExitCode = 3
)

// Error wraps a bootstrap failure with the exit code cmd/tedge-agent
// should report.
type Error struct {
	Code ExitCode
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Options configures one bootstrap run with process-level settings only,
// kept separate from config.Config (the teacher's pkg/server.Config does
// the same split between process-level Config and environment-loaded
// internals); Build still loads tedge.toml from ConfigRoot.
type Options struct {
	ConfigRoot config.Root
	Profile    string // mapper profile ("" selects mappers/custom/...)
	Version    string
}

// Runtime is a fully-built, not-yet-running topology: every C1-C10 actor
// plus the diagnostics HTTP server, ready for Run.
type Runtime struct {
	cfg    *config.Config
	schema entity.Schema

	local        *mqttclient.Client
	remotes      map[string]*mqttclient.Client
	primaryCloud string

	bridgeEngine *bridge.Engine
	registry     *operations.Registry
	coordinator  *children.Coordinator
	configFeed   *configmodel.Feed
	watcher      *fswatch.Watcher
	staging      *children.Staging
	transfer     *transfer.Service
	counters     *diagnostics.Counters
	diagServer   *diagnosticsServer
	router       *watchEventRouter

	dispatch   *dispatcher
	capWatcher *capabilityWatcher

	bridgeUp atomic.Bool
}

// childDispatcher adapts children.Coordinator's mailbox-based start
// channel to operations.ChildDispatcher's synchronous Start method, the
// same adapter shape bridge.Session already avoids needing (mqttclient.Client
// happens to satisfy it directly) — here the shapes really do differ, so a
// small wrapper earns its keep.
type childDispatcher struct {
	coordinator *children.Coordinator
}

func (d childDispatcher) Start(ctx context.Context, op *model.Operation) error {
	select {
	case d.coordinator.InboundStart() <- children.StartRequest{Op: op}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watchEventRouter forwards every fswatch.Watcher event to both configFeed
// and capWatcher; each consumer ignores paths it does not track. It is not itself
// an actor (fswatch.Watcher owns the one inotify-reading loop); it is the
// small piece of plumbing a Run-time goroutine drives between that loop
// and its two consumers.
type watchEventRouter struct {
	watcher    *fswatch.Watcher
	feed       *configmodel.Feed
	capWatcher *capabilityWatcher
}

func (r *watchEventRouter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.watcher.Events():
			if !ok {
				return
			}
			select {
			case r.feed.Inbound() <- ev:
			case <-ctx.Done():
				return
			}
			select {
			case r.capWatcher.Inbound() <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Build loads configuration, validates it, and wires the full actor
// topology. It does not start anything; call Run on the result.
func Build(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := config.Load(opts.ConfigRoot)
	if err != nil {
		return nil, &Error{Code: ExitConfigError, Err: fmt.Errorf("bootstrap: load config: %w", err)}
	}
	if err := validateConfig(cfg); err != nil {
		return nil, &Error{Code: ExitConfigError, Err: err}
	}
	if err := validateProfile(opts.ConfigRoot, opts.Profile); err != nil {
		return nil, err
	}

	schema := entity.NewSchema(cfg.MQTT.Topic.Root)
	healthTopic := schema.TopicOf(model.MainDevice(cfg.Device.ID), model.Channel{Kind: model.ChannelHealth})

	local, err := mqttclient.Dial(ctx, mqttclient.Options{
		Broker:       fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Bind.Address, cfg.MQTT.Bind.Port),
		ClientID:     "tedge-local",
		CleanSession: false,
		LastWill:     &mqttclient.LastWill{Topic: healthTopic, Payload: []byte(`{"status":"down"}`), QoS: 1, Retain: true},
	})
	if err != nil {
		return nil, &Error{Code: ExitGenericFailure, Err: fmt.Errorf("bootstrap: dial local broker: %w", err)}
	}

	remotes := make(map[string]*mqttclient.Client)
	var rules []model.Rule
	for _, cloud := range cfg.ActiveClouds() {
		cc := cloudConfig(cfg, cloud)
		remote, err := mqttclient.Dial(ctx, mqttclient.Options{
			Broker:       fmt.Sprintf("tls://%s:8883", cc.URL),
			ClientID:     fmt.Sprintf("tedge-%s-bridge", cloud),
			CleanSession: false,
			TLS: &mqttclient.TLSOptions{
				CAFile:   cc.RootCertPath,
				CertFile: cfg.Device.CertPath,
				KeyFile:  cfg.Device.KeyPath,
			},
		})
		if err != nil {
			return nil, &Error{Code: ExitGenericFailure, Err: fmt.Errorf("bootstrap: dial %s broker: %w", cloud, err)}
		}
		remotes[cloud] = remote

		cloudRules, err := loadBridgeRules(opts.ConfigRoot, opts.Profile, cloud)
		if err != nil {
			return nil, &Error{Code: ExitConfigError, Err: err}
		}
		rules = append(rules, cloudRules...)
	}
	if len(remotes) == 0 {
		return nil, &Error{Code: ExitConfigError, Err: fmt.Errorf("bootstrap: no cloud configured (c8y/az/aws url)")}
	}

	// Single combined remote session for the bridge engine: with exactly
	// one active cloud (the common case) this is that cloud's session;
	// deployments bridging more than one cloud at once are out of scope
	// here (spec.md §7 treats multi-cloud as a Non-goal for the bridge
	// engine itself, one Engine per cloud being the documented extension
	// point rather than multiplexed rule sets on a single Engine).
	primaryCloud := cfg.ActiveClouds()[0]
	remote := remotes[primaryCloud]

	counters := diagnostics.NewCounters()

	engine := bridge.NewEngine(local, remote, rules, healthTopic, local)
	engine.SetCounters(counters)

	stagingRoot := filepath.Join(cfg.Data.Path, "file-transfer")
	staging := children.NewStaging(
		stagingRoot,
		fmt.Sprintf("http://%s:%d/tedge/file-transfer", cfg.HTTP.Bind.Address, cfg.HTTP.Bind.Port),
	)
	ftHandler := filetransfer.NewHandler(stagingRoot)
	if removed, err := staging.Sweep(map[string]struct{}{}); err != nil {
		log.Warn().Err(err).Msg("bootstrap: orphan sweep failed")
	} else if removed > 0 {
		log.Info().Int("removed", removed).Msg("bootstrap: swept orphaned file-transfer artifacts")
	}

	cloudTopic := func(cloudID string, target model.EntityID) string {
		if cloudID == "" {
			cloudID = primaryCloud
		}
		base := cloudID + "/s/us"
		if target.IsChild() {
			return base + "/" + target.ChildID()
		}
		return base
	}

	xfer := transfer.NewService(nil)

	registry := operations.NewRegistry(schema, local, local, cloudTopic, cfg.Device.ID)
	registry.SetCounters(counters)
	coordinator := children.NewCoordinator(schema, local, local, cloudTopic, staging, xfer)
	coordinator.SetCounters(counters)
	registry.SetChildDispatcher(childDispatcher{coordinator})

	var feedTargets []configmodel.Target
	for _, cloud := range cfg.ActiveClouds() {
		feedTargets = append(feedTargets,
			configmodel.Target{
				Entity: model.MainDevice(cfg.Device.ID),
				Path:   filepath.Join(string(opts.ConfigRoot), cloud, "tedge-configuration-plugin.toml"),
				Kind:   configmodel.KindConfig,
			},
			configmodel.Target{
				Entity: model.MainDevice(cfg.Device.ID),
				Path:   filepath.Join(string(opts.ConfigRoot), cloud, "tedge-log-plugin.toml"),
				Kind:   configmodel.KindLog,
			},
		)
	}
	feed := configmodel.NewFeed(local, cloudTopic, primaryCloud, feedTargets)
	if err := feed.LoadAndPublishAll(ctx); err != nil {
		log.Warn().Err(err).Msg("bootstrap: initial supported-types load failed, starting with empty sets")
	}

	opsDirs := make(map[string]string) // dir -> cloud
	watchDirs := append([]string{}, feed.WatchDirs()...)
	for _, cloud := range cfg.ActiveClouds() {
		dir := opts.ConfigRoot.OperationsDir(cloud)
		opsDirs[dir] = cloud
		watchDirs = append(watchDirs, dir)
	}
	watcher, err := fswatch.New(dedupe(watchDirs))
	if err != nil {
		return nil, &Error{Code: ExitGenericFailure, Err: fmt.Errorf("bootstrap: start filesystem watcher: %w", err)}
	}

	capWatcher := newCapabilityWatcher(registry, cfg.Device.ID, opsDirs)

	diagAddr := fmt.Sprintf("%s:%d", cfg.HTTP.Bind.Address, cfg.HTTP.Bind.Port)

	rt := &Runtime{
		cfg: cfg, schema: schema,
		local: local, remotes: remotes, primaryCloud: primaryCloud,
		bridgeEngine: engine, registry: registry, coordinator: coordinator,
		configFeed: feed, watcher: watcher, staging: staging,
		transfer: xfer, counters: counters,
		dispatch:   newDispatcher(local, schema, registry, coordinator, cfg.ActiveClouds(), primaryCloud),
		capWatcher: capWatcher,
		router:     &watchEventRouter{watcher: watcher, feed: feed, capWatcher: capWatcher},
	}
	rt.diagServer = newDiagnosticsServer(diagAddr, counters, opts.Version, func() (bool, string) {
		if rt.bridgeUp.Load() {
			return true, "cloud bridge connected"
		}
		return false, "cloud bridge not yet connected"
	}, ftHandler.Mount)
	return rt, nil
}

// Run starts every actor and blocks until ctx is canceled or an actor
// fails fatally. It requests the pending-operations dump each time the
// primary cloud's remote session connects (spec.md §4.7 "sync on
// restart"), and shuts sessions down in dependency order (bridge last)
// so any terminal cloud message already in flight is flushed first
// (spec.md §4.11).
func (rt *Runtime) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go rt.watchBridgeConnectivity(runCtx)
	go rt.router.run(runCtx)

	err := actor.Run(runCtx,
		rt.bridgeEngine,
		rt.registry,
		rt.coordinator,
		rt.configFeed,
		rt.watcher,
		rt.dispatch,
		rt.capWatcher,
		rt.diagServer,
	)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	rt.local.Drain(shutdownCtx)
	for _, r := range rt.remotes {
		r.Drain(shutdownCtx)
	}
	return err
}

// watchBridgeConnectivity is the sole consumer of the primary remote
// session's ConnUp signal: it flips the shared readiness flag diagnostics
// reads and tells the registry to request the cloud's pending-operations
// dump, each time the bridge (re)connects.
func (rt *Runtime) watchBridgeConnectivity(ctx context.Context) {
	primary := rt.remotes[rt.primaryCloud]
	for {
		select {
		case <-ctx.Done():
			return
		case <-primary.ConnUp():
			rt.bridgeUp.Store(true)
			select {
			case rt.registry.InboundBridgeReady() <- struct{}{}:
			case <-ctx.Done():
				return
			}
		case <-primary.Lost():
			rt.bridgeUp.Store(false)
		}
	}
}

func cloudConfig(cfg *config.Config, cloud string) config.CloudConfig {
	switch cloud {
	case "az":
		return cfg.Az
	case "aws":
		return cfg.Aws
	default:
		return cfg.C8y
	}
}

func loadBridgeRules(root config.Root, profile, cloud string) ([]model.Rule, error) {
	dir := root.MapperBridgeDir(profile)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("bootstrap: read bridge dir %s: %w", dir, err)
	}
	var rules []model.Rule
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), cloud) {
			continue
		}
		conn, err := config.ParseBridgeFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		ruleSet, err := conn.Rules()
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		rules = append(rules, ruleSet...)
	}
	return rules, nil
}

func validateConfig(cfg *config.Config) error {
	if len(cfg.ActiveClouds()) == 0 {
		return fmt.Errorf("bootstrap: at least one cloud URL (c8y.url, az.url, aws.url) must be configured")
	}
	return nil
}

// validateProfile enforces spec.md §4.11's "validate mapper-specific
// directory preconditions; fail fast if a required profile directory is
// missing, listing available profiles".
func validateProfile(root config.Root, profile string) error {
	if profile == "" {
		return nil
	}
	dir := root.MapperBridgeDir(profile)
	if _, err := os.Stat(dir); err != nil {
		available := listProfiles(root)
		return &Error{Code: ExitProfileMissing, Err: fmt.Errorf(
			"bootstrap: mapper profile %q not found at %s; available profiles: %v", profile, dir, available)}
	}
	return nil
}

func listProfiles(root config.Root) []string {
	mappersDir := filepath.Join(string(root), "mappers")
	entries, err := os.ReadDir(mappersDir)
	if err != nil {
		return nil
	}
	var profiles []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if idx := strings.Index(name, "."); idx >= 0 {
			profiles = append(profiles, name[idx+1:])
		}
	}
	return profiles
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
