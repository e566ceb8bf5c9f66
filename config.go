package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind    string
	port    int
	prefix  string
	profile bool
	tlsCert string
	tlsKey  string
	verbose bool
	version bool

	maxPlayers     int
	maxCharge      int
	selfCharge     int
	hostileCharge  int
	assistCharge   int
	selfPoints     int64
	hostilePoints  int64
	assistPoints   int64
	powerups       []string
	powerupPolicy  string
	rateLimit      int
	rateWindow     time.Duration
	sweepInterval  time.Duration
	snapshotEvery  time.Duration
	snapshotDir    string
	snapshotDSN    string
	viewerQueue    int
	reconnectGrace time.Duration
	sessionTimeout time.Duration
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.maxPlayers < 1 {
		return fmt.Errorf("invalid max player count: %d", c.maxPlayers)
	}
	if c.maxCharge < 1 {
		return fmt.Errorf("invalid max charge: %d", c.maxCharge)
	}
	if c.selfCharge < 1 || c.selfCharge >= c.hostileCharge || c.hostileCharge >= c.assistCharge {
		return fmt.Errorf("charge increments must be positive and strictly ordered self < hostile < assist: %d/%d/%d",
			c.selfCharge, c.hostileCharge, c.assistCharge)
	}
	if c.selfPoints < 1 || c.hostilePoints < 1 || c.assistPoints < 1 {
		return errors.New("point amounts must be positive (hostile clicks subtract their amount)")
	}
	if c.rateLimit < 1 || c.rateWindow <= 0 {
		return fmt.Errorf("invalid rate limit: %d per %s", c.rateLimit, c.rateWindow)
	}
	if c.sweepInterval <= 0 {
		return fmt.Errorf("invalid sweep interval: %s", c.sweepInterval)
	}
	if c.viewerQueue < 1 {
		return fmt.Errorf("invalid viewer queue depth: %d", c.viewerQueue)
	}
	if c.snapshotDir != "" && c.snapshotDSN != "" {
		return errors.New("--snapshot-dir and --snapshot-dsn are mutually exclusive")
	}
	switch c.powerupPolicy {
	case policyRotate, policyRandom:
	default:
		return fmt.Errorf("invalid powerup policy (must be %q or %q): %q", policyRotate, policyRandom, c.powerupPolicy)
	}
	if _, err := parseCatalog(c.powerups); err != nil {
		return err
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func (c *Config) catalog() []PowerupSpec {
	catalog, err := parseCatalog(c.powerups)
	if err != nil {
		// validate() has already rejected unparseable entries
		panic(err)
	}
	return catalog
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("CLICKNAME")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "clickname",
		Short:         "Realtime scoring server for the click-the-name game.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: CLICKNAME_BIND)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: CLICKNAME_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: CLICKNAME_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: CLICKNAME_PROFILE)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: CLICKNAME_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: CLICKNAME_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: CLICKNAME_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: CLICKNAME_VERSION)")

	fs.IntVar(&cfg.maxPlayers, "max-players", 64, "maximum concurrent players per game (env: CLICKNAME_MAX_PLAYERS)")
	fs.IntVar(&cfg.maxCharge, "max-charge", 100, "charge required to unlock a powerup (env: CLICKNAME_MAX_CHARGE)")
	fs.IntVar(&cfg.selfCharge, "self-charge", 5, "charge gained per self click (env: CLICKNAME_SELF_CHARGE)")
	fs.IntVar(&cfg.hostileCharge, "hostile-charge", 10, "charge gained per hostile click (env: CLICKNAME_HOSTILE_CHARGE)")
	fs.IntVar(&cfg.assistCharge, "assist-charge", 15, "charge gained per assist click (env: CLICKNAME_ASSIST_CHARGE)")
	fs.Int64Var(&cfg.selfPoints, "self-points", 1, "points gained per self click (env: CLICKNAME_SELF_POINTS)")
	fs.Int64Var(&cfg.hostilePoints, "hostile-points", 3, "points the target loses per hostile click (env: CLICKNAME_HOSTILE_POINTS)")
	fs.Int64Var(&cfg.assistPoints, "assist-points", 2, "points the target gains per assist click (env: CLICKNAME_ASSIST_POINTS)")
	fs.StringSliceVar(&cfg.powerups, "powerup", defaultPowerups, "powerup catalog entry, kind:outgoing:incoming:duration (env: CLICKNAME_POWERUP)")
	fs.StringVar(&cfg.powerupPolicy, "powerup-policy", policyRotate, "powerup selection policy, rotate or random (env: CLICKNAME_POWERUP_POLICY)")
	fs.IntVar(&cfg.rateLimit, "rate-limit", 25, "maximum actions per player per rate window (env: CLICKNAME_RATE_LIMIT)")
	fs.DurationVar(&cfg.rateWindow, "rate-window", time.Second, "rolling rate limit window (env: CLICKNAME_RATE_WINDOW)")
	fs.DurationVar(&cfg.sweepInterval, "sweep-interval", time.Second, "interval between powerup expiry sweeps (env: CLICKNAME_SWEEP_INTERVAL)")
	fs.DurationVar(&cfg.snapshotEvery, "snapshot-interval", 30*time.Second, "interval between durable snapshots (env: CLICKNAME_SNAPSHOT_INTERVAL)")
	fs.StringVar(&cfg.snapshotDir, "snapshot-dir", "", "directory for snapshot blobs, empty to disable (env: CLICKNAME_SNAPSHOT_DIR)")
	fs.StringVar(&cfg.snapshotDSN, "snapshot-dsn", "", "postgres dsn for snapshot blobs, empty to disable (env: CLICKNAME_SNAPSHOT_DSN)")
	fs.IntVar(&cfg.viewerQueue, "viewer-queue", 64, "per-viewer send queue depth before a lagging viewer is dropped (env: CLICKNAME_VIEWER_QUEUE)")
	fs.DurationVar(&cfg.reconnectGrace, "reconnect-grace", 10*time.Minute, "time a disconnected player's score is held for reconnection (env: CLICKNAME_RECONNECT_GRACE)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle game sessions are ended (env: CLICKNAME_IDLE_SESSION_TIMEOUT)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("clickname v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
