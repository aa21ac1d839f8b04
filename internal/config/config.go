// Package config handles GoCast configuration loading and management
package config

import (
	"fmt"
	"time"

	"github.com/gocast/gocast/pkg/vibe"
)

// Config represents the complete GoCast server configuration
type Config struct {
	Server    ServerConfig
	SSL       SSLConfig
	Limits    LimitsConfig
	Auth      AuthConfig
	Logging   LoggingConfig
	Mounts    map[string]*MountConfig
	Admin     AdminConfig
	Directory DirectoryConfig
	Relay     RelayConfig
}

// ServerConfig contains server-level settings
type ServerConfig struct {
	Hostname      string
	ListenAddress string
	Port          int
	AdminRoot     string
	Location      string
	ServerID      string
}

// SSLConfig contains manually-provisioned TLS termination settings.
// There is no automatic certificate management; operators supply a
// certificate and key pair out of band.
type SSLConfig struct {
	Enabled  bool
	Port     int
	CertPath string
	KeyPath  string
}

// LimitsConfig contains resource limits
type LimitsConfig struct {
	MaxClients           int
	MaxSources           int
	MaxListenersPerMount int
	QueueSize            int
	ClientTimeout        time.Duration
	HeaderTimeout        time.Duration
	SourceTimeout        time.Duration
	BurstSize            int
}

// AuthConfig contains authentication settings
type AuthConfig struct {
	SourcePassword string
	RelayPassword  string
	AdminUser      string
	AdminPassword  string
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	AccessLog string
	ErrorLog  string
	LogLevel  string
	LogSize   int
}

// MountConfig contains per-mount settings
type MountConfig struct {
	Name                string
	Password            string
	MaxListeners        int
	FallbackMount       string
	Genre               string
	Description         string
	URL                 string
	Bitrate             int
	Type                string
	Public              bool
	StreamName          string
	Hidden              bool
	BurstSize           int
	AllowedIPs          []string
	DeniedIPs           []string
	DumpFile            string
	MaxListenerDuration time.Duration

	// ICYMetaInterval is the byte period between ICY metadata inserts
	// advertised to listeners that request icy-metadata. 0 uses the
	// package default (16000).
	ICYMetaInterval int

	// MaxUnprocessedBytes bounds how many trailing bytes MpegSync may
	// carry over before it gives up on resynchronizing and tears the
	// source down. See spec.md's "unprocessed > 8000" design note.
	MaxUnprocessedBytes int

	// Charset is the encoding inline ICY StreamTitle/StreamUrl tags
	// arrive in. Defaults to ISO8859-1, the Shoutcast-era convention.
	Charset string
}

// AdminConfig contains admin interface settings
type AdminConfig struct {
	Enabled  bool
	User     string
	Password string
}

// DirectoryConfig contains directory/YP settings
type DirectoryConfig struct {
	Enabled  bool
	YPURLs   []string
	Interval time.Duration
}

// MasterPeerConfig is a peer this server polls for its stream list.
type MasterPeerConfig struct {
	Host     string
	Port     int
	SSL      bool
	User     string
	Password string
}

// RelayMasterEntry is one candidate upstream for a relay mount, tried in
// order until one accepts the connection.
type RelayMasterEntry struct {
	Host    string
	Port    int
	Mount   string
	Bind    string
	Timeout time.Duration
}

// RelayMountConfig describes one statically configured relay: a local
// mount populated by pulling from a remote server.
type RelayMountConfig struct {
	LocalMount  string
	Masters     []RelayMasterEntry
	Username    string
	Password    string
	Mp3Metadata bool
	OnDemand    bool
	Interval    time.Duration
}

// RelayConfig holds the relay/slave subsystem's static configuration:
// master peers to poll for stream lists, and individually configured relays.
type RelayConfig struct {
	MasterUpdateInterval time.Duration
	Masters              []MasterPeerConfig
	Relays               []RelayMountConfig
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Hostname:      "localhost",
			ListenAddress: "0.0.0.0",
			Port:          8000,
			AdminRoot:     "/admin",
			Location:      "Earth",
			ServerID:      "GoCast",
		},
		SSL: SSLConfig{
			Enabled: false,
			Port:    8443,
		},
		Relay: RelayConfig{
			MasterUpdateInterval: 120 * time.Second,
		},
		Limits: LimitsConfig{
			MaxClients:           100,
			MaxSources:           10,
			MaxListenersPerMount: 100,
			QueueSize:            262144, // 256KB (reduced for lower latency)
			ClientTimeout:        30 * time.Second,
			HeaderTimeout:        15 * time.Second,
			SourceTimeout:        10 * time.Second,
			BurstSize:            16384, // 16KB (reduced for faster start)
		},
		Auth: AuthConfig{
			SourcePassword: "hackme",
			RelayPassword:  "",
			AdminUser:      "admin",
			AdminPassword:  "hackme",
		},
		Logging: LoggingConfig{
			AccessLog: "/var/log/gocast/access.log",
			ErrorLog:  "/var/log/gocast/error.log",
			LogLevel:  "info",
			LogSize:   10000,
		},
		Mounts: make(map[string]*MountConfig),
		Admin: AdminConfig{
			Enabled:  true,
			User:     "admin",
			Password: "hackme",
		},
		Directory: DirectoryConfig{
			Enabled:  false,
			YPURLs:   []string{},
			Interval: 10 * time.Minute,
		},
	}
}

// Load loads configuration from a VIBE file
func Load(filename string) (*Config, error) {
	v, err := vibe.ParseFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := DefaultConfig()

	// Server configuration
	if server := v.GetObject("server"); server != nil {
		cfg.Server.Hostname = v.GetStringDefault("server.hostname", cfg.Server.Hostname)
		cfg.Server.ListenAddress = v.GetStringDefault("server.listen", cfg.Server.ListenAddress)
		cfg.Server.Port = int(v.GetIntDefault("server.port", int64(cfg.Server.Port)))
		cfg.SSL.Port = int(v.GetIntDefault("server.ssl_port", int64(cfg.SSL.Port)))
		cfg.SSL.Enabled = v.GetBoolDefault("server.ssl.enabled", cfg.SSL.Enabled)
		cfg.SSL.CertPath = v.GetStringDefault("server.ssl.cert", cfg.SSL.CertPath)
		cfg.SSL.KeyPath = v.GetStringDefault("server.ssl.key", cfg.SSL.KeyPath)
		cfg.Server.AdminRoot = v.GetStringDefault("server.admin_root", cfg.Server.AdminRoot)
		cfg.Server.Location = v.GetStringDefault("server.location", cfg.Server.Location)
		cfg.Server.ServerID = v.GetStringDefault("server.server_id", cfg.Server.ServerID)
	}

	// Limits configuration
	if limits := v.GetObject("limits"); limits != nil {
		cfg.Limits.MaxClients = int(v.GetIntDefault("limits.max_clients", int64(cfg.Limits.MaxClients)))
		cfg.Limits.MaxSources = int(v.GetIntDefault("limits.max_sources", int64(cfg.Limits.MaxSources)))
		cfg.Limits.MaxListenersPerMount = int(v.GetIntDefault("limits.max_listeners_per_mount", int64(cfg.Limits.MaxListenersPerMount)))
		cfg.Limits.QueueSize = int(v.GetIntDefault("limits.queue_size", int64(cfg.Limits.QueueSize)))
		cfg.Limits.BurstSize = int(v.GetIntDefault("limits.burst_size", int64(cfg.Limits.BurstSize)))

		if timeout := v.GetInt("limits.client_timeout"); timeout > 0 {
			cfg.Limits.ClientTimeout = time.Duration(timeout) * time.Second
		}
		if timeout := v.GetInt("limits.header_timeout"); timeout > 0 {
			cfg.Limits.HeaderTimeout = time.Duration(timeout) * time.Second
		}
		if timeout := v.GetInt("limits.source_timeout"); timeout > 0 {
			cfg.Limits.SourceTimeout = time.Duration(timeout) * time.Second
		}
	}

	// Auth configuration
	if auth := v.GetObject("auth"); auth != nil {
		cfg.Auth.SourcePassword = v.GetStringDefault("auth.source_password", cfg.Auth.SourcePassword)
		cfg.Auth.RelayPassword = v.GetStringDefault("auth.relay_password", cfg.Auth.RelayPassword)
		cfg.Auth.AdminUser = v.GetStringDefault("auth.admin_user", cfg.Auth.AdminUser)
		cfg.Auth.AdminPassword = v.GetStringDefault("auth.admin_password", cfg.Auth.AdminPassword)
	}

	// Logging configuration
	if logging := v.GetObject("logging"); logging != nil {
		cfg.Logging.AccessLog = v.GetStringDefault("logging.access_log", cfg.Logging.AccessLog)
		cfg.Logging.ErrorLog = v.GetStringDefault("logging.error_log", cfg.Logging.ErrorLog)
		cfg.Logging.LogLevel = v.GetStringDefault("logging.level", cfg.Logging.LogLevel)
		cfg.Logging.LogSize = int(v.GetIntDefault("logging.log_size", int64(cfg.Logging.LogSize)))
	}

	// Mount configurations
	if mounts := v.GetObject("mounts"); mounts != nil {
		for _, key := range mounts.Keys {
			mountPath := "mounts." + key
			mountValue := v.GetObject(mountPath)
			if mountValue == nil {
				continue
			}

			mountName := "/" + key
			if key[0] == '/' {
				mountName = key
			}

			mount := &MountConfig{
				Name:          mountName,
				Password:      v.GetStringDefault(mountPath+".password", cfg.Auth.SourcePassword),
				MaxListeners:  int(v.GetIntDefault(mountPath+".max_listeners", int64(cfg.Limits.MaxListenersPerMount))),
				FallbackMount: v.GetStringDefault(mountPath+".fallback", ""),
				Genre:         v.GetStringDefault(mountPath+".genre", ""),
				Description:   v.GetStringDefault(mountPath+".description", ""),
				URL:           v.GetStringDefault(mountPath+".url", ""),
				Bitrate:       int(v.GetIntDefault(mountPath+".bitrate", 128)),
				Type:          v.GetStringDefault(mountPath+".type", "audio/mpeg"),
				Public:        v.GetBoolDefault(mountPath+".public", true),
				StreamName:    v.GetStringDefault(mountPath+".stream_name", key),
				Hidden:        v.GetBoolDefault(mountPath+".hidden", false),
				BurstSize:     int(v.GetIntDefault(mountPath+".burst_size", int64(cfg.Limits.BurstSize))),
				AllowedIPs:    v.GetStringArray(mountPath + ".allowed_ips"),
				DeniedIPs:     v.GetStringArray(mountPath + ".denied_ips"),
				DumpFile:      v.GetStringDefault(mountPath+".dump_file", ""),

				ICYMetaInterval:     int(v.GetIntDefault(mountPath+".icy_meta_interval", 16000)),
				MaxUnprocessedBytes: int(v.GetIntDefault(mountPath+".max_unprocessed_bytes", 8000)),
				Charset:             v.GetStringDefault(mountPath+".charset", "ISO8859-1"),
			}

			if duration := v.GetInt(mountPath + ".max_listener_duration"); duration > 0 {
				mount.MaxListenerDuration = time.Duration(duration) * time.Second
			}

			cfg.Mounts[mountName] = mount
		}
	}

	// Admin configuration
	if admin := v.GetObject("admin"); admin != nil {
		cfg.Admin.Enabled = v.GetBoolDefault("admin.enabled", cfg.Admin.Enabled)
		cfg.Admin.User = v.GetStringDefault("admin.user", cfg.Admin.User)
		cfg.Admin.Password = v.GetStringDefault("admin.password", cfg.Admin.Password)
	}

	// Directory/YP configuration
	if directory := v.GetObject("directory"); directory != nil {
		cfg.Directory.Enabled = v.GetBoolDefault("directory.enabled", cfg.Directory.Enabled)
		cfg.Directory.YPURLs = v.GetStringArray("directory.yp_urls")
		if interval := v.GetInt("directory.interval"); interval > 0 {
			cfg.Directory.Interval = time.Duration(interval) * time.Second
		}
	}

	// Master peers to poll for their stream list
	if relay := v.GetObject("relay"); relay != nil {
		if interval := v.GetInt("relay.master_update_interval"); interval > 0 {
			cfg.Relay.MasterUpdateInterval = time.Duration(interval) * time.Second
		}

		if masters := v.GetArray("relay.masters"); masters != nil {
			for i := range masters {
				base := fmt.Sprintf("relay.masters.%d", i)
				cfg.Relay.Masters = append(cfg.Relay.Masters, MasterPeerConfig{
					Host:     v.GetStringDefault(base+".host", ""),
					Port:     int(v.GetIntDefault(base+".port", 8000)),
					SSL:      v.GetBoolDefault(base+".ssl", false),
					User:     v.GetStringDefault(base+".user", "admin"),
					Password: v.GetStringDefault(base+".password", ""),
				})
			}
		}

		if relays := v.GetArray("relay.relays"); relays != nil {
			for i := range relays {
				base := fmt.Sprintf("relay.relays.%d", i)
				rc := RelayMountConfig{
					LocalMount:  v.GetStringDefault(base+".local_mount", ""),
					Username:    v.GetStringDefault(base+".username", ""),
					Password:    v.GetStringDefault(base+".password", ""),
					Mp3Metadata: v.GetBoolDefault(base+".mp3_metadata", true),
					OnDemand:    v.GetBoolDefault(base+".on_demand", false),
					Interval:    15 * time.Second,
				}
				if interval := v.GetInt(base + ".interval"); interval > 0 {
					rc.Interval = time.Duration(interval) * time.Second
				}
				if masters := v.GetArray(base + ".masters"); masters != nil {
					for j := range masters {
						mbase := fmt.Sprintf("%s.masters.%d", base, j)
						timeout := 4 * time.Second
						if t := v.GetInt(mbase + ".timeout"); t > 0 {
							timeout = time.Duration(t) * time.Second
						}
						rc.Masters = append(rc.Masters, RelayMasterEntry{
							Host:    v.GetStringDefault(mbase+".host", ""),
							Port:    int(v.GetIntDefault(mbase+".port", 8000)),
							Mount:   v.GetStringDefault(mbase+".mount", rc.LocalMount),
							Bind:    v.GetStringDefault(mbase+".bind", ""),
							Timeout: timeout,
						})
					}
				}
				if rc.LocalMount != "" && len(rc.Masters) > 0 {
					cfg.Relay.Relays = append(cfg.Relay.Relays, rc)
				}
			}
		}
	}

	return cfg, nil
}

// GetMountConfig returns the configuration for a specific mount
// If no specific configuration exists, returns a default configuration
func (c *Config) GetMountConfig(mountPath string) *MountConfig {
	if mount, exists := c.Mounts[mountPath]; exists {
		return mount
	}

	// Return a default mount config
	return &MountConfig{
		Name:                mountPath,
		Password:            c.Auth.SourcePassword,
		MaxListeners:        c.Limits.MaxListenersPerMount,
		Type:                "audio/mpeg",
		Public:              true,
		BurstSize:           c.Limits.BurstSize,
		ICYMetaInterval:     16000,
		MaxUnprocessedBytes: 8000,
		Charset:             "ISO8859-1",
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.SSL.Enabled {
		if c.SSL.CertPath == "" {
			return fmt.Errorf("SSL enabled but no certificate path specified")
		}
		if c.SSL.KeyPath == "" {
			return fmt.Errorf("SSL enabled but no key path specified")
		}
	}

	if c.Limits.MaxClients <= 0 {
		return fmt.Errorf("max_clients must be positive")
	}

	if c.Limits.MaxSources <= 0 {
		return fmt.Errorf("max_sources must be positive")
	}

	return nil
}
