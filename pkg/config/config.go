package config

import (
	"fmt"
	"time"
)

// this holds the resolved configuration values from CLI
//
//nolint:lll // readablity
var (
	WaitForServices   string // duration to wait for other services to be ready
	LogLevel          string // sets the log level (zap log level values)
	LogFormat         string // text vs json
	LogFilter         string // zapfilter rules, e.g. "*:* debug:livetiming"
	LogFile           string // if set, logs are written to this (rotated) file
	EnableTelemetry   bool   // enable telemetry
	TelemetryEndpoint string // endpoint for telemetry
	TelemetryStdout   bool   // export telemetry to stdout instead of the endpoint
	ProfilingPort     int    // port for profiling
	Addr              string // listen addr for http server (insecure, h2c)
	TLSAddr           string // listen addr for http server (tls)
	TLSCertFile       string // path to TLS certificate
	TLSKeyFile        string // path to TLS key
	TLSCAFile         string // path to TLS CA
	TraefikCerts      string // path to traefik certs file
	TraefikCertDomain string // the domain to lookup within the traefik certs

	LivetimingURL      string   // base url for negotiation, ws/wss is derived
	LivetimingHub      string   // hub name
	LivetimingProtocol string   // client protocol version
	Streams            []string // subscribed stream names
	SubscribeDelay     string   // delay between socket open and subscribe
	ReconnectBase      string   // first reconnect delay
	ReconnectMax       string   // upper bound for reconnect delays
	ReconnectAttempts  int      // max reconnect attempts before giving up

	StandingsURL     string // base url of the standings api
	StandingsSession string // session uuid to poll
	StandingsAPIKey  string // sent as X-Api-Key
	StandingsToken   string // optional bearer token

	PollInterval       string // standings poll interval and freshness window
	HeartbeatInterval  string // viewer heartbeat interval
	EventCountry       string // country name of the event location
	EventCountryAlpha3 string // ISO alpha3 code of the event location
	DisconnectWhenIdle bool   // close the realtime socket when the last viewer leaves
)

// Config holds the processed configuration values which are used by the application
type Config struct {
	SubscribeDelay    time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	WaitForServices   time.Duration
}

// Resolve parses the duration globals. Invalid values fall back to the
// given defaults and are reported via the returned warnings.
func Resolve() (Config, []error) {
	var warnings []error
	d := func(name, val string, def time.Duration) time.Duration {
		if val == "" {
			return def
		}
		ret, err := time.ParseDuration(val)
		if err != nil {
			warnings = append(warnings,
				fmt.Errorf("invalid duration %q for %s, using %s: %w", val, name, def, err))
			return def
		}
		return ret
	}
	return Config{
		SubscribeDelay:    d("subscribe-delay", SubscribeDelay, 250*time.Millisecond),
		ReconnectBase:     d("reconnect-base", ReconnectBase, time.Second),
		ReconnectMax:      d("reconnect-max", ReconnectMax, 30*time.Second),
		PollInterval:      d("poll-interval", PollInterval, time.Second),
		HeartbeatInterval: d("heartbeat-interval", HeartbeatInterval, 30*time.Second),
		WaitForServices:   d("wait-for-services", WaitForServices, 60*time.Second),
	}, warnings
}
