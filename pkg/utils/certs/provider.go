// Package certs provides a tls.Config whose certificate is reloaded whenever
// the underlying files change.
package certs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/mpapenbr/gridscout-relay/log"
	"github.com/mpapenbr/gridscout-relay/pkg/utils/certs/traefik"
)

var ErrNoCertificate = errors.New("no certificate configured")

type (
	Option   func(*Provider)
	Provider struct {
		log           *log.Logger
		certFile      string
		keyFile       string
		caFile        string
		traefikFile   string
		traefikDomain string

		mu   sync.RWMutex
		cert *tls.Certificate
	}
)

func WithKeyPair(certFile, keyFile string) Option {
	return func(p *Provider) {
		p.certFile = certFile
		p.keyFile = keyFile
	}
}

// WithTraefik reads the certificate for domain from a traefik acme store.
// Takes precedence over WithKeyPair.
func WithTraefik(file, domain string) Option {
	return func(p *Provider) {
		p.traefikFile = file
		p.traefikDomain = domain
	}
}

// WithClientCA enables verification of client certificates if given
func WithClientCA(file string) Option {
	return func(p *Provider) {
		p.caFile = file
	}
}

func WithLogger(l *log.Logger) Option {
	return func(p *Provider) {
		p.log = l
	}
}

func NewProvider(opts ...Option) *Provider {
	p := &Provider{log: log.Default().Named("certs")}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// TLSConfig loads the certificate and starts watching the files for changes
// until ctx is done.
func (p *Provider) TLSConfig(ctx context.Context) (*tls.Config, error) {
	if err := p.load(); err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		GetCertificate: p.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
	if p.caFile != "" {
		p.log.Info("Loading ca cert", log.String("file", p.caFile))
		caCert, err := os.ReadFile(p.caFile)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caCert); !ok {
			return nil, fmt.Errorf("no certificates found in %s", p.caFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	watcher, err := p.newWatcher()
	if err != nil {
		p.log.Warn("certificate reload disabled", log.ErrorField(err))
		return cfg, nil
	}
	go p.watch(ctx, watcher)
	return cfg, nil
}

func (p *Provider) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cert == nil {
		return nil, ErrNoCertificate
	}
	return p.cert, nil
}

func (p *Provider) files() []string {
	if p.traefikFile != "" {
		return []string{p.traefikFile}
	}
	ret := []string{}
	for _, f := range []string{p.certFile, p.keyFile} {
		if f != "" {
			ret = append(ret, f)
		}
	}
	return ret
}

func (p *Provider) newWatcher() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, f := range p.files() {
		if err := watcher.Add(f); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", f, err)
		}
	}
	return watcher, nil
}

func (p *Provider) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			p.log.Debug("context done, stopping cert reload")
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			p.log.Debug("change detected",
				log.String("file", event.Name), log.String("op", event.Op.String()))
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Chmod) ||
				event.Has(fsnotify.Create) {

				p.log.Info("cert file changed, reloading cert",
					log.String("file", event.Name))
				if err := p.load(); err != nil {
					// keep serving the previous certificate
					p.log.Error("could not reload cert", log.ErrorField(err))
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.log.Error("watcher error", log.ErrorField(err))
		}
	}
}

func (p *Provider) load() error {
	var (
		cert tls.Certificate
		err  error
	)
	switch {
	case p.traefikFile != "" && p.traefikDomain != "":
		p.log.Info("Looking up traefik certs",
			log.String("file", p.traefikFile),
			log.String("domain", p.traefikDomain))
		cert, err = traefik.FromFile(p.traefikFile, p.traefikDomain)
	case p.certFile != "" && p.keyFile != "":
		p.log.Info("Loading cert",
			log.String("key", p.keyFile),
			log.String("cert", p.certFile))
		cert, err = tls.LoadX509KeyPair(p.certFile, p.keyFile)
	default:
		return ErrNoCertificate
	}
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cert = &cert
	return nil
}
