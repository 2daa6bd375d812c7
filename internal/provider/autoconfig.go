package provider

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/pkg/types"
)

// Resolver answers "what profile does this address use" for domains the
// static registry does not know, by querying the Thunderbird autoconfig
// database. Results are cached per domain.
type Resolver struct {
	client  *http.Client
	cache   *lru.Cache[string, *types.ProviderProfile]
	logger  *logrus.Logger
	baseURL string
}

// NewResolver creates an autoconfig resolver with a bounded domain cache.
func NewResolver(logger *logrus.Logger) (*Resolver, error) {
	cache, err := lru.New[string, *types.ProviderProfile](256)
	if err != nil {
		return nil, fmt.Errorf("failed to create autoconfig cache: %w", err)
	}
	return &Resolver{
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   cache,
		logger:  logger,
		baseURL: "https://autoconfig.thunderbird.net/v1.1/",
	}, nil
}

// clientConfig mirrors the subset of the autoconfig XML document we need.
type clientConfig struct {
	EmailProvider struct {
		IncomingServers []autoconfigServer `xml:"incomingServer"`
		OutgoingServers []autoconfigServer `xml:"outgoingServer"`
	} `xml:"emailProvider"`
}

type autoconfigServer struct {
	Type       string `xml:"type,attr"`
	Hostname   string `xml:"hostname"`
	Port       int    `xml:"port"`
	SocketType string `xml:"socketType"`
}

// Resolve returns the profile for an email address: static registry first,
// then the cached autoconfig lookup, then the custom fallback.
func (r *Resolver) Resolve(ctx context.Context, email string) *types.ProviderProfile {
	if p, ok := ForDomain(email); ok {
		return p
	}
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return Lookup(nil)
	}
	domain := strings.ToLower(email[at+1:])

	if p, ok := r.cache.Get(domain); ok {
		return p
	}
	p, err := r.discover(ctx, domain)
	if err != nil {
		r.logger.WithError(err).WithField("domain", domain).Debug("Autoconfig discovery failed, using custom profile")
		custom := *profiles["custom"]
		custom.IMAPHost = "imap." + domain
		custom.SMTPHost = "smtp." + domain
		p = &custom
	}
	r.cache.Add(domain, p)
	return p
}

func (r *Resolver) discover(ctx context.Context, domain string) (*types.ProviderProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+domain, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("autoconfig request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("autoconfig returned status %d for %s", resp.StatusCode, domain)
	}

	var doc clientConfig
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode autoconfig document: %w", err)
	}

	profile := *profiles["custom"]
	profile.DisplayName = domain
	for _, s := range doc.EmailProvider.IncomingServers {
		if s.Type != "imap" {
			continue
		}
		profile.IMAPHost = s.Hostname
		profile.IMAPPort = s.Port
		profile.IMAPSecurity = socketSecurity(s.SocketType)
		break
	}
	for _, s := range doc.EmailProvider.OutgoingServers {
		if s.Type != "smtp" {
			continue
		}
		profile.SMTPHost = s.Hostname
		profile.SMTPPort = s.Port
		profile.SMTPSecurity = socketSecurity(s.SocketType)
		break
	}
	if profile.IMAPHost == "" {
		return nil, fmt.Errorf("autoconfig document for %s lists no IMAP server", domain)
	}
	return &profile, nil
}

func socketSecurity(socketType string) types.SecurityMode {
	if strings.EqualFold(socketType, "STARTTLS") {
		return types.SecurityStartTLS
	}
	return types.SecurityTLS
}
