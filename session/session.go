// Package session handles portal authentication and session validity checks.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"sph-notifier/pkg/notifier"

	"github.com/codeGROOVE-dev/retry"
	"github.com/go-resty/resty/v2"
	"golang.org/x/net/publicsuffix"
)

// Cookie names used by the portal.
const (
	SIDCookie      = "sid"
	SessionCookie  = "SPH-Session"
	ValidityCookie = "i"

	// InvalidSentinel is the value of ValidityCookie for an unauthenticated session.
	InvalidSentinel = "0"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Config holds portal endpoints and account credentials.
type Config struct {
	LoginURL  string // Login endpoint; "?i=<site id>" is appended when it has no query
	PortalURL string // Portal root used for the validity probe
	SiteID    string
	Username  string
	Password  string
	Timeout   time.Duration
}

// Manager owns the portal session credential.
type Manager struct {
	http     *resty.Client
	logger   *slog.Logger
	loginURL *url.URL
	portal   *url.URL
	cfg      Config
	cred     notifier.Credential
}

// New creates a session manager in the unauthenticated state.
func New(cfg Config, logger *slog.Logger) (*Manager, error) {
	loginURL, err := url.Parse(cfg.LoginURL)
	if err != nil {
		return nil, fmt.Errorf("parse login url: %w", err)
	}
	if loginURL.RawQuery == "" && cfg.SiteID != "" {
		loginURL.RawQuery = url.Values{"i": {cfg.SiteID}}.Encode()
	}
	portal, err := url.Parse(cfg.PortalURL)
	if err != nil {
		return nil, fmt.Errorf("parse portal url: %w", err)
	}

	client := resty.New()
	client.SetHeader("User-Agent", userAgent)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	m := &Manager{
		http:     client,
		logger:   logger,
		loginURL: loginURL,
		portal:   portal,
		cfg:      cfg,
	}
	if err := m.resetJar(); err != nil {
		return nil, err
	}
	return m, nil
}

// Current returns the credential held by the manager (zero when unauthenticated).
func (m *Manager) Current() notifier.Credential {
	return m.cred
}

// Ensure returns a valid credential, logging in again when the current one is
// missing or rejected by the portal. A failed probe is returned as an error and
// leaves the current credential in place.
func (m *Manager) Ensure(ctx context.Context) (notifier.Credential, error) {
	if !m.cred.IsZero() {
		valid, err := m.CheckValidity(ctx, m.cred)
		if err != nil {
			return notifier.Credential{}, fmt.Errorf("check session: %w", err)
		}
		if valid {
			m.logger.Debug("Session still valid", "credential", m.cred.String())
			return m.cred, nil
		}
		m.logger.Info("Session expired, logging in again", "credential", m.cred.String())
	}

	cred, err := m.Login(ctx, m.cfg.Username, m.cfg.Password)
	if err != nil {
		return notifier.Credential{}, err
	}
	m.cred = cred
	m.logger.Info("New session established", "credential", cred.String())
	return cred, nil
}

// Login submits the account credentials and extracts the session cookies.
// The cookie jar is emptied afterwards so the returned credential is the only
// carrier of session state.
func (m *Manager) Login(ctx context.Context, username, password string) (notifier.Credential, error) {
	if err := m.resetJar(); err != nil {
		return notifier.Credential{}, err
	}
	defer func() {
		if err := m.resetJar(); err != nil {
			m.logger.Warn("Failed to reset cookie jar", "error", err)
		}
	}()

	m.logger.Info("HTTP request starting",
		"method", http.MethodPost,
		"url", m.loginURL.String(),
		"purpose", "login")

	startTime := time.Now()
	resp, err := m.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"user2":    username,
			"user":     m.cfg.SiteID + "." + username,
			"password": password,
		}).
		Post(m.loginURL.String())
	duration := time.Since(startTime)
	if err != nil {
		m.logger.Warn("Login request failed", "duration_ms", duration.Milliseconds(), "error", err)
		return notifier.Credential{}, fmt.Errorf("%w: login request: %w", notifier.ErrTransport, err)
	}

	m.logger.Info("HTTP request completed",
		"url", m.loginURL.String(),
		"status_code", resp.StatusCode(),
		"duration_ms", duration.Milliseconds())

	cookies := m.jarCookies(m.loginURL, m.portal)
	sid, ok := cookies[SIDCookie]
	if !ok || sid == "" {
		return notifier.Credential{}, fmt.Errorf("%w: %s cookie not supplied", notifier.ErrAuth, SIDCookie)
	}
	session, ok := cookies[SessionCookie]
	if !ok || session == "" {
		return notifier.Credential{}, fmt.Errorf("%w: %s cookie not supplied", notifier.ErrAuth, SessionCookie)
	}

	return notifier.NewCredential(sid, session), nil
}

// CheckValidity probes the portal root with the credential attached. An invalid
// session is a normal false result; only transport failures return an error.
func (m *Manager) CheckValidity(ctx context.Context, cred notifier.Credential) (bool, error) {
	var value string
	var found bool

	err := retry.Do(
		func() error {
			if err := m.resetJar(); err != nil {
				return retry.Unrecoverable(err)
			}

			startTime := time.Now()
			resp, err := m.http.R().
				SetContext(ctx).
				SetCookies(Cookies(cred)).
				Get(m.portal.String())
			duration := time.Since(startTime)
			if err != nil {
				m.logger.Warn("Validity probe failed, will retry",
					"url", m.portal.String(),
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			m.logger.Debug("Validity probe completed",
				"status_code", resp.StatusCode(),
				"duration_ms", duration.Milliseconds())

			value, found = m.jarCookies(m.portal)[ValidityCookie]
			if !found {
				for _, c := range resp.Cookies() {
					if c.Name == ValidityCookie {
						value, found = c.Value, true
					}
				}
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Info("Retrying validity probe after error", "attempt", n, "error", err)
		}),
	)
	if resetErr := m.resetJar(); resetErr != nil {
		m.logger.Warn("Failed to reset cookie jar", "error", resetErr)
	}
	if err != nil {
		return false, fmt.Errorf("%w: validity probe: %w", notifier.ErrTransport, err)
	}

	if !found {
		m.logger.Warn("Validity cookie missing from probe response, assuming session is valid", "cookie", ValidityCookie)
		return true, nil
	}
	return value != InvalidSentinel, nil
}

// Cookies returns the request cookies that carry a credential.
func Cookies(cred notifier.Credential) []*http.Cookie {
	return []*http.Cookie{
		{Name: SessionCookie, Value: cred.Session()},
		{Name: SIDCookie, Value: cred.SID()},
	}
}

func (m *Manager) resetJar() error {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fmt.Errorf("create cookie jar: %w", err)
	}
	m.http.SetCookieJar(jar)
	return nil
}

// jarCookies collects the jar's cookies visible from the given URLs, keyed by name.
func (m *Manager) jarCookies(urls ...*url.URL) map[string]string {
	out := make(map[string]string)
	jar := m.http.GetClient().Jar
	if jar == nil {
		return out
	}
	for _, u := range urls {
		for _, c := range jar.Cookies(u) {
			if _, seen := out[c.Name]; !seen {
				out[c.Name] = c.Value
			}
		}
	}
	return out
}
