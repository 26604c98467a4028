// Package browser spawns and configures the Chromium instances that back
// scraping sessions. Each session owns one browser, launched either
// locally or through a remote launcher manager, with the session's proxy
// wired in at launch time.
package browser

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/castnet/trawler/internal/security"
	"github.com/castnet/trawler/internal/types"
)

// LaunchConfig controls how browsers are spawned.
type LaunchConfig struct {
	// RemoteURL points at a rod launcher manager. When set, browsers are
	// allocated remotely instead of launched as local processes.
	RemoteURL string

	// BrowserPath overrides the local Chromium binary.
	BrowserPath string

	Headless         bool
	IgnoreCertErrors bool
	UserAgent        string
	WindowWidth      int
	WindowHeight     int
}

// Provider spawns browsers for the session manager.
type Provider struct {
	cfg LaunchConfig
}

// NewProvider returns a provider with the given launch configuration.
func NewProvider(cfg LaunchConfig) *Provider {
	if cfg.WindowWidth <= 0 {
		cfg.WindowWidth = 1920
	}
	if cfg.WindowHeight <= 0 {
		cfg.WindowHeight = 1080
	}
	return &Provider{cfg: cfg}
}

// Browser is one live Chromium instance bound to at most one proxy.
type Browser struct {
	ID    string
	Proxy *types.Proxy

	rod      *rod.Browser
	launcher *launcher.Launcher
	remote   bool
}

// Rod exposes the underlying rod handle.
func (b *Browser) Rod() *rod.Browser { return b.rod }

// Spawn launches a browser routed through the given proxy (nil for a
// direct connection). The returned browser must be closed by the caller.
func (p *Provider) Spawn(ctx context.Context, proxy *types.Proxy) (*Browser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	proxyServer := ""
	if proxy != nil {
		proxyServer = proxy.URL
		log.Debug().
			Str("proxy", security.RedactProxyURL(proxy.URL)).
			Str("proxy_id", proxy.ID).
			Msg("Spawning browser with proxy")
	}

	l, err := p.newLauncher(proxyServer)
	if err != nil {
		return nil, err
	}

	var client *rod.Browser
	if p.remoteMode() {
		cdpClient, err := l.Client()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to remote launcher: %w", err)
		}
		client = rod.New().Client(cdpClient)
	} else {
		controlURL, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("failed to launch browser: %w", err)
		}
		client = rod.New().ControlURL(controlURL)
	}

	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	if p.cfg.IgnoreCertErrors {
		if err := client.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("Failed to set IgnoreCertErrors")
		}
	}

	b := &Browser{
		ID:       "b-" + uuid.NewString()[:8],
		Proxy:    proxy,
		rod:      client,
		launcher: l,
		remote:   p.remoteMode(),
	}
	log.Debug().Str("browser_id", b.ID).Msg("Browser spawned")
	return b, nil
}

func (p *Provider) remoteMode() bool { return p.cfg.RemoteURL != "" }

// newLauncher assembles the launch flags. Launchers are single-use, so a
// fresh one is built per spawn.
func (p *Provider) newLauncher(proxyServer string) (*launcher.Launcher, error) {
	var l *launcher.Launcher
	if p.remoteMode() {
		managed, err := launcher.NewManaged(p.cfg.RemoteURL)
		if err != nil {
			return nil, fmt.Errorf("failed to reach launcher manager: %w", err)
		}
		l = managed
	} else {
		l = launcher.New()
		if p.cfg.BrowserPath != "" {
			l = l.Bin(p.cfg.BrowserPath)
		}
	}

	if p.cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		// Rod defaults to headless. Under a virtual display this must be
		// off or Chrome still runs headless and gets fingerprinted.
		l = l.Headless(false)
	}

	// Container flags.
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	if proxyServer != "" {
		l = l.Set("proxy-server", proxyServer)
	}

	// Never leak the egress IP through WebRTC, proxied or not.
	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")

	// Anti-automation fingerprint surface.
	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")
	l = l.Set("disable-features", "Translate,TranslateUI,BlinkGenPropertyTrees,WebRtcHideLocalIpsWithMdns")
	l = l.Set("enable-features", "NetworkService,NetworkServiceInProcess")

	// Software WebGL keeps a realistic GPU fingerprint on machines
	// without one.
	l = l.Set("use-gl", "swiftshader").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader").
		Set("enable-webgl").
		Set("enable-webgl2")

	if p.cfg.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors").
			Set("ignore-ssl-errors")
	}

	l = l.Set("accept-lang", "en-US,en;q=0.9")
	l = l.Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen")
	l = l.Set("window-size", fmt.Sprintf("%d,%d", p.cfg.WindowWidth, p.cfg.WindowHeight))

	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("no-zygote").
		Set("safebrowsing-disable-auto-update")

	l = l.Set("js-flags", "--max-old-space-size=256").
		Set("disable-ipc-flooding-protection").
		Set("disable-renderer-backgrounding").
		Set("disable-gpu-sandbox")

	// SwiftShader needs the GPU process alive on ARM, so only drop
	// compositing there, never the whole GPU.
	if runtime.GOARCH == "arm" || runtime.GOARCH == "arm64" {
		l = l.Set("disable-gpu-compositing")
	}

	return l, nil
}

// Close disconnects from the browser and reaps the local process. A hung
// browser is abandoned after the timeout rather than blocking teardown.
func (b *Browser) Close() error {
	if b.rod == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- b.rod.Close()
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(10 * time.Second):
		err = fmt.Errorf("browser %s close timed out", b.ID)
	}

	if !b.remote && b.launcher != nil {
		b.launcher.Kill()
		b.launcher.Cleanup()
	}

	if err != nil {
		log.Warn().Err(err).Str("browser_id", b.ID).Msg("Browser close failed")
		return err
	}
	log.Debug().Str("browser_id", b.ID).Msg("Browser closed")
	return nil
}
