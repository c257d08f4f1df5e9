package browser

import (
	"sort"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/autoapply/internal/config"
)

const (
	defaultViewportWidth  = 1366
	defaultViewportHeight = 900
)

// allocatorFlags translates the browser config into Chrome command line flags,
// keyed without the leading dashes.
func allocatorFlags(cfg config.BrowserConfig) map[string]interface{} {
	flags := map[string]interface{}{
		"no-sandbox":               true,
		"disable-dev-shm-usage":    true,
		"disable-gpu":              true,
		"no-first-run":             true,
		"no-default-browser-check": true,
		"disable-popup-blocking":   true,
		"disable-notifications":    true,
	}
	if cfg.Headless {
		flags["headless"] = true
		flags["hide-scrollbars"] = true
		flags["mute-audio"] = true
	}
	if cfg.DisableCache {
		flags["disk-cache-size"] = "0"
		flags["media-cache-size"] = "0"
		flags["disable-application-cache"] = true
	}
	if cfg.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
	}

	// Extra args from the config file override the defaults above.
	for _, arg := range cfg.Args {
		arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
		if arg == "" {
			continue
		}
		if key, value, found := strings.Cut(arg, "="); found {
			flags[key] = strings.Trim(value, `"'`)
		} else {
			flags[arg] = true
		}
	}
	return flags
}

// DefaultAllocatorOptions returns the exec allocator options for cfg.
func DefaultAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	flags := allocatorFlags(cfg)
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	opts := make([]chromedp.ExecAllocatorOption, 0, len(keys)+2)
	for _, k := range keys {
		opts = append(opts, chromedp.Flag(k, flags[k]))
	}

	w, h := viewport(cfg)
	opts = append(opts, chromedp.WindowSize(w, h))
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

func viewport(cfg config.BrowserConfig) (int, int) {
	w, h := cfg.Viewport["width"], cfg.Viewport["height"]
	if w <= 0 {
		w = defaultViewportWidth
	}
	if h <= 0 {
		h = defaultViewportHeight
	}
	return w, h
}
