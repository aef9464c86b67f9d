/*
Copyright 2025 Worldgate, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package headless

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/defaults"
)

// navigateTimeout bounds the initial page load.
const navigateTimeout = 30 * time.Second

// LoginParams describes one world login.
type LoginParams struct {
	// URL is the world's login address.
	URL string
	// WorldName optionally picks a world from the setup screen first.
	WorldName string
	// Username is the world-side account to log in as.
	Username string
	// Password is the account password.
	Password string
}

// Browser is one logged-in headless browser.
type Browser interface {
	// UserID is the world-side identity the login resolved to.
	UserID() string
	// Close tears the browser down.
	Close(ctx context.Context) error
}

// Driver spawns logged-in browsers. Production uses chromedp; tests
// substitute a fake.
type Driver interface {
	// Login drives a browser through the world's join screen and
	// returns it once the in-game view is up.
	Login(ctx context.Context, p LoginParams) (Browser, error)
}

// ChromeConfig holds chromedp driver settings.
type ChromeConfig struct {
	// ExecPath overrides the browser binary location.
	ExecPath string
}

// ChromeDriver logs into worlds with a headless Chrome.
type ChromeDriver struct {
	cfg ChromeConfig
	log *log.Entry
}

// NewChromeDriver returns a chromedp-backed driver.
func NewChromeDriver(cfg ChromeConfig) *ChromeDriver {
	return &ChromeDriver{
		cfg: cfg,
		log: log.WithFields(log.Fields{
			trace.Component: worldgate.ComponentHeadless,
		}),
	}
}

// overlayDismissScript clicks through dialogs a fresh world shows
// before the join screen. Missing selectors are fine.
const overlayDismissScript = `(() => {
	const selectors = [
		'#eula button[name="agree"]',
		'#eula-agree',
		'.dialog .dialog-buttons button.yes',
		'#tours button[data-action="exit"]',
	];
	for (const sel of selectors) {
		const el = document.querySelector(sel);
		if (el) el.click();
	}
	return true;
})()`

// userSelectProbe reports whether the join screen's user picker is up
// and which option value matches the wanted username.
type userSelectProbe struct {
	HasSelect bool   `json:"hasSelect"`
	Value     string `json:"value"`
}

// Login navigates to the world, works through setup and join screens,
// and waits for the in-game view. The returned browser stays alive
// until Close; the passed context only bounds the login itself.
func (d *ChromeDriver) Login(ctx context.Context, p LoginParams) (Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("js-flags", "--max-old-space-size=512"),
	)
	if d.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.cfg.ExecPath))
	}

	// The browser outlives the login request, so its context chains
	// from Background, not from ctx.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		browserCancel()
		allocCancel()
	}

	userID, err := d.login(ctx, browserCtx, p)
	if err != nil {
		if cErr := chromedp.Cancel(browserCtx); cErr != nil {
			d.log.WithError(cErr).Warn("Failed to shut down browser after login failure.")
		}
		cancel()
		return nil, trace.Wrap(err)
	}

	return &chromeBrowser{
		userID: userID,
		ctx:    browserCtx,
		cancel: cancel,
	}, nil
}

// login runs the join flow inside browserCtx, watching ctx for caller
// cancellation, and returns the world-side user id.
func (d *ChromeDriver) login(ctx, browserCtx context.Context, p LoginParams) (string, error) {
	navCtx, cancelNav := context.WithTimeout(browserCtx, navigateTimeout)
	defer cancelNav()
	if err := chromedp.Run(navCtx,
		chromedp.Navigate(p.URL),
		chromedp.Sleep(2*time.Second),
		chromedp.Evaluate(overlayDismissScript, nil),
	); err != nil {
		return "", trace.ConnectionProblem(err, "failed to open world login page")
	}

	if p.WorldName != "" {
		if err := d.launchWorld(browserCtx, p.WorldName); err != nil {
			return "", trace.Wrap(err)
		}
	}

	if err := d.join(ctx, browserCtx, p); err != nil {
		return "", trace.Wrap(err)
	}

	gameCtx, cancelGame := context.WithTimeout(browserCtx, defaults.BrowserGameTimeout)
	defer cancelGame()
	if err := chromedp.Run(gameCtx, chromedp.WaitReady("#board", chromedp.ByQuery)); err != nil {
		return "", trace.ConnectionProblem(err, "world did not reach the in-game view")
	}

	var userID string
	readUser := `(() => (window.game && (game.userId || (game.user && game.user.id))) || "")()`
	if err := chromedp.Run(gameCtx, chromedp.Evaluate(readUser, &userID)); err != nil {
		return "", trace.Wrap(err)
	}
	if userID == "" {
		return "", trace.NotFound("logged in but could not resolve the world user id")
	}
	d.log.WithField("userId", userID).Info("Browser login complete.")
	return userID, nil
}

// launchWorld clicks the named world's play button on the setup screen.
func (d *ChromeDriver) launchWorld(browserCtx context.Context, worldName string) error {
	script := fmt.Sprintf(`(() => {
		const items = Array.from(document.querySelectorAll('li.package.world, .package.world'));
		const target = items.find(li => {
			const title = li.querySelector('.package-title, h3');
			return title && title.textContent.trim() === %q;
		});
		if (!target) return false;
		const play = target.querySelector('button[data-action="worldLaunch"], .control.play, button.play');
		if (!play) return false;
		play.click();
		return true;
	})()`, worldName)

	launchCtx, cancel := context.WithTimeout(browserCtx, navigateTimeout)
	defer cancel()
	var launched bool
	if err := chromedp.Run(launchCtx,
		chromedp.Evaluate(script, &launched),
		chromedp.Sleep(2*time.Second),
	); err != nil {
		return trace.ConnectionProblem(err, "failed to launch world %q", worldName)
	}
	if !launched {
		return trace.NotFound("world %q not present on the setup screen", worldName)
	}
	return nil
}

// join picks the user on the join screen, types the password, and
// submits. The user picker can take a while to render while the world
// boots, so it is polled.
func (d *ChromeDriver) join(ctx, browserCtx context.Context, p LoginParams) error {
	var probe userSelectProbe
	probeScript := fmt.Sprintf(`(() => {
		const sel = document.querySelector('select[name="userid"]');
		if (!sel) return {hasSelect: false, value: ""};
		const opt = Array.from(sel.options).find(o => o.textContent.trim() === %q);
		return {hasSelect: true, value: opt ? opt.value : ""};
	})()`, p.Username)

	for attempt := 0; attempt < defaults.BrowserLoginAttempts; attempt++ {
		if err := chromedp.Run(browserCtx, chromedp.Evaluate(probeScript, &probe)); err != nil {
			return trace.ConnectionProblem(err, "failed to inspect the join screen")
		}
		if probe.HasSelect {
			break
		}
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case <-time.After(defaults.BrowserLoginInterval):
		}
	}

	actions := []chromedp.Action{}
	switch {
	case probe.HasSelect && probe.Value != "":
		pick := fmt.Sprintf(`(() => {
			const sel = document.querySelector('select[name="userid"]');
			sel.value = %q;
			sel.dispatchEvent(new Event('change', {bubbles: true}));
			return true;
		})()`, probe.Value)
		actions = append(actions, chromedp.Evaluate(pick, nil))
	default:
		// No picker or no matching option: older join screens take the
		// name as free text.
		actions = append(actions, chromedp.SendKeys(`input[name="userid"]`, p.Username, chromedp.ByQuery))
	}
	actions = append(actions,
		chromedp.SendKeys(`input[name="password"]`, p.Password, chromedp.ByQuery),
		chromedp.Click(`button[name="join"]`, chromedp.ByQuery),
	)

	joinCtx, cancel := context.WithTimeout(browserCtx, navigateTimeout)
	defer cancel()
	if err := chromedp.Run(joinCtx, actions...); err != nil {
		return trace.ConnectionProblem(err, "failed to submit the join form")
	}
	return nil
}

// chromeBrowser is a live chromedp session.
type chromeBrowser struct {
	userID string
	ctx    context.Context
	cancel context.CancelFunc
}

// UserID returns the world-side identity the login resolved to.
func (b *chromeBrowser) UserID() string { return b.userID }

// Close shuts the browser down and releases the allocator.
func (b *chromeBrowser) Close(ctx context.Context) error {
	err := chromedp.Cancel(b.ctx)
	b.cancel()
	return trace.Wrap(err)
}
