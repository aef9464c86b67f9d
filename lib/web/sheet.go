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

package web

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/worldgate/worldgate/lib/httplib"
	"github.com/worldgate/worldgate/lib/relay"
	"github.com/worldgate/worldgate/lib/users"
)

// sheet renders an entity sheet. format=json returns the world's data
// as-is; format=html (the default) wraps the world's sheet markup in a
// standalone page with asset references rewritten through the proxy.
func (h *Handler) sheet(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	query := r.URL.Query()
	fields := queryFields(r, "uuid", "format", "tab")
	selected, err := queryBool(r, "selected")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if selected {
		fields["selected"] = true
	}
	if _, ok := fields["uuid"]; !ok && !selected {
		return nil, missingParam("uuid or selected is required",
			"GET /sheet?clientId=<id>&uuid=<uuid>[&format=html|json&tab=<tab>&darkMode=true&scale=80]")
	}

	format := query.Get("format")
	if format == "" {
		format = "html"
	}
	if format != "html" && format != "json" {
		return nil, trace.BadParameter("format must be html or json")
	}
	darkMode, err := queryBool(r, "darkMode")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if darkMode {
		fields["darkMode"] = true
	}
	scale := 0
	if raw := query.Get("scale"); raw != "" {
		scale, err = strconv.Atoi(raw)
		if err != nil || scale < 10 || scale > 200 {
			return nil, trace.BadParameter("scale must be a percentage between 10 and 200")
		}
		fields["scale"] = scale
	}
	fields["format"] = format

	reply, corrID, clientID, err := h.relayRequest(r, user, relayOp{
		kind:   relay.KindActorSheet,
		fields: fields,
		waiter: relay.Waiter{
			UUID:     query.Get("uuid"),
			Format:   format,
			Tab:      query.Get("tab"),
			DarkMode: darkMode,
			Scale:    scale,
		},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if errText := reply.ErrorText(); errText != "" {
		return nil, httplib.NewError(http.StatusBadRequest, errText).WithFields(map[string]interface{}{
			"requestId": corrID,
			"clientId":  clientID,
		})
	}
	if format == "json" {
		return replyBody(reply, corrID, clientID), nil
	}

	markup := reply.GetString("html")
	if markup == "" {
		return nil, httplib.BadGateway("the world returned no sheet markup")
	}
	page := renderSheetPage(sheetPage{
		Title:    reply.GetString("title"),
		HTML:     rewriteAssetURLs(markup, reply.GetString("baseUrl")),
		CSS:      reply.GetString("css"),
		DarkMode: darkMode,
		Scale:    scale,
	})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := io.WriteString(w, page); err != nil {
		h.log.WithError(err).Debug("Failed to stream sheet to caller.")
	}
	return nil, nil
}

// sheetPage is everything the standalone sheet document needs.
type sheetPage struct {
	Title    string
	HTML     string
	CSS      string
	DarkMode bool
	Scale    int
}

func renderSheetPage(page sheetPage) string {
	title := page.Title
	if title == "" {
		title = "Sheet"
	}
	bodyClass := "sheet"
	if page.DarkMode {
		bodyClass += " dark-mode"
	}
	bodyStyle := ""
	if page.Scale > 0 && page.Scale != 100 {
		bodyStyle = fmt.Sprintf(` style="zoom: %d%%"`, page.Scale)
	}
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<title>%s</title>\n", htmlEscape(title))
	if page.CSS != "" {
		fmt.Fprintf(&b, "<style>\n%s\n</style>\n", page.CSS)
	}
	if page.DarkMode {
		b.WriteString("<style>.dark-mode { background: #1e1e2e; color: #e6e6e6; }</style>\n")
	}
	fmt.Fprintf(&b, "</head>\n<body class=%q%s>\n", bodyClass, bodyStyle)
	b.WriteString(page.HTML)
	b.WriteString("\n</body>\n</html>\n")
	return b.String()
}

func htmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// assetAttrPattern matches src and href attribute values in the
// world's sheet markup.
var assetAttrPattern = regexp.MustCompile(`(src|href)="([^"]+)"`)

// rewriteAssetURLs points the sheet's asset references at the proxy.
// Absolute URLs always carry their own host; relative ones need the
// world to have reported its base URL, and are left alone otherwise.
func rewriteAssetURLs(markup, baseURL string) string {
	baseHost := ""
	if baseURL != "" {
		if parsed, err := url.Parse(baseURL); err == nil {
			baseHost = parsed.Host
		}
	}
	return assetAttrPattern.ReplaceAllStringFunc(markup, func(match string) string {
		parts := assetAttrPattern.FindStringSubmatch(match)
		attr, ref := parts[1], parts[2]
		rewritten, ok := proxyAssetPath(ref, baseHost)
		if !ok {
			return match
		}
		return fmt.Sprintf("%s=%q", attr, rewritten)
	})
}

// proxyAssetPath maps one asset reference to its proxy path. The
// boolean reports whether the reference should be rewritten at all.
func proxyAssetPath(ref, baseHost string) (string, bool) {
	switch {
	case ref == "",
		strings.HasPrefix(ref, "data:"),
		strings.HasPrefix(ref, "#"),
		strings.HasPrefix(ref, "javascript:"),
		strings.HasPrefix(ref, "mailto:"),
		strings.HasPrefix(ref, "/proxy-asset/"):
		return "", false
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		parsed, err := url.Parse(ref)
		if err != nil || parsed.Host == "" {
			return "", false
		}
		return joinProxyPath(parsed.Host, parsed.Path, parsed.RawQuery), true
	}
	if strings.HasPrefix(ref, "//") {
		return proxyAssetPath("https:"+ref, baseHost)
	}
	if baseHost == "" {
		return "", false
	}
	return joinProxyPath(baseHost, "/"+strings.TrimPrefix(ref, "/"), ""), true
}

func joinProxyPath(host, path, query string) string {
	out := "/proxy-asset/" + host + path
	if query != "" {
		out += "?" + query
	}
	return out
}

// fontAwesomeCDN replaces world-hosted Font Awesome files, which many
// worlds block from off-origin fetches.
const fontAwesomeCDN = "https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.5.2/"

// textureCDN mirrors the stock world texture set for worlds that do not
// expose theirs.
const textureCDN = "https://assets.worldgate.io/textures/"

var fontAwesomeMarker = regexp.MustCompile(`font-?awesome/`)

// transparentPixel is a 1x1 fully transparent PNG served when an image
// asset cannot be fetched from the world.
var transparentPixel, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII=")

// proxyAsset streams one asset from a world's origin. The first path
// segment names the world host; misses on image paths degrade to a
// transparent pixel so sheet rendering never breaks on one bad icon.
func (h *Handler) proxyAsset(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	raw := strings.TrimPrefix(p.ByName("path"), "/")
	if raw == "" {
		return nil, missingParam("asset path is required", "GET /proxy-asset/<world-host>/<asset-path>")
	}

	if loc := fontAwesomeMarker.FindStringIndex(raw); loc != nil {
		target := fontAwesomeCDN + raw[loc[1]:]
		http.Redirect(w, r, target, http.StatusFound)
		return nil, nil
	}

	host, assetPath, ok := strings.Cut(raw, "/")
	if !ok || host == "" {
		return nil, missingParam("asset path must include the world host", "GET /proxy-asset/<world-host>/<asset-path>")
	}
	target := url.URL{Scheme: "https", Host: host, Path: "/" + assetPath, RawQuery: r.URL.RawQuery}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := h.cfg.AssetClient.Do(req)
	if err != nil {
		return h.assetFallback(w, r, assetPath)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return h.assetFallback(w, r, assetPath)
	}

	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.log.WithError(err).Debug("Asset stream to caller broke.")
	}
	return nil, nil
}

// assetFallback answers an asset miss: textures redirect to the mirror,
// other images get the transparent pixel, and anything else is a plain
// bad gateway.
func (h *Handler) assetFallback(w http.ResponseWriter, r *http.Request, assetPath string) (interface{}, error) {
	if idx := strings.Index(assetPath, "textures/"); idx >= 0 {
		http.Redirect(w, r, textureCDN+assetPath[idx+len("textures/"):], http.StatusFound)
		return nil, nil
	}
	if isImagePath(assetPath) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(transparentPixel)))
		w.Write(transparentPixel)
		return nil, nil
	}
	return nil, httplib.BadGateway("failed to fetch the asset from the world")
}

func isImagePath(assetPath string) bool {
	lower := strings.ToLower(assetPath)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".avif"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
