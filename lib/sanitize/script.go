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

package sanitize

import "regexp"

// forbiddenScriptPatterns is a coarse deny-list applied to request
// bodies that embed user-supplied JavaScript destined for the world's
// browser context. The world is expected to impose its own sandboxing;
// this filter only blocks the obvious attempts to reach the hosting
// browser's stores, credentials and escape hatches.
var forbiddenScriptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`localStorage`),
	regexp.MustCompile(`sessionStorage`),
	regexp.MustCompile(`indexedDB`),
	regexp.MustCompile(`document\s*\.\s*cookie`),
	regexp.MustCompile(`\beval\s*\(`),
	regexp.MustCompile(`new\s+Worker`),
	regexp.MustCompile(`\bWorker\s*\(`),
	regexp.MustCompile(`__proto__`),
	regexp.MustCompile(`prototype\s*\[`),
	regexp.MustCompile(`constructor\s*\[`),
	regexp.MustCompile(`\batob\s*\(`),
	regexp.MustCompile(`\bbtoa\s*\(`),
	regexp.MustCompile(`\bcrypto\s*\.`),
	regexp.MustCompile(`\bIntl\s*\.`),
	regexp.MustCompile(`postMessage`),
	regexp.MustCompile(`XMLHttpRequest`),
	regexp.MustCompile(`importScripts`),
	regexp.MustCompile(`apiKey`),
	regexp.MustCompile(`privateKey`),
	regexp.MustCompile(`password`),
}

// ScanScript reports the first forbidden pattern found in a
// user-supplied script body, or false when the body is acceptable.
func ScanScript(body string) (string, bool) {
	for _, re := range forbiddenScriptPatterns {
		if re.MatchString(body) {
			return re.String(), true
		}
	}
	return "", false
}
