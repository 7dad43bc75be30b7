/*
Copyright 2025 Jordi Gil.

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

package database

import (
	"fmt"
	"net/url"
	"strings"
)

// Transaction-mode poolers (pgbouncer, supabase/neon poolers) drop
// session-level LISTEN subscriptions, so the notification listener must
// never run through one. SanitizeListenerURL detects the common pooler
// signatures and rewrites the URL to its session-pinned equivalent when that
// is derivable; otherwise it returns an error and the service refuses to
// start.
//
// Signatures handled:
//   - port 6543 (supabase/pgbouncer transaction pool) → 5432
//   - "-pooler" host label (neon) → label removed
//   - "pgbouncer=true" query parameter → parameter removed
func SanitizeListenerURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("listener url is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid listener url: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("listener url must be a postgres url, got scheme %q", u.Scheme)
	}

	if u.Port() == "6543" {
		u.Host = u.Hostname() + ":5432"
	}

	if strings.Contains(u.Hostname(), "-pooler") {
		host := strings.Replace(u.Hostname(), "-pooler", "", 1)
		if port := u.Port(); port != "" {
			u.Host = host + ":" + port
		} else {
			u.Host = host
		}
	}

	q := u.Query()
	if q.Get("pgbouncer") != "" {
		q.Del("pgbouncer")
		u.RawQuery = q.Encode()
	}

	// A dedicated pgbouncer host has no derivable session endpoint; refuse
	// rather than guess.
	if strings.Contains(u.Hostname(), "pgbouncer") {
		return "", fmt.Errorf("listener url points at a pgbouncer endpoint with no session-pinned equivalent: %s", u.Host)
	}
	return u.String(), nil
}
