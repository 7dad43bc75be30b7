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

package snapshot

import "time"

// LocalDate formats the instant as YYYY-MM-DD in the snapshot's own
// timezone. All temporal formatting for a snapshot routes through here so
// "today" never silently means server-local time. Unknown zones fall back to
// UTC.
func LocalDate(timezone string, at time.Time) string {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	return at.In(loc).Format("2006-01-02")
}

// LocalWeekday returns the weekday name in the snapshot's timezone.
func LocalWeekday(timezone string, at time.Time) string {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	return at.In(loc).Weekday().String()
}
