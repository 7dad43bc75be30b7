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

package strategy

import "strings"

// stubValues are placeholder strings a failed secondary search may produce.
// They never overwrite real data.
var stubValues = map[string]struct{}{
	"":               {},
	"n/a":            {},
	"unavailable":    {},
	"no data":        {},
	"none available": {},
	"unknown":        {},
}

func isStub(value string) bool {
	_, ok := stubValues[strings.ToLower(strings.TrimSpace(value))]
	return ok
}

// SmartMerge combines an incoming briefing with the existing row: a field is
// replaced only when the incoming value is non-empty and not a stub, so a
// transient provider failure can never destroy good data. Returns a new
// value; neither input is mutated. A nil existing briefing returns the
// incoming one unchanged.
func SmartMerge(existing, incoming *Briefing) *Briefing {
	if existing == nil {
		return incoming
	}
	if incoming == nil {
		return existing
	}

	merged := *incoming
	keep := func(dst *string, old string) {
		if isStub(*dst) {
			*dst = old
		}
	}

	keep(&merged.GlobalTravel, existing.GlobalTravel)
	keep(&merged.DomesticTravel, existing.DomesticTravel)
	keep(&merged.LocalTraffic, existing.LocalTraffic)
	keep(&merged.WeatherImpacts, existing.WeatherImpacts)
	keep(&merged.EventsNearby, existing.EventsNearby)
	keep(&merged.RideshareIntel, existing.RideshareIntel)
	keep(&merged.News, existing.News)
	keep(&merged.TrafficConditions, existing.TrafficConditions)
	keep(&merged.WeatherCurrent, existing.WeatherCurrent)
	keep(&merged.WeatherForecast, existing.WeatherForecast)
	keep(&merged.SchoolClosures, existing.SchoolClosures)

	if len(merged.Events) == 0 {
		merged.Events = existing.Events
	}
	if len(merged.Citations) == 0 {
		merged.Citations = existing.Citations
	}
	return &merged
}
