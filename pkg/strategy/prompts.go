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

import (
	"fmt"
	"strings"

	"github.com/melodydashora/vecto-pilot/pkg/ai/llm"
	"github.com/melodydashora/vecto-pilot/pkg/snapshot"
)

const strategistSystem = `You are a rideshare positioning strategist. You advise a single driver
on where to position right now. Answer in 2-3 plain sentences: where to go, why, and by when.
No markdown, no lists, no hedging.`

const brieferSystem = `You are a local intelligence analyst for rideshare drivers. Use live search.
Respond with a single JSON object and nothing else, with exactly these string fields:
"global_travel", "domestic_travel", "local_traffic", "weather_impacts", "events_nearby",
"rideshare_intel", and an array field "citations" of source URLs. Unknown fields get "".`

const consolidatorSystem = `You merge two analyst outputs into one consolidated rideshare strategy.
Write 3-5 sentences a driver can act on immediately: where to stage, what demand to expect, and
timing. Resolve conflicts in favor of the tactical assessment. Plain text only.`

const holidaySystem = `You classify dates. Given a location and local date, answer with only the name
of the public holiday or widely observed occasion on that date in that place, or the single word
"none". No other text.`

// contextLines renders the shared location/time block every snapshot-aware
// prompt starts from. The snapshot's day-of-week and local time are
// authoritative; models must not infer their own "now".
func contextLines(sc *snapshot.Context) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Location: %s", sc.ResolvedAddress())
	if sc.Country != "" {
		fmt.Fprintf(&b, ", %s", sc.Country)
	}
	fmt.Fprintf(&b, " (%.5f, %.5f)\n", sc.Lat, sc.Lng)
	fmt.Fprintf(&b, "Local time: %s (%s), day part: %s. Treat this day and time as authoritative.\n",
		sc.LocalTime, sc.DayOfWeek, sc.DayPart)

	if sc.Weather != nil {
		if sc.Weather.TempF != nil {
			fmt.Fprintf(&b, "Weather: %.0f°F %s.", *sc.Weather.TempF, sc.Weather.Conditions)
		} else {
			fmt.Fprintf(&b, "Weather: %s.", sc.Weather.Conditions)
		}
		if sc.Weather.Forecast != "" {
			fmt.Fprintf(&b, " Forecast: %s.", sc.Weather.Forecast)
		}
		b.WriteString("\n")
	}
	if sc.Airport != nil && sc.Airport.Code != "" {
		fmt.Fprintf(&b, "Nearby airport: %s", sc.Airport.Code)
		if sc.Airport.DistanceMi != nil {
			fmt.Fprintf(&b, " (%.1f mi)", *sc.Airport.DistanceMi)
		}
		if sc.Airport.Delay != "" {
			fmt.Fprintf(&b, ", delays: %s", sc.Airport.Delay)
		}
		b.WriteString("\n")
	}
	if sc.Holiday != "" && !strings.EqualFold(sc.Holiday, "none") {
		fmt.Fprintf(&b, "Today is %s.\n", sc.Holiday)
	}
	return b.String()
}

func buildStrategistPrompt(sc *snapshot.Context) llm.Prompt {
	return llm.Prompt{
		System: strategistSystem,
		User: contextLines(sc) +
			"\nWhere should this driver position right now, and why?",
	}
}

func buildBrieferPrompt(sc *snapshot.Context) llm.Prompt {
	return llm.Prompt{
		System: brieferSystem,
		User: contextLines(sc) +
			"\nBrief this driver on current conditions relevant to rideshare demand within 15 miles.",
		WantJSON: true,
	}
}

func buildHolidayPrompt(sc *snapshot.Context) llm.Prompt {
	return llm.Prompt{
		System: holidaySystem,
		User: fmt.Sprintf("Location: %s. Local date and time: %s (%s).",
			sc.ResolvedAddress(), sc.LocalTime, sc.DayOfWeek),
	}
}

// buildConsolidatorPrompt is role-pure: it carries only the other roles'
// outputs and the resolved address. No raw snapshot weather, no holiday.
func buildConsolidatorPrompt(strategistOutput, brieferOutput, resolvedAddress string) llm.Prompt {
	return llm.Prompt{
		System: consolidatorSystem,
		User: fmt.Sprintf(
			"Driver location: %s\n\nTactical assessment:\n%s\n\nIntelligence briefing (JSON):\n%s\n\nProduce the consolidated strategy.",
			resolvedAddress, strategistOutput, brieferOutput),
	}
}

// Secondary search prompts for the briefing assembly fan-out. Each is
// independent and failure-contained.
func buildEventsPrompt(sc *snapshot.Context) llm.Prompt {
	return llm.Prompt{
		System: `You list local events. Respond with a JSON array of short strings, one per event
happening today near the given location, or [] when none are found. No other text.`,
		User:     fmt.Sprintf("Events today near %s (%s, %s).", sc.ResolvedAddress(), sc.LocalTime, sc.DayOfWeek),
		WantJSON: true,
	}
}

func buildTrafficPrompt(sc *snapshot.Context) llm.Prompt {
	return llm.Prompt{
		System: "You summarize live road conditions in 1-2 sentences of plain text.",
		User:   fmt.Sprintf("Current traffic conditions near %s.", sc.ResolvedAddress()),
	}
}

func buildSchoolClosuresPrompt(sc *snapshot.Context) llm.Prompt {
	return llm.Prompt{
		System: "You report school closures in one sentence of plain text, or exactly \"none\" when there are none.",
		User:   fmt.Sprintf("School closures today in %s, %s.", sc.City, sc.State),
	}
}

func buildNewsPrompt(sc *snapshot.Context) llm.Prompt {
	return llm.Prompt{
		System: "You summarize local news affecting road travel in 1-2 sentences of plain text.",
		User:   fmt.Sprintf("Local news today for %s, %s relevant to drivers.", sc.City, sc.State),
	}
}
