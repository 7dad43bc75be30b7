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

// Package events carries database change notifications from postgres to the
// pipeline (listener) and out to subscribed clients (SSE broker).
package events

// Notification channels. Writers emit with pg_notify in the same transaction
// as the row change; the listener subscribes to the strategy channels and the
// broker forwards all three.
const (
	ChannelStrategyProgress = "strategy_progress"
	ChannelStrategyReady    = "strategy_ready"
	ChannelBlocksReady      = "blocks_ready"
)
