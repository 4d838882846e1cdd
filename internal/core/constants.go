package core

/*
gareplay — replay recorded web traffic itineraries in Go
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import "time"

// Application-wide constants for tuning the replay engine.
const (
	// --- Scheduling ---

	// DefaultRequestBuckets is the number of sub-minute slices a minute is split into.
	DefaultRequestBuckets = 6

	// SimulatedMinute is the wall-clock length of one itinerary minute.
	SimulatedMinute = time.Minute

	// --- Worker pool ---

	// DefaultConcurrency is the default number of dispatch workers.
	DefaultConcurrency = 256

	// MaxWorkers defines the absolute upper limit on the number of dispatch workers.
	MaxWorkers = 8192

	// WorkerQueueCapacity is the capacity of the shared dispatch queue.
	WorkerQueueCapacity = 1024

	// --- Retry (upstream APIs, never individual dispatches) ---

	RetryBaseDelay         = 125 * time.Millisecond
	RetryMaxDelay          = 30 * time.Second
	RetryBackoffMultiplier = 1.5
	RetryJitterFactor      = 0.2

	// MaxNetworkRetries is the number of attempts for a failed upstream request.
	MaxNetworkRetries = 5

	// --- Observability ---

	// StatsReportInterval specifies how frequently progress is reported.
	StatsReportInterval = 2 * time.Second
)
