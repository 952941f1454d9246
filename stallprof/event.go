// Copyright 2022-2025 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stallprof

import (
	"fmt"
	"time"
)

// EventType is the kind of blockage transition reported by the watchdog.
type EventType int

const (
	// EventBlocked is sent once when the monitored goroutine is found blocked.
	EventBlocked EventType = iota + 1
	// EventBlockedInterval is sent on every tick while it stays blocked.
	EventBlockedInterval
	// EventUnblocked is sent once it processes work again.
	EventUnblocked
)

func (t EventType) String() string {
	switch t {
	case EventBlocked:
		return "blocked"
	case EventBlockedInterval:
		return "blocked_interval"
	case EventUnblocked:
		return "unblocked"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Event is a timestamped blockage transition.
type Event struct {
	Type EventType
	Time time.Time
}

// Listener consumes blockage events. HandleEvent must not block for long:
// it runs on the watchdog goroutine.
type Listener interface {
	HandleEvent(Event)
}
