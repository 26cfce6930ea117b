/*
 * Copyright 2025 The IntelliStream Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package window provides the event-time building blocks of the scheduler:
// the Assigner that maps a timestamp to every window range that must
// contain it, and the watermark Tracker that decides how far event time
// has progressed and which arrivals count as late.
//
// Both types are passive. They hold no goroutines and no timers; the
// scheduler drives them from its own loops.
package window
