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

// Package types defines the shared data model of the stream join runtime:
// tuples and half-open time ranges, window lifecycle records and states,
// compute status and metrics structures, configuration with YAML loading and
// validation, and the sentinel errors matched across package boundaries.
//
// All event time is expressed in microseconds since the epoch. Time ranges
// are half-open: the start is inclusive and the end exclusive, so adjacent
// windows share no timestamp.
package types
